// Package bitrate implements the rational bits-per-second value type and
// confidence ranking used throughout the engine (spec.md §3's "Bitrate"
// data model) plus the PCR/DTS-based analysers that estimate it.
package bitrate

import "github.com/gotsp/tsproc/internal/tspacket"

// Confidence ranks how a Value was obtained. Higher values override lower
// ones when propagating through the plugin ring.
type Confidence int

// Confidence levels, lowest first.
const (
	Low Confidence = iota
	PCRContinuous
	Override
)

// String names the confidence level.
func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case PCRContinuous:
		return "pcr-continuous"
	case Override:
		return "override"
	default:
		return "unknown"
	}
}

// Value is a bits-per-second measurement carrying its own confidence.
type Value struct {
	BitsPerSecond uint64
	Confidence    Confidence
}

// Zero is the unknown-bitrate value.
var Zero = Value{}

// IsKnown reports whether the value represents an actual rate.
func (v Value) IsKnown() bool {
	return v.BitsPerSecond > 0
}

// Prefer returns whichever of a, b has the higher confidence; ties prefer a.
func Prefer(a, b Value) Value {
	if b.Confidence > a.Confidence {
		return b
	}
	return a
}

// PacketsPerSecond converts the bitrate to a rate of 188-byte TS packets.
func (v Value) PacketsPerSecond() float64 {
	if v.BitsPerSecond == 0 {
		return 0
	}
	return float64(v.BitsPerSecond) / (tspacket.Size * 8)
}

// DurationForPackets returns the nominal time, in nanoseconds, that n
// packets occupy at this bitrate. Returns 0 if the bitrate is unknown.
func (v Value) DurationForPackets(n uint64) int64 {
	if v.BitsPerSecond == 0 {
		return 0
	}
	bits := n * tspacket.Size * 8
	return int64(bits) * 1_000_000_000 / int64(v.BitsPerSecond)
}
