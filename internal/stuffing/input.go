// Package stuffing wraps an input plugin with spec.md §4.2's artificial
// input-stuffing rules (`--add-input-stuffing K/N`, `--add-start-stuffing`,
// `--add-stop-stuffing`): null packets are interleaved into the stream
// at the engine level, before any processor stage sees it, rather than
// by a dedicated plugin the user would have to remember to insert.
package stuffing

import (
	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// readAhead is how many real packets Input reads from its inner plugin
// per underlying Receive call.
const readAhead = 256

// Config configures the stuffing interleave.
type Config struct {
	// StartPackets nulls are emitted before the first real packet.
	StartPackets int
	// StopPackets nulls are emitted after the last real packet, once the
	// inner plugin signals end of input.
	StopPackets int
	// CycleNull null packets are inserted per CycleInput real packets,
	// spread evenly across the run (see tspacket.StuffingCycle).
	CycleNull, CycleInput int
}

// Input decorates a plugin.InputPlugin with the interleave described by
// Config. It implements plugin.InputPlugin itself, so the pipeline
// builder never needs to know stuffing is active.
type Input struct {
	inner plugin.InputPlugin
	cycle *tspacket.StuffingCycle

	startRemaining int
	stopRemaining  int
	done           bool

	realBuf  [readAhead]tspacket.Packet
	realMeta [readAhead]tspacket.Metadata
	pendingN int
	pendingI int
	innerEnd bool
}

// Wrap returns inner decorated with cfg's stuffing behavior. A
// zero-value Config (no start/stop packets, CycleNull 0) makes Wrap a
// transparent passthrough, so callers can always wrap and let Config
// decide whether stuffing actually happens.
func Wrap(inner plugin.InputPlugin, cfg Config) *Input {
	return &Input{
		inner:          inner,
		cycle:          tspacket.NewStuffingCycle(cfg.CycleNull, cfg.CycleNull+cfg.CycleInput),
		startRemaining: cfg.StartPackets,
		stopRemaining:  cfg.StopPackets,
	}
}

// Start forwards to the inner plugin.
func (s *Input) Start(args []string) error { return s.inner.Start(args) }

// Stop forwards to the inner plugin.
func (s *Input) Stop() error { return s.inner.Stop() }

// Bitrate forwards to the inner plugin; the inserted nulls are the
// engine's own affair and don't change the plugin's reported rate.
func (s *Input) Bitrate() (bitrate.Value, bool) { return s.inner.Bitrate() }

// Receive interleaves null packets per Config around packets pulled
// from the inner plugin, per spec.md §4.2.
func (s *Input) Receive(buf []tspacket.Packet, meta []tspacket.Metadata) (n int, end bool, err error) {
	for n < len(buf) {
		if s.startRemaining > 0 {
			buf[n] = tspacket.Null()
			meta[n].Reset()
			s.startRemaining--
			n++
			continue
		}
		if s.done {
			return n, true, nil
		}
		if s.cycle.Next() {
			buf[n] = tspacket.Null()
			meta[n].Reset()
			n++
			continue
		}
		if s.pendingI >= s.pendingN && !s.innerEnd {
			rn, rend, rerr := s.inner.Receive(s.realBuf[:], s.realMeta[:])
			if rerr != nil {
				return n, false, rerr
			}
			s.pendingN, s.pendingI, s.innerEnd = rn, 0, rend
		}
		if s.pendingI < s.pendingN {
			buf[n] = s.realBuf[s.pendingI]
			meta[n] = s.realMeta[s.pendingI]
			s.pendingI++
			n++
			continue
		}
		s.done = true
		s.startRemaining, s.stopRemaining = s.stopRemaining, 0
	}
	return n, false, nil
}
