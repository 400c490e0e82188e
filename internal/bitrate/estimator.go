package bitrate

import "github.com/gotsp/tsproc/internal/tspacket"

// Estimator implements spec.md §4.2's priority cascade: user override,
// then plugin-reported, then PCR analysis, then DTS fallback (which
// sticks once triggered).
type Estimator struct {
	override Value
	reported Value
	pcr      *PCRAnalyser
	dts      *DTSAnalyser
}

// NewEstimator creates an estimator with no override and fresh analysers.
func NewEstimator() *Estimator {
	return &Estimator{
		pcr: NewPCRAnalyser(),
		dts: NewDTSAnalyser(),
	}
}

// SetOverride installs a user-forced bitrate (spec.md's "--bitrate BR").
// Passing zero clears the override.
func (e *Estimator) SetOverride(bps uint64) {
	if bps == 0 {
		e.override = Zero
		return
	}
	e.override = Value{BitsPerSecond: bps, Confidence: Override}
}

// SetReported installs a bitrate reported by the input plugin itself.
func (e *Estimator) SetReported(v Value) {
	e.reported = v
}

// FeedPacket lets the PCR analyser observe one packet.
func (e *Estimator) FeedPacket(p *tspacket.Packet) {
	e.pcr.Feed(p)
}

// FeedDTS lets the DTS fallback analyser observe one decode timestamp.
// Timestamps only count towards triggering the fallback while the PCR
// analyser has no valid estimate; once triggered, the DTS analyser keeps
// counting them regardless.
func (e *Estimator) FeedDTS(pid uint16, dts uint64, hasDTS bool) {
	e.dts.Feed(pid, dts, hasDTS && (e.dts.Triggered() || !e.pcr.Valid()))
}

// Current returns the highest-priority known bitrate.
func (e *Estimator) Current() Value {
	if e.override.IsKnown() {
		return e.override
	}
	if e.reported.IsKnown() {
		return e.reported
	}
	if e.dts.Triggered() {
		return e.dts.BitRate()
	}
	if e.pcr.Valid() {
		return e.pcr.BitRate()
	}
	return Zero
}
