package bitrate

import "github.com/gotsp/tsproc/internal/tspacket"

// minPCRSamples and minDTSSamples are the sample counts spec.md §4.2
// requires before each analyser becomes valid.
const (
	minPCRSamples = 32
	minDTSSamples = 32
)

// pcrSample records one PCR observation for a given PID.
type pcrSample struct {
	pcr       uint64
	packetIdx uint64
}

// PCRAnalyser estimates bitrate from PCR values observed on a single PID.
// The rate is computed between the first PCR sample seen since the last
// Reset and the most recent one; older samples are not aged out, so the
// estimate covers every packet since that first sample rather than a
// rolling window of the last N packets.
type PCRAnalyser struct {
	pid         uint16
	pidSet      bool
	first       pcrSample
	last        pcrSample
	samples     int
	packetCount uint64
}

// NewPCRAnalyser creates an analyser that locks onto the first PID it sees.
func NewPCRAnalyser() *PCRAnalyser {
	return &PCRAnalyser{}
}

// Feed processes one packet, returning true if it updated the bitrate
// estimate (i.e. it carried a PCR on the tracked PID).
func (a *PCRAnalyser) Feed(p *tspacket.Packet) bool {
	a.packetCount++
	pcr, ok := p.PCR()
	if !ok {
		return false
	}
	pid := p.PID()
	if !a.pidSet {
		a.pid = pid
		a.pidSet = true
	}
	if pid != a.pid {
		return false
	}
	sample := pcrSample{pcr: pcr, packetIdx: a.packetCount}
	if a.samples == 0 {
		a.first = sample
	}
	a.last = sample
	a.samples++
	return true
}

// Valid reports whether the analyser has enough samples to report a rate.
func (a *PCRAnalyser) Valid() bool {
	return a.samples >= minPCRSamples && a.last.pcr != a.first.pcr
}

// BitRate returns the estimated bitrate, or Zero if not yet valid.
func (a *PCRAnalyser) BitRate() Value {
	if !a.Valid() {
		return Zero
	}
	pcrDelta := pcrDiff(a.first.pcr, a.last.pcr)
	pktDelta := a.last.packetIdx - a.first.packetIdx
	if pcrDelta == 0 || pktDelta == 0 {
		return Zero
	}
	bits := pktDelta * tspacket.Size * 8
	// pcrDelta is in 27MHz ticks; rate = bits * 27e6 / pcrDelta.
	rate := bits * tspacket.PCRBitsFreq / pcrDelta
	return Value{BitsPerSecond: rate, Confidence: PCRContinuous}
}

// Reset clears accumulated samples, e.g. after a discontinuity.
func (a *PCRAnalyser) Reset() {
	*a = PCRAnalyser{}
}

// pcrDiff computes a forward difference handling the 42-bit PCR wraparound.
func pcrDiff(first, last uint64) uint64 {
	const pcrMax = uint64(1) << 42
	if last >= first {
		return last - first
	}
	return pcrMax - first + last
}

// dtsSample records one DTS observation.
type dtsSample struct {
	dts       uint64
	packetIdx uint64
}

// DTSAnalyser is the fallback estimator used once no PCR is observed,
// driven by decode timestamps on video PIDs, per spec.md §4.2. Once
// triggered it sticks even if PCR data later appears, matching the spec's
// "Once DTS fallback fires, it sticks."
type DTSAnalyser struct {
	pid         uint16
	pidSet      bool
	first       dtsSample
	last        dtsSample
	samples     int
	packetCount uint64
	triggered   bool
}

// NewDTSAnalyser creates a fallback DTS-based analyser.
func NewDTSAnalyser() *DTSAnalyser {
	return &DTSAnalyser{}
}

// Feed processes one packet's decode timestamp, if present, for the given PID.
func (a *DTSAnalyser) Feed(pid uint16, dts uint64, hasDTS bool) {
	a.packetCount++
	if !hasDTS {
		return
	}
	if !a.pidSet {
		a.pid = pid
		a.pidSet = true
	}
	if pid != a.pid {
		return
	}
	sample := dtsSample{dts: dts, packetIdx: a.packetCount}
	if a.samples == 0 {
		a.first = sample
	}
	a.last = sample
	a.samples++
	if a.samples >= minDTSSamples {
		a.triggered = true
	}
}

// Triggered reports whether this analyser has fired and should stick as
// the active bitrate source even if a PCR analyser becomes valid later.
func (a *DTSAnalyser) Triggered() bool {
	return a.triggered
}

// BitRate returns the estimated bitrate, or Zero if not yet triggered.
func (a *DTSAnalyser) BitRate() Value {
	if !a.triggered {
		return Zero
	}
	dtsDelta := dtsDiff(a.first.dts, a.last.dts)
	pktDelta := a.last.packetIdx - a.first.packetIdx
	if dtsDelta == 0 || pktDelta == 0 {
		return Zero
	}
	bits := pktDelta * tspacket.Size * 8
	rate := bits * tspacket.PTSDTSFreq / dtsDelta
	return Value{BitsPerSecond: rate, Confidence: Low}
}

func dtsDiff(first, last uint64) uint64 {
	const dtsMax = uint64(1) << 33
	if last >= first {
		return last - first
	}
	return dtsMax - first + last
}
