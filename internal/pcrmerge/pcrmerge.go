// Package pcrmerge restamps PCRs of a stream being merged into a larger
// one, per spec.md §4.8: each PCR in the sub-stream is recomputed
// against the outer stream's own packet cadence rather than passed
// through verbatim, since the sub-stream's packet spacing in the
// merged output no longer matches its original timing.
package pcrmerge

import (
	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// Mode selects how each output PCR is computed from the previous one.
type Mode int

const (
	// ModeAnchor computes every PCR against the first one observed for
	// its PID. More accurate for CBR over long runs.
	ModeAnchor Mode = iota
	// ModeIncremental computes each PCR from the previous output PCR.
	// Better for VBR; accumulates small errors over time.
	ModeIncremental
)

// bitsPerPacket is the size of a TS packet in bits (8*188), the unit
// spec.md §4.8's restamping formula scales by.
const bitsPerPacket = tspacket.Size * 8

// oneSecondPCRTicks is 1 second expressed in PCR units (27 MHz).
const oneSecondPCRTicks = tspacket.PCRBitsFreq

// Config configures a Merger.
type Config struct {
	Mode           Mode
	OuterBitrate   bitrate.Value
	ResetBackwards bool
}

// pidState tracks one PCR-carrying PID's restamping anchor.
type pidState struct {
	firstPCR        uint64
	firstIndex      uint64
	lastOutputPCR   uint64
	lastOutputIndex uint64
}

// esObservation is the last PTS/DTS seen on one elementary stream PID,
// used to extrapolate its expected value at a later outer packet index.
type esObservation struct {
	value   uint64 // 90kHz PTS/DTS units
	atIndex uint64
}

// Merger restamps PCRs for every PID of one sub-stream being merged
// into an outer stream, tracking PMT-declared PCR_PID/ES relationships
// so the reset-backwards policy can consult the right elementary
// streams.
type Merger struct {
	cfg Config

	pcrPIDs map[uint16]*pidState
	// esToPCRPID maps an elementary stream PID to the PCR_PID of the
	// program it belongs to, per a PMT observed via ObservePMT.
	esToPCRPID map[uint16]uint16
	lastTS     map[uint16]esObservation
}

// New creates a Merger. OuterBitrate must be known for restamping to do
// anything meaningful; with an unknown bitrate, PCRs pass through
// unchanged (there is no outer packet cadence to restamp against).
func New(cfg Config) *Merger {
	return &Merger{
		cfg:        cfg,
		pcrPIDs:    make(map[uint16]*pidState),
		esToPCRPID: make(map[uint16]uint16),
		lastTS:     make(map[uint16]esObservation),
	}
}

// ObservePMT registers, for one program, which PID carries its PCR and
// which PIDs are its elementary streams, per spec.md §4.8's "PMT
// parsing tracks, per PID, which PID carries its PCR".
func (m *Merger) ObservePMT(pcrPID uint16, esPIDs []uint16) {
	for _, es := range esPIDs {
		m.esToPCRPID[es] = pcrPID
	}
}

// ticksPerPacket returns how many 27MHz PCR ticks one outer-stream
// packet occupies at the configured outer bitrate, or 0 if unknown.
func (m *Merger) ticksPerPacket() float64 {
	if !m.cfg.OuterBitrate.IsKnown() {
		return 0
	}
	return float64(bitsPerPacket) * float64(oneSecondPCRTicks) / float64(m.cfg.OuterBitrate.BitsPerSecond)
}

// Process handles one packet of the sub-stream at outerIndex (its
// packet position in the outer stream's own packet count,
// per spec.md §4.8: "packet_index is measured in the outer (main)
// stream's packet count, not the merged one's"). If the packet carries
// an elementary-stream PTS/DTS, it is recorded for later reset-backwards
// extrapolation; if it carries a PCR, the PCR is restamped in place.
func (m *Merger) Process(pkt *tspacket.Packet, outerIndex uint64) {
	pid := pkt.PID()

	if _, tracked := m.esToPCRPID[pid]; tracked && pkt.PayloadUnitStartIndicator() {
		if payload := pkt.Payload(); payload != nil {
			if h, ok := tspacket.ParsePESHeader(payload); ok {
				if h.HasPTS {
					m.lastTS[pid] = esObservation{value: h.PTS, atIndex: outerIndex}
				} else if h.HasDTS {
					m.lastTS[pid] = esObservation{value: h.DTS, atIndex: outerIndex}
				}
			}
		}
	}

	if !pkt.HasPCR() {
		return
	}
	raw, _ := pkt.PCR()
	tpp := m.ticksPerPacket()
	if tpp == 0 {
		return // no outer cadence to restamp against; pass the PCR through
	}

	state, known := m.pcrPIDs[pid]
	if !known {
		state = &pidState{firstPCR: raw, firstIndex: outerIndex, lastOutputPCR: raw, lastOutputIndex: outerIndex}
		m.pcrPIDs[pid] = state
		return
	}

	var computed uint64
	switch m.cfg.Mode {
	case ModeIncremental:
		computed = state.lastOutputPCR + uint64(float64(outerIndex-state.lastOutputIndex)*tpp)
	default:
		computed = state.firstPCR + uint64(float64(outerIndex-state.firstIndex)*tpp)
	}

	if pcrDiffExceeds(computed, raw, oneSecondPCRTicks) {
		state.firstPCR, state.firstIndex = raw, outerIndex
		computed = raw
	} else if m.cfg.ResetBackwards && m.extrapolatedMovedBackwards(pid, computed, outerIndex, tpp) {
		state.firstPCR, state.firstIndex = raw, outerIndex
		computed = raw
	}

	pkt.SetPCR(computed)
	state.lastOutputPCR, state.lastOutputIndex = computed, outerIndex
}

// extrapolatedMovedBackwards implements spec.md §4.8's reset-backwards
// policy: true if any ES whose program's PCR_PID is pcrPID has an
// extrapolated PTS/DTS earlier than computedPCR, or diverging from it
// by more than 1 second.
func (m *Merger) extrapolatedMovedBackwards(pcrPID uint16, computedPCR uint64, outerIndex uint64, tpp float64) bool {
	ptsTicksPerPacket := tpp * tspacket.PTSDTSFreq / tspacket.PCRBitsFreq
	computedPTSUnits := computedPCR / 300 // 27MHz -> 90kHz
	for esPID, mappedPCR := range m.esToPCRPID {
		if mappedPCR != pcrPID {
			continue
		}
		obs, ok := m.lastTS[esPID]
		if !ok {
			continue
		}
		extrapolated := obs.value + uint64(float64(outerIndex-obs.atIndex)*ptsTicksPerPacket)
		if extrapolated < computedPTSUnits {
			return true
		}
		diff := extrapolated - computedPTSUnits
		if diff > tspacket.PTSDTSFreq { // more than 1 second at 90kHz
			return true
		}
	}
	return false
}

// pcrDiffExceeds reports whether a and b differ by more than limit PCR
// ticks in either direction. The 42-bit PCR wrap-around is not taken
// into account, so a wrap counts as a large difference.
func pcrDiffExceeds(a, b uint64, limit uint64) bool {
	var diff uint64
	if a > b {
		diff = a - b
	} else {
		diff = b - a
	}
	return diff > limit
}
