// Package tsmux implements the N-input multiplexer of spec.md §4.10: a
// monotonic-clock-driven combiner that merges several input streams
// into one output at a configured bitrate, cycling PSI/SI packetizers
// and a shared EIT FIFO against the input plugins in round-robin order,
// with per-PID clock holdback so each input's packets only leave at
// their PCR-implied natural insertion time.
package tsmux

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/psi"
	"github.com/gotsp/tsproc/internal/tspacket"
	"github.com/gotsp/tsproc/internal/tsqueue"
)

// bitsPerPacket is 8*188, the scale factor spec.md §4.10's target-count
// formula divides by (written there as the constant 1504).
const bitsPerPacket = tspacket.Size * 8

// DefaultCycleInterval is spec.md §4.10's "one cycle every millisecond".
const DefaultCycleInterval = time.Millisecond

// DefaultEITBacklog mirrors internal/psimerge's default FIFO depth,
// since tsmux's muxed EIT FIFO has the identical drop-oldest-on-overflow
// contract (spec.md §7's "EIT backlog overflow logs an error and drops
// oldest").
const DefaultEITBacklog = 128

// DefaultMaxConcurrentDrains bounds how many input queues are polled in
// parallel per cycle.
const DefaultMaxConcurrentDrains = 8

// Config configures a Muxer.
type Config struct {
	CycleInterval       time.Duration // 0 uses DefaultCycleInterval
	OutputBitrate       bitrate.Value
	IgnoreConflicts     bool // spec.md §7: log-and-drop instead of abort
	EITBacklog          int  // 0 uses DefaultEITBacklog
	MaxConcurrentDrains int  // 0 uses DefaultMaxConcurrentDrains
	Logger              *slog.Logger
}

// inputState tracks one input's staged packet and PCR-restamping anchor
// for the per-PID clock holdback rule.
type inputState struct {
	queue *tsqueue.Queue

	pending *tspacket.Packet

	hasAnchor    bool
	anchorPCR    uint64
	anchorIndex  uint64
	held         bool
	heldSince    uint64

	isTimeSource bool

	demux *psi.Demux
}

// Muxer is the tsmux engine: it owns the shared PSI/SI packetizers, the
// muxed EIT FIFO, and the round-robin input selection state.
type Muxer struct {
	cfg Config
	log *slog.Logger
	sem *semaphore.Weighted

	inputs  []*inputState
	rrIndex int

	outputIndex uint64 // total packets emitted so far

	patPkt    *psi.Packetizer
	catPkt    *psi.Packetizer
	nitPkt    *psi.Packetizer
	sdtBatPkt *psi.Packetizer
	eit       *eitFIFO

	psiState
	timeSourceInput int // -1 until an input delivers a valid TDT/TOT
}

// New creates a Muxer.
func New(cfg Config) *Muxer {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}
	if cfg.EITBacklog <= 0 {
		cfg.EITBacklog = DefaultEITBacklog
	}
	if cfg.MaxConcurrentDrains <= 0 {
		cfg.MaxConcurrentDrains = DefaultMaxConcurrentDrains
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Muxer{
		cfg:             cfg,
		log:             cfg.Logger,
		sem:             semaphore.NewWeighted(int64(cfg.MaxConcurrentDrains)),
		patPkt:          psi.NewPacketizer(psi.PIDPAT, psi.StuffingAlways),
		catPkt:          psi.NewPacketizer(psi.PIDCAT, psi.StuffingAlways),
		nitPkt:          psi.NewPacketizer(psi.PIDNIT, psi.StuffingAlways),
		sdtBatPkt:       psi.NewPacketizer(psi.PIDSDT, psi.StuffingAlways),
		eit:             newEITFIFO(psi.PIDEIT, cfg.EITBacklog),
		psiState:        newPSIState(),
		timeSourceInput: -1,
	}
}

// AddInput registers one input queue and returns its index, used for
// subsequent Observe* calls that attribute PSI ownership to this input.
func (m *Muxer) AddInput(q *tsqueue.Queue) int {
	m.inputs = append(m.inputs, &inputState{queue: q, demux: psi.NewDemux()})
	return len(m.inputs) - 1
}

// MarkTimeSource reports that inputIdx has delivered a valid TDT/TOT
// section; the first caller wins and that input becomes the output's
// time reference for the rest of the run, per spec.md §4.10. Returns
// true if inputIdx is (now, or already) the time source.
func (m *Muxer) MarkTimeSource(inputIdx int) bool {
	if m.timeSourceInput == -1 {
		m.timeSourceInput = inputIdx
		m.inputs[inputIdx].isTimeSource = true
	}
	return m.timeSourceInput == inputIdx
}

// PushEIT feeds one EIT section into the shared muxed FIFO, logging an
// error when the FIFO is full and its oldest section is dropped.
func (m *Muxer) PushEIT(section []byte) {
	if len(m.eit.queue) >= m.eit.capacity {
		m.log.Error("tsmux: EIT backlog full, dropping oldest section", "capacity", m.eit.capacity)
	}
	m.eit.push(section)
}

// targetPacketCount returns how many packets should have left the
// output by elapsedNs at the configured bitrate, per spec.md §4.10:
// `((elapsed_ns * bitrate_bps) / (1e9 * 1504)) - packets_sent`.
func (m *Muxer) targetPacketCount(elapsedNs uint64) int {
	if !m.cfg.OutputBitrate.IsKnown() {
		return 0
	}
	total := elapsedNs * m.cfg.OutputBitrate.BitsPerSecond / (1_000_000_000 * uint64(bitsPerPacket))
	if total <= m.outputIndex {
		return 0
	}
	return int(total - m.outputIndex)
}

// RunCycle computes the target packet count for elapsedNs and emits
// packets up to that count, round-robining PSI packetizers, inputs, and
// the EIT FIFO per spec.md §4.10's selection order.
func (m *Muxer) RunCycle(ctx context.Context, elapsedNs uint64) []tspacket.Packet {
	target := m.targetPacketCount(elapsedNs)
	if target == 0 {
		return nil
	}
	m.refillStaging(ctx)

	out := make([]tspacket.Packet, 0, target)
	for len(out) < target {
		out = append(out, m.nextPacket())
		m.outputIndex++
		if m.outputIndex%uint64(len(m.inputs)+1) == 0 {
			m.refillStaging(ctx)
		}
	}
	return out
}

// refillStaging pulls one packet per input with no currently-staged
// packet, bounded by Muxer.sem so at most MaxConcurrentDrains input
// queues are drained concurrently.
func (m *Muxer) refillStaging(ctx context.Context) {
	var wg sync.WaitGroup
	for _, in := range m.inputs {
		if in.pending != nil {
			continue
		}
		wg.Add(1)
		go func(in *inputState) {
			defer wg.Done()
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer m.sem.Release(1)
			if p, _, ok := in.queue.GetPacket(); ok {
				pkt := p
				in.pending = &pkt
			}
		}(in)
	}
	wg.Wait()
}

// nextPacket implements spec.md §4.10's per-slot selection policy: PAT
// if due, then CAT, NIT, SDT/BAT, then input plugins in round-robin
// order, then the muxed EIT FIFO, else a null packet.
func (m *Muxer) nextPacket() tspacket.Packet {
	if !m.patPkt.Empty() {
		return m.patPkt.NextPacket()
	}
	if !m.catPkt.Empty() {
		return m.catPkt.NextPacket()
	}
	if !m.nitPkt.Empty() {
		return m.nitPkt.NextPacket()
	}
	if !m.sdtBatPkt.Empty() {
		return m.sdtBatPkt.NextPacket()
	}
	if pkt, ok := m.nextInputPacket(); ok {
		return pkt
	}
	if m.eit.pending() > 0 {
		return m.eit.nextPacket()
	}
	return tspacket.Null()
}

// nextInputPacket round-robins across inputs, skipping one whose staged
// packet is held back by the per-PID clock (its natural insertion time
// has not yet arrived) or is a TDT/TOT from a non-time-source input.
func (m *Muxer) nextInputPacket() (tspacket.Packet, bool) {
	n := len(m.inputs)
	for i := 0; i < n; i++ {
		idx := (m.rrIndex + i) % n
		in := m.inputs[idx]
		if in.pending == nil {
			continue
		}
		pkt := *in.pending

		if pkt.PID() == psi.PIDTDT {
			if !m.acceptTDT(idx) {
				in.pending = nil
				continue
			}
		}

		if !m.readyByClock(in, &pkt) {
			continue
		}

		in.pending = nil
		m.rrIndex = (idx + 1) % n
		return pkt, true
	}
	return tspacket.Packet{}, false
}

// acceptTDT applies spec.md §4.10's time-reference rule: the first input
// to present a TDT/TOT becomes the sole time source; its TDT/TOT packets
// pass, everyone else's are dropped.
func (m *Muxer) acceptTDT(inputIdx int) bool {
	return m.MarkTimeSource(inputIdx)
}

// readyByClock implements the per-PID clock holdback: an input's packet
// is held if its PCR-implied position in the output stream is still in
// the future, unless it has been held for more than a second's worth of
// output packets, in which case it is logged and passed through anyway.
func (m *Muxer) readyByClock(in *inputState, pkt *tspacket.Packet) bool {
	if !m.cfg.OutputBitrate.IsKnown() {
		return true
	}
	pcr, ok := pkt.PCR()
	if !ok {
		in.held = false
		return true
	}
	if !in.hasAnchor {
		in.anchorPCR, in.anchorIndex = pcr, m.outputIndex
		in.hasAnchor = true
		in.held = false
		return true
	}

	tpp := float64(bitsPerPacket) * float64(tspacket.PCRBitsFreq) / float64(m.cfg.OutputBitrate.BitsPerSecond)
	diff := pcrDiff(in.anchorPCR, pcr)
	naturalIndex := in.anchorIndex + uint64(float64(diff)/tpp)

	if naturalIndex <= m.outputIndex {
		in.held = false
		return true
	}

	if !in.held {
		in.held = true
		in.heldSince = m.outputIndex
	}
	outputPacketsPerSecond := float64(m.cfg.OutputBitrate.BitsPerSecond) / float64(bitsPerPacket)
	if float64(m.outputIndex-in.heldSince) > outputPacketsPerSecond {
		m.log.Error("tsmux: input held back more than one second, passing through", "held_packets", m.outputIndex-in.heldSince)
		in.held = false
		return true
	}
	return false
}

// pcrDiff computes a forward PCR difference across the 42-bit wraparound.
func pcrDiff(first, last uint64) uint64 {
	const pcrMax = uint64(1) << 42
	if last >= first {
		return last - first
	}
	return pcrMax - first + last
}

