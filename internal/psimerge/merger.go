// Package psimerge implements the two-input PSI/SI combiner of spec.md
// §4.7: a main feed and a merge feed are demuxed independently, their
// PAT/CAT/NIT/SDT/BAT tables are unioned under a conflict-drop policy,
// and the merged tables are re-emitted on the main stream's PSI PIDs by
// per-table cycling packetizers. EIT sections from both sides are
// queued into a bounded FIFO and re-emitted by a single packetizer.
package psimerge

import (
	"log/slog"

	"github.com/gotsp/tsproc/internal/psi"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// Options is the merge-table bitmask of spec.md §4.7.
type Options uint32

const (
	MergePAT Options = 1 << iota
	MergeCAT
	MergeNIT
	MergeSDT
	MergeBAT
	MergeEIT
	KeepMainTDT
	KeepMergeTDT
	NullMerged
	NullUnmerged
)

// DefaultEITBacklog is the default bounded FIFO depth for queued EIT
// sections, per spec.md §4.7 ("bounded FIFO (default 128)").
const DefaultEITBacklog = 128

// Config configures a Merger.
type Config struct {
	Options    Options
	EITBacklog int // 0 uses DefaultEITBacklog
	MainTSID   uint16
	Logger     *slog.Logger
}

// Merger holds the running state of one merge operation: the latest
// table instance observed on each side, the per-table output
// packetizers, and the EIT re-emission queue.
type Merger struct {
	opts     Options
	mainTSID uint16
	log      *slog.Logger

	mainDemux  *psi.Demux
	mergeDemux *psi.Demux

	mainPAT, mergePAT *psi.PAT
	mainCAT, mergeCAT *psi.CAT
	mainSDT, mergeSDT *psi.SDT
	mainNIT, mergeNIT *psi.NIT
	// mainBAT/mergeBAT are keyed by bouquet_id, merged independently per
	// spec.md §4.7 ("BAT: merged per bouquet_id independently").
	mainBAT, mergeBAT map[uint16]*psi.BAT

	patPkt *psi.Packetizer
	catPkt *psi.Packetizer
	nitPkt *psi.Packetizer
	// sdtBatPkt shares PID 0x0011 between the merged SDT-actual section
	// and every merged BAT section, matching their shared on-wire PID.
	sdtBatPkt *psi.Packetizer

	eit *eitFIFO

	mergedVersion mergedVersions
}

// mergedVersions tracks the modulo-32 version number of each merged
// table, independent of either input side's own version numbering, per
// spec.md §4.7's "Version is incremented modulo 32 on any change".
type mergedVersions struct {
	pat, cat, sdt, nit uint8
	bat                map[uint16]uint8
}

// New creates a Merger ready to process packets from both feeds.
func New(cfg Config) *Merger {
	backlog := cfg.EITBacklog
	if backlog <= 0 {
		backlog = DefaultEITBacklog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		opts:       cfg.Options,
		mainTSID:   cfg.MainTSID,
		log:        logger,
		mainDemux:  psi.NewDemux(),
		mergeDemux: psi.NewDemux(),
		mainBAT:    make(map[uint16]*psi.BAT),
		mergeBAT:   make(map[uint16]*psi.BAT),
		patPkt:     psi.NewPacketizer(psi.PIDPAT, psi.StuffingAlways),
		catPkt:     psi.NewPacketizer(psi.PIDCAT, psi.StuffingAlways),
		sdtBatPkt:  psi.NewPacketizer(psi.PIDSDT, psi.StuffingAlways),
		nitPkt:     psi.NewPacketizer(psi.PIDNIT, psi.StuffingAlways),
		eit:        newEITFIFO(psi.PIDEIT, backlog),
		mergedVersion: mergedVersions{
			bat: make(map[uint16]uint8),
		},
	}
}

func (m *Merger) has(o Options) bool { return m.opts&o != 0 }

// ProcessMain handles one packet from the main feed, per spec.md §4.7
// point 1: PSI PIDs are replaced by the merged-table packetizer once
// both sides have contributed a version, EIT is queued (with MERGE_EIT,
// each main EIT packet is replaced by the FIFO's next packet), and TDT
// is nulled unless KEEP_MAIN_TDT is set.
func (m *Merger) ProcessMain(pkt *tspacket.Packet) {
	if !pkt.IsValid() {
		return
	}
	pid := pkt.PID()
	switch pid {
	case psi.PIDPAT:
		for _, sec := range m.mainDemux.Feed(psi.PIDPAT, pkt) {
			m.observeMainPAT(sec)
		}
		m.substituteIfMerging(pkt, m.has(MergePAT) && m.mergePAT != nil, m.patPkt)
	case psi.PIDCAT:
		for _, sec := range m.mainDemux.Feed(psi.PIDCAT, pkt) {
			m.observeMainCAT(sec)
		}
		m.substituteIfMerging(pkt, m.has(MergeCAT) && m.mergeCAT != nil, m.catPkt)
	case psi.PIDNIT: // shares PID with nothing else of interest here
		for _, sec := range m.mainDemux.Feed(psi.PIDNIT, pkt) {
			m.observeMainNIT(sec)
		}
		m.substituteIfMerging(pkt, m.has(MergeNIT) && m.mainNIT != nil && m.mergeNIT != nil, m.nitPkt)
	case psi.PIDSDT: // also carries BAT, distinguished by table_id below
		for _, sec := range m.mainDemux.Feed(psi.PIDSDT, pkt) {
			m.observeMainSDTOrBAT(sec)
		}
		m.substituteSDTOrBAT(pkt)
	case psi.PIDEIT:
		if m.has(MergeEIT) {
			for _, sec := range m.mainDemux.Feed(psi.PIDEIT, pkt) {
				m.eit.push(sec)
			}
			*pkt = m.eit.nextPacket()
		}
	case psi.PIDTDT:
		if !m.has(KeepMainTDT) {
			*pkt = tspacket.Null()
		}
	}
}

// ProcessMerge handles one packet from the merge feed, per spec.md §4.7
// point 2: merge-side PSI PIDs become null per NULL_MERGED/NULL_UNMERGED,
// and EIT sections are queued with their TS id rewritten to the main
// stream's.
func (m *Merger) ProcessMerge(pkt *tspacket.Packet) {
	if !pkt.IsValid() {
		return
	}
	pid := pkt.PID()
	switch pid {
	case psi.PIDPAT:
		for _, sec := range m.mergeDemux.Feed(psi.PIDPAT, pkt) {
			m.observeMergePAT(sec)
		}
		m.nullifyMergeSide(pkt, m.has(MergePAT))
	case psi.PIDCAT:
		for _, sec := range m.mergeDemux.Feed(psi.PIDCAT, pkt) {
			m.observeMergeCAT(sec)
		}
		m.nullifyMergeSide(pkt, m.has(MergeCAT))
	case psi.PIDNIT:
		for _, sec := range m.mergeDemux.Feed(psi.PIDNIT, pkt) {
			m.observeMergeNIT(sec)
		}
		m.nullifyMergeSide(pkt, m.has(MergeNIT))
	case psi.PIDSDT:
		for _, sec := range m.mergeDemux.Feed(psi.PIDSDT, pkt) {
			m.observeMergeSDTOrBAT(sec)
		}
		merged := m.has(MergeSDT) || m.has(MergeBAT)
		m.nullifyMergeSide(pkt, merged)
	case psi.PIDEIT:
		if m.has(MergeEIT) {
			for _, sec := range m.mergeDemux.Feed(psi.PIDEIT, pkt) {
				if psi.IsEITActual(sec[0]) {
					if rewritten, err := psi.RewriteEITTSID(sec, m.mainTSID); err == nil {
						sec = rewritten
					} else {
						m.log.Warn("psimerge: dropping malformed merge-side EIT section", "error", err)
						continue
					}
				}
				m.eit.push(sec)
			}
		}
		*pkt = tspacket.Null()
	case psi.PIDTDT:
		if !m.has(KeepMergeTDT) {
			*pkt = tspacket.Null()
		}
	}
}

// nullifyMergeSide replaces pkt with a null packet per the NULL_MERGED
// (table is being merged) / NULL_UNMERGED (table is passed through
// untouched) policy of spec.md §4.7 point 2.
func (m *Merger) nullifyMergeSide(pkt *tspacket.Packet, merged bool) {
	if (merged && m.has(NullMerged)) || (!merged && m.has(NullUnmerged)) {
		*pkt = tspacket.Null()
	}
}

// substituteIfMerging replaces pkt with the next packetizer-produced
// packet once both sides have contributed a version for this table;
// otherwise the main feed's own packet passes through untouched.
func (m *Merger) substituteIfMerging(pkt *tspacket.Packet, ready bool, pktizer *psi.Packetizer) {
	if ready && !pktizer.Empty() {
		*pkt = pktizer.NextPacket()
	}
}

// EITPacket returns the next packet the EIT re-emission FIFO wants to
// send, or a null packet if it has nothing queued. ProcessMain takes the
// FIFO's packets the same way to fill the main stream's EIT slots, per
// spec.md §4.7 point 3.
func (m *Merger) EITPacket() tspacket.Packet {
	return m.eit.nextPacket()
}

// EITPending reports how many complete EIT sections are still queued.
func (m *Merger) EITPending() int {
	return m.eit.pending()
}
