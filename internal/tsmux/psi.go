package tsmux

import (
	"strings"

	"github.com/gotsp/tsproc/internal/psi"
	"github.com/gotsp/tsproc/internal/tserr"
)

// originTracker records which input first claimed a given PSI key
// (program_number, ca_pid, service_id, transport_stream_id), so a
// second input asserting the same key is a conflict, per spec.md
// §4.10's "one origin input per service_id and EMM PID".
type originTracker struct {
	origin map[uint16]int
}

// check reports whether key is already owned by a different input. A
// first-time or same-input observation claims/reaffirms ownership and
// returns no conflict.
func (t *originTracker) check(inputIdx int, key uint16) (conflict bool) {
	if t.origin == nil {
		t.origin = make(map[uint16]int)
	}
	if owner, ok := t.origin[key]; ok && owner != inputIdx {
		return true
	}
	t.origin[key] = inputIdx
	return false
}

// psiState holds the N-way-merged PSI tables tsmux rebuilds from every
// input's own tables, plus the per-key origin trackers used to detect
// conflicting claims across inputs.
type psiState struct {
	patOrigin originTracker
	catOrigin originTracker
	sdtOrigin originTracker
	nitOrigin originTracker
	batOrigin map[uint16]*originTracker

	mergedPAT psi.PAT
	mergedCAT psi.CAT
	mergedSDT psi.SDT
	mergedNIT psi.NIT
	mergedBAT map[uint16]psi.BAT

	patV uint8
	catV uint8
	sdtV uint8
	nitV uint8
	batV map[uint16]uint8
}

func newPSIState() psiState {
	return psiState{
		batOrigin: make(map[uint16]*originTracker),
		mergedPAT: psi.PAT{Programs: make(map[uint16]uint16)},
		mergedSDT: psi.SDT{Services: make(map[uint16]psi.SDTService)},
		mergedNIT: psi.NIT{Transports: make(map[uint16]psi.NITTransport)},
		mergedBAT: make(map[uint16]psi.BAT),
		batV:      make(map[uint16]uint8),
	}
}

// reportOrDrop applies spec.md §7's tsmux PSI-conflict policy: abort by
// default, or (IgnoreConflicts) log once and drop the new entry.
func (m *Muxer) reportOrDrop(tableKind string, key uint16) error {
	table, kind, _ := strings.Cut(tableKind, ".")
	if !m.cfg.IgnoreConflicts {
		return &tserr.ConflictError{Table: table, Kind: kind, ID: uint32(key)}
	}
	m.log.Error("tsmux: psi conflict, dropping entry", "table", table, "kind", kind, "key", key)
	return nil
}

// ObservePAT folds one input's PAT into the merged PAT, per-program_number
// origin tracking deciding whether a later input's entry is a conflict.
func (m *Muxer) ObservePAT(inputIdx int, pat psi.PAT) error {
	changed := false
	for program, pid := range pat.Programs {
		if m.patOrigin.check(inputIdx, program) {
			if err := m.reportOrDrop("PAT.program_number", program); err != nil {
				return err
			}
			continue
		}
		if m.mergedPAT.Programs[program] != pid {
			changed = true
		}
		m.mergedPAT.Programs[program] = pid
	}
	m.mergedPAT.TransportStreamID = pat.TransportStreamID
	if changed {
		m.patV = psi.NextVersion(m.patV)
		m.mergedPAT.Version = m.patV
		m.patPkt.SetSections([][]byte{m.mergedPAT.Encode()})
	}
	return nil
}

// ObserveCAT folds one input's CAT descriptors into the merged CAT,
// keyed on ca_pid for conflict tracking.
func (m *Muxer) ObserveCAT(inputIdx int, cat psi.CAT) error {
	changed := false
	for _, d := range cat.Descriptors {
		pid, ok := d.CAPID()
		if !ok {
			continue
		}
		if m.catOrigin.check(inputIdx, pid) {
			if err := m.reportOrDrop("CAT.ca_pid", pid); err != nil {
				return err
			}
			continue
		}
		m.mergedCAT.Descriptors = upsertCADescriptor(m.mergedCAT.Descriptors, pid, d)
		changed = true
	}
	if changed {
		m.catV = psi.NextVersion(m.catV)
		m.mergedCAT.Version = m.catV
		m.catPkt.SetSections([][]byte{m.mergedCAT.Encode()})
	}
	return nil
}

func upsertCADescriptor(list []psi.Descriptor, caPID uint16, d psi.Descriptor) []psi.Descriptor {
	for i, existing := range list {
		if pid, ok := existing.CAPID(); ok && pid == caPID {
			list[i] = d
			return list
		}
	}
	return append(list, d)
}

// ObserveSDT folds one input's SDT-actual services into the merged SDT,
// keyed on service_id.
func (m *Muxer) ObserveSDT(inputIdx int, sdt psi.SDT) error {
	changed := false
	for id, svc := range sdt.Services {
		if m.sdtOrigin.check(inputIdx, id) {
			if err := m.reportOrDrop("SDT.service_id", id); err != nil {
				return err
			}
			continue
		}
		m.mergedSDT.Services[id] = svc
		changed = true
	}
	m.mergedSDT.TransportStreamID = sdt.TransportStreamID
	m.mergedSDT.OriginalNetworkID = sdt.OriginalNetworkID
	if changed {
		m.sdtV = psi.NextVersion(m.sdtV)
		m.mergedSDT.Version = m.sdtV
		m.republishSDTAndBAT()
	}
	return nil
}

// ObserveNIT folds one input's NIT-actual transports into the merged
// NIT, keyed on transport_stream_id.
func (m *Muxer) ObserveNIT(inputIdx int, nit psi.NIT) error {
	changed := false
	for tsID, tr := range nit.Transports {
		if m.nitOrigin.check(inputIdx, tsID) {
			if err := m.reportOrDrop("NIT.transport_stream_id", tsID); err != nil {
				return err
			}
			continue
		}
		m.mergedNIT.Transports[tsID] = tr
		changed = true
	}
	m.mergedNIT.NetworkID = nit.NetworkID
	m.mergedNIT.NetworkDescriptors = nit.NetworkDescriptors
	if changed {
		m.nitV = psi.NextVersion(m.nitV)
		m.mergedNIT.Version = m.nitV
		m.nitPkt.SetSections([][]byte{m.mergedNIT.Encode(true)})
	}
	return nil
}

// ObserveBAT folds one input's BAT transports (for one bouquet_id) into
// the merged BAT for that bouquet, keyed on transport_stream_id, per
// spec.md §4.10's "same transport-description logic as NIT".
func (m *Muxer) ObserveBAT(inputIdx int, bat psi.BAT) error {
	tracker, ok := m.batOrigin[bat.BouquetID]
	if !ok {
		tracker = &originTracker{}
		m.batOrigin[bat.BouquetID] = tracker
	}
	merged, ok := m.mergedBAT[bat.BouquetID]
	if !ok {
		merged = psi.BAT{BouquetID: bat.BouquetID, Transports: make(map[uint16]psi.NITTransport)}
	}

	changed := false
	for tsID, tr := range bat.Transports {
		if tracker.check(inputIdx, tsID) {
			if err := m.reportOrDrop("BAT.transport_stream_id", tsID); err != nil {
				return err
			}
			continue
		}
		merged.Transports[tsID] = tr
		changed = true
	}
	merged.BouquetDescriptors = bat.BouquetDescriptors
	m.mergedBAT[bat.BouquetID] = merged

	if changed {
		m.batV[bat.BouquetID] = psi.NextVersion(m.batV[bat.BouquetID])
		merged.Version = m.batV[bat.BouquetID]
		m.mergedBAT[bat.BouquetID] = merged
		m.republishSDTAndBAT()
	}
	return nil
}

// republishSDTAndBAT rebuilds the shared PID 0x0011 packetizer from the
// current merged SDT and every merged bouquet's BAT, mirroring
// internal/psimerge's SDT/BAT co-location on one PID.
func (m *Muxer) republishSDTAndBAT() {
	var sections [][]byte
	if len(m.mergedSDT.Services) > 0 {
		sections = append(sections, m.mergedSDT.Encode(true))
	}
	for _, bat := range m.mergedBAT {
		sections = append(sections, bat.Encode())
	}
	if len(sections) > 0 {
		m.sdtBatPkt.SetSections(sections)
	}
}
