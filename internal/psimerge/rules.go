package psimerge

import (
	"github.com/gotsp/tsproc/internal/psi"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// --- PAT -------------------------------------------------------------

func (m *Merger) observeMainPAT(raw []byte) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return
	}
	pat, err := psi.ParsePAT(sec)
	if err != nil {
		return
	}
	m.mainPAT = &pat
	m.rebuildPAT()
}

func (m *Merger) observeMergePAT(raw []byte) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return
	}
	pat, err := psi.ParsePAT(sec)
	if err != nil {
		return
	}
	m.mergePAT = &pat
	m.rebuildPAT()
}

// rebuildPAT applies spec.md §4.7's "union of services; conflicting
// service_id... error-level log and the merged side's entry is
// dropped" rule, and republishes the result into patPkt.
func (m *Merger) rebuildPAT() {
	if !m.has(MergePAT) || m.mainPAT == nil || m.mergePAT == nil {
		return
	}
	merged := psi.PAT{
		TransportStreamID: m.mainPAT.TransportStreamID,
		Version:           m.mergedVersion.pat,
		Programs:          make(map[uint16]uint16, len(m.mainPAT.Programs)+len(m.mergePAT.Programs)),
	}
	for program, pid := range m.mainPAT.Programs {
		merged.Programs[program] = pid
	}
	changed := false
	for program, pid := range m.mergePAT.Programs {
		if _, conflict := merged.Programs[program]; conflict {
			m.log.Error("psimerge: conflicting PAT program_number, dropping merge-side entry",
				"program_number", program)
			continue
		}
		merged.Programs[program] = pid
		changed = true
	}
	if changed {
		m.mergedVersion.pat = psi.NextVersion(m.mergedVersion.pat)
		merged.Version = m.mergedVersion.pat
	}
	out := merged.Encode()
	m.patPkt.SetSections([][]byte{out})
}

// --- CAT ---------------------------------------------------------------

func (m *Merger) observeMainCAT(raw []byte) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return
	}
	cat, err := psi.ParseCAT(sec)
	if err != nil {
		return
	}
	m.mainCAT = &cat
	m.rebuildCAT()
}

func (m *Merger) observeMergeCAT(raw []byte) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return
	}
	cat, err := psi.ParseCAT(sec)
	if err != nil {
		return
	}
	m.mergeCAT = &cat
	m.rebuildCAT()
}

// rebuildCAT applies spec.md §4.7's "union of CA descriptors by
// ca_pid... conflicting EMM PID... reported and the merged descriptor
// is dropped".
func (m *Merger) rebuildCAT() {
	if !m.has(MergeCAT) || m.mainCAT == nil || m.mergeCAT == nil {
		return
	}
	seen := make(map[uint16]bool, len(m.mainCAT.Descriptors))
	merged := make([]psi.Descriptor, 0, len(m.mainCAT.Descriptors)+len(m.mergeCAT.Descriptors))
	for _, d := range m.mainCAT.Descriptors {
		merged = append(merged, d)
		if pid, ok := d.CAPID(); ok {
			seen[pid] = true
		}
	}
	changed := false
	for _, d := range m.mergeCAT.Descriptors {
		pid, ok := d.CAPID()
		if ok && seen[pid] {
			m.log.Error("psimerge: conflicting CAT ca_pid, dropping merge-side descriptor", "ca_pid", pid)
			continue
		}
		merged = append(merged, d)
		if ok {
			seen[pid] = true
		}
		changed = true
	}
	if changed {
		m.mergedVersion.cat = psi.NextVersion(m.mergedVersion.cat)
	}
	out := psi.CAT{Version: m.mergedVersion.cat, Descriptors: merged}.Encode()
	m.catPkt.SetSections([][]byte{out})
}

// --- SDT / BAT (shared PID 0x0011) --------------------------------------

func (m *Merger) observeMainSDTOrBAT(raw []byte) {
	tableID := raw[0]
	switch {
	case tableID == psi.TableIDSDTActual:
		sec, _, err := psi.Decode(raw)
		if err != nil {
			return
		}
		sdt, err := psi.ParseSDT(sec)
		if err == nil {
			m.mainSDT = &sdt
		}
	case tableID == psi.TableIDBATFirst:
		sec, _, err := psi.Decode(raw)
		if err != nil {
			return
		}
		bat, err := psi.ParseBAT(sec)
		if err == nil {
			cp := bat
			m.mainBAT[bat.BouquetID] = &cp
		}
	default:
		return
	}
	m.rebuildSDTAndBAT()
}

func (m *Merger) observeMergeSDTOrBAT(raw []byte) {
	tableID := raw[0]
	switch {
	case tableID == psi.TableIDSDTActual:
		sec, _, err := psi.Decode(raw)
		if err != nil {
			return
		}
		sdt, err := psi.ParseSDT(sec)
		if err == nil {
			m.mergeSDT = &sdt
		}
	case tableID == psi.TableIDBATFirst:
		sec, _, err := psi.Decode(raw)
		if err != nil {
			return
		}
		bat, err := psi.ParseBAT(sec)
		if err == nil {
			cp := bat
			m.mergeBAT[bat.BouquetID] = &cp
		}
	default:
		return
	}
	m.rebuildSDTAndBAT()
}

// rebuildSDTAndBAT recomputes whichever of SDT/BAT is enabled and
// republishes both onto the shared PID 0x0011 packetizer, per spec.md
// §4.7's SDT ("same conflict policy as PAT") and BAT ("merged per
// bouquet_id independently; same transport-description logic as NIT")
// rules.
func (m *Merger) rebuildSDTAndBAT() {
	var sections [][]byte

	if m.has(MergeSDT) && m.mainSDT != nil && m.mergeSDT != nil {
		merged := psi.SDT{
			TransportStreamID: m.mainSDT.TransportStreamID,
			OriginalNetworkID: m.mainSDT.OriginalNetworkID,
			Version:           m.mergedVersion.sdt,
			Services:          make(map[uint16]psi.SDTService, len(m.mainSDT.Services)+len(m.mergeSDT.Services)),
		}
		for id, svc := range m.mainSDT.Services {
			merged.Services[id] = svc
		}
		changed := false
		for id, svc := range m.mergeSDT.Services {
			if _, conflict := merged.Services[id]; conflict {
				m.log.Error("psimerge: conflicting SDT service_id, dropping merge-side entry", "service_id", id)
				continue
			}
			merged.Services[id] = svc
			changed = true
		}
		if changed {
			m.mergedVersion.sdt = psi.NextVersion(m.mergedVersion.sdt)
			merged.Version = m.mergedVersion.sdt
		}
		sections = append(sections, merged.Encode(true))
	}

	if m.has(MergeBAT) {
		for bouquetID, mainBAT := range m.mainBAT {
			mergeBAT, ok := m.mergeBAT[bouquetID]
			if !ok {
				sections = append(sections, mainBAT.Encode())
				continue
			}
			merged := mergeNITLikeTransports(mainBAT.Transports, mergeBAT.Transports)
			version := psi.NextVersion(m.mergedVersion.bat[bouquetID])
			m.mergedVersion.bat[bouquetID] = version
			out := psi.BAT{
				BouquetID:          bouquetID,
				Version:            version,
				BouquetDescriptors: mainBAT.BouquetDescriptors,
				Transports:         merged,
			}
			sections = append(sections, out.Encode())
		}
	}

	if len(sections) > 0 {
		m.sdtBatPkt.SetSections(sections)
	}
}

// substituteSDTOrBAT replaces pkt with the shared SDT/BAT packetizer's
// next packet whenever either table is actively being merged.
func (m *Merger) substituteSDTOrBAT(pkt *tspacket.Packet) {
	active := (m.has(MergeSDT) && m.mainSDT != nil && m.mergeSDT != nil) ||
		(m.has(MergeBAT) && len(m.mainBAT) > 0)
	if active && !m.sdtBatPkt.Empty() {
		*pkt = m.sdtBatPkt.NextPacket()
	}
}

// --- NIT -----------------------------------------------------------------

func (m *Merger) observeMainNIT(raw []byte) {
	if raw[0] != psi.TableIDNITActual {
		return // NIT-Other passes through verbatim, per spec.md §4.7
	}
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return
	}
	nit, err := psi.ParseNIT(sec)
	if err != nil {
		return
	}
	m.mainNIT = &nit
	m.rebuildNIT()
}

func (m *Merger) observeMergeNIT(raw []byte) {
	if raw[0] != psi.TableIDNITActual {
		return
	}
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return
	}
	nit, err := psi.ParseNIT(sec)
	if err != nil {
		return
	}
	m.mergeNIT = &nit
	m.rebuildNIT()
}

// rebuildNIT applies spec.md §4.7's NIT-Actual rule: "transports merged
// by transport_stream_id; when the two streams share a network_id and
// have distinct TS ids, the merged TS's transport entry is removed (it
// is now subsumed). Merged TS's descriptors are added to main TS's
// transport entry when present."
func (m *Merger) rebuildNIT() {
	if !m.has(MergeNIT) || m.mainNIT == nil || m.mergeNIT == nil {
		return
	}
	transports := mergeNITLikeTransports(m.mainNIT.Transports, m.mergeNIT.Transports)

	changed := false
	for tsID := range m.mergeNIT.Transports {
		if _, fromMain := m.mainNIT.Transports[tsID]; !fromMain {
			changed = true
		}
	}

	if m.mainNIT.NetworkID == m.mergeNIT.NetworkID {
		for tsID, mergeTr := range m.mergeNIT.Transports {
			if tsID == m.mainTSID {
				continue
			}
			if main, ok := transports[m.mainTSID]; ok {
				main.Descriptors = append(append([]psi.Descriptor(nil), main.Descriptors...), mergeTr.Descriptors...)
				transports[m.mainTSID] = main
				changed = true
			}
			if _, existed := transports[tsID]; existed {
				changed = true
			}
			delete(transports, tsID)
		}
	}

	if changed {
		m.mergedVersion.nit = psi.NextVersion(m.mergedVersion.nit)
	}
	merged := psi.NIT{
		NetworkID:          m.mainNIT.NetworkID,
		Version:            m.mergedVersion.nit,
		NetworkDescriptors: m.mainNIT.NetworkDescriptors,
		Transports:         transports,
	}
	m.nitPkt.SetSections([][]byte{merged.Encode(true)})
}

// mergeNITLikeTransports unions two transport maps, keeping the main
// side's entry on a transport_stream_id collision (shared by both NIT
// and BAT, which carry the identical transport-loop shape).
func mergeNITLikeTransports(main, merge map[uint16]psi.NITTransport) map[uint16]psi.NITTransport {
	out := make(map[uint16]psi.NITTransport, len(main)+len(merge))
	for tsID, t := range main {
		out[tsID] = t
	}
	for tsID, t := range merge {
		if _, exists := out[tsID]; !exists {
			out[tsID] = t
		}
	}
	return out
}
