package tsmux

import (
	"github.com/gotsp/tsproc/internal/psi"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// ObserveInputPacket demuxes one raw packet from inputIdx's own PSI/SI
// PIDs and folds any section it completes into the merged tables, per
// spec.md §4.10's "PSI/SI is rebuilt identically to §4.7" (mirroring
// internal/psimerge.Merger.ProcessMain's per-PID dispatch). The caller
// feeds every packet read from an input plugin through this before
// handing it to that input's tsqueue.Queue; non-PSI packets are a no-op.
func (m *Muxer) ObserveInputPacket(inputIdx int, pkt *tspacket.Packet) error {
	if !pkt.IsValid() {
		return nil
	}
	in := m.inputs[inputIdx]
	switch pkt.PID() {
	case psi.PIDPAT:
		for _, sec := range in.demux.Feed(psi.PIDPAT, pkt) {
			pat, ok := decodePAT(sec)
			if !ok {
				continue
			}
			if err := m.ObservePAT(inputIdx, pat); err != nil {
				return err
			}
		}
	case psi.PIDCAT:
		for _, sec := range in.demux.Feed(psi.PIDCAT, pkt) {
			cat, ok := decodeCAT(sec)
			if !ok {
				continue
			}
			if err := m.ObserveCAT(inputIdx, cat); err != nil {
				return err
			}
		}
	case psi.PIDNIT:
		for _, sec := range in.demux.Feed(psi.PIDNIT, pkt) {
			nit, ok := decodeNIT(sec)
			if !ok {
				continue
			}
			if err := m.ObserveNIT(inputIdx, nit); err != nil {
				return err
			}
		}
	case psi.PIDSDT: // shared with BAT, distinguished by table_id
		for _, sec := range in.demux.Feed(psi.PIDSDT, pkt) {
			if len(sec) == 0 {
				continue
			}
			switch sec[0] {
			case psi.TableIDSDTActual:
				sdt, ok := decodeSDT(sec)
				if !ok {
					continue
				}
				if err := m.ObserveSDT(inputIdx, sdt); err != nil {
					return err
				}
			case psi.TableIDBATFirst:
				bat, ok := decodeBAT(sec)
				if !ok {
					continue
				}
				if err := m.ObserveBAT(inputIdx, bat); err != nil {
					return err
				}
			}
		}
	case psi.PIDEIT:
		for _, sec := range in.demux.Feed(psi.PIDEIT, pkt) {
			m.PushEIT(sec)
		}
	}
	return nil
}

func decodePAT(raw []byte) (psi.PAT, bool) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return psi.PAT{}, false
	}
	pat, err := psi.ParsePAT(sec)
	return pat, err == nil
}

func decodeCAT(raw []byte) (psi.CAT, bool) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return psi.CAT{}, false
	}
	cat, err := psi.ParseCAT(sec)
	return cat, err == nil
}

func decodeNIT(raw []byte) (psi.NIT, bool) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return psi.NIT{}, false
	}
	nit, err := psi.ParseNIT(sec)
	return nit, err == nil
}

func decodeSDT(raw []byte) (psi.SDT, bool) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return psi.SDT{}, false
	}
	sdt, err := psi.ParseSDT(sec)
	return sdt, err == nil
}

func decodeBAT(raw []byte) (psi.BAT, bool) {
	sec, _, err := psi.Decode(raw)
	if err != nil {
		return psi.BAT{}, false
	}
	bat, err := psi.ParseBAT(sec)
	return bat, err == nil
}
