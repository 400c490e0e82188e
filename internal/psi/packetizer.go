package psi

import "github.com/gotsp/tsproc/internal/tspacket"

// StuffingPolicy selects how a Packetizer pads the last packet of a
// cycle, per the GLOSSARY's "Cycling packetizer ... with configurable
// stuffing policy".
type StuffingPolicy int

const (
	// StuffingNever packs sections back to back with no padding,
	// starting the next section's bytes immediately after the previous
	// one's within the same packet.
	StuffingNever StuffingPolicy = iota
	// StuffingAlways pads the remainder of every packet with 0xFF once
	// the current cycle's sections are exhausted, per spec.md §4.7's
	// "stuffing policy ALWAYS (fill unused packet space with 0xFF
	// bytes) so it emits at a stable rate".
	StuffingAlways
)

// Packetizer turns a list of complete sections into a looping stream of
// 188-byte TS packets on one PID, used by the PSI merger's per-table
// cycling packetizers and the EIT re-emission packetizer.
type Packetizer struct {
	pid      uint16
	policy   StuffingPolicy
	cc       uint8
	sections [][]byte
	pos      int // index into the flattened byte stream of sections
}

// NewPacketizer creates a packetizer for pid with an empty section set.
func NewPacketizer(pid uint16, policy StuffingPolicy) *Packetizer {
	return &Packetizer{pid: pid, policy: policy}
}

// SetSections replaces the section set this packetizer cycles, resetting
// to the start of the new cycle.
func (p *Packetizer) SetSections(sections [][]byte) {
	p.sections = sections
	p.pos = 0
}

// Empty reports whether the packetizer currently has nothing to emit.
func (p *Packetizer) Empty() bool {
	return len(p.sections) == 0
}

// NextPacket produces the next TS packet of the cycle. If the
// packetizer has no sections, it returns a null packet (the caller is
// expected to only call NextPacket when it has decided this PID's slot
// is due, per spec.md §4.10's round-robin packetizer selection).
func (p *Packetizer) NextPacket() tspacket.Packet {
	if len(p.sections) == 0 {
		return tspacket.Null()
	}

	flat := p.flatten()

	var pkt tspacket.Packet
	pkt[0] = tspacket.SyncByte
	startsSection := p.isSectionStart(flat)
	pkt[1] = byte(p.pid>>8) & 0x1F
	if startsSection {
		pkt[1] |= 0x40 // payload_unit_start_indicator
	}
	pkt[2] = byte(p.pid)
	pkt[3] = 0x10 | (p.cc & 0x0F)
	p.cc++

	off := 4
	if startsSection {
		pkt[off] = 0 // pointer_field: next section starts right after it
		off++
	}

	n := copy(pkt[off:], flat[p.pos:])
	p.pos += n
	if p.pos >= len(flat) {
		p.pos = 0
	}

	// Ran out of bytes mid-packet: either stuff with 0xFF (ALWAYS) or,
	// under NEVER, keep wrapping the cycle to fill the packet fully.
	for off+n < tspacket.Size {
		if p.policy == StuffingAlways || len(flat) == 0 {
			for i := off + n; i < tspacket.Size; i++ {
				pkt[i] = 0xFF
			}
			break
		}
		more := copy(pkt[off+n:], flat[p.pos:])
		p.pos += more
		n += more
		if p.pos >= len(flat) {
			p.pos = 0
		}
		if more == 0 {
			break
		}
	}
	return pkt
}

// flatten concatenates all sections into one logical byte stream that
// NextPacket walks across packet boundaries.
func (p *Packetizer) flatten() []byte {
	total := 0
	for _, s := range p.sections {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range p.sections {
		out = append(out, s...)
	}
	return out
}

// isSectionStart reports whether p.pos lands on a section boundary
// within the flattened stream.
func (p *Packetizer) isSectionStart(flat []byte) bool {
	off := 0
	for _, s := range p.sections {
		if off == p.pos {
			return true
		}
		off += len(s)
	}
	return false
}
