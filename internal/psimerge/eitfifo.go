package psimerge

import "github.com/gotsp/tsproc/internal/tspacket"

// eitFIFO re-emits complete EIT sections from a bounded backlog onto one
// PID, per spec.md §4.7 point 3: "re-emitted from the FIFO by a single
// packetizer (never stuffed as long as the FIFO is non-empty)". Unlike
// psi.Packetizer, which cycles a fixed section set forever, eitFIFO
// drains each section exactly once and pulls the next queued section
// immediately rather than stuffing, as long as the queue has more to
// give.
type eitFIFO struct {
	pid      uint16
	capacity int
	queue    [][]byte
	current  []byte // remaining unsent bytes of the section in flight
	cc       uint8
}

func newEITFIFO(pid uint16, capacity int) *eitFIFO {
	return &eitFIFO{pid: pid, capacity: capacity}
}

// push enqueues a complete section, dropping the oldest queued section
// if the backlog is already at capacity.
func (f *eitFIFO) push(section []byte) {
	if len(f.queue) >= f.capacity {
		f.queue = f.queue[1:]
	}
	f.queue = append(f.queue, section)
}

// pending reports how many sections remain (queued plus in flight).
func (f *eitFIFO) pending() int {
	n := len(f.queue)
	if len(f.current) > 0 {
		n++
	}
	return n
}

// nextPacket produces the next TS packet of the FIFO's output, or a
// null packet if nothing is queued.
func (f *eitFIFO) nextPacket() tspacket.Packet {
	if len(f.current) == 0 && len(f.queue) == 0 {
		return tspacket.Null()
	}

	var pkt tspacket.Packet
	pkt[0] = tspacket.SyncByte
	startsSection := len(f.current) == 0
	if startsSection {
		f.current = f.queue[0]
		f.queue = f.queue[1:]
	}
	pkt[1] = byte(f.pid>>8) & 0x1F
	if startsSection {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(f.pid)
	pkt[3] = 0x10 | (f.cc & 0x0F)
	f.cc++

	off := 4
	if startsSection {
		pkt[off] = 0
		off++
	}

	n := copy(pkt[off:], f.current)
	f.current = f.current[n:]

	// Never stuff while more sections are waiting: immediately pull the
	// next one to fill out the rest of this packet.
	for off+n < tspacket.Size && (len(f.current) > 0 || len(f.queue) > 0) {
		if len(f.current) == 0 {
			f.current = f.queue[0]
			f.queue = f.queue[1:]
		}
		more := copy(pkt[off+n:], f.current)
		f.current = f.current[more:]
		n += more
	}
	for i := off + n; i < tspacket.Size; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}
