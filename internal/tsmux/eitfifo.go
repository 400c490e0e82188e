package tsmux

import "github.com/gotsp/tsproc/internal/tspacket"

// eitFIFO is tsmux's muxed EIT queue (spec.md §4.10: "EIT (muxed FIFO)"),
// a bounded drop-oldest-on-overflow queue that drains eagerly: it is
// never stuffed with a null packet while a section is still waiting.
// Same contract as internal/psimerge's eitFIFO (duplicated rather than
// shared — a 60-line drain-once queue isn't worth a cross-package
// abstraction given the two callers' otherwise unrelated state shapes).
type eitFIFO struct {
	pid      uint16
	capacity int
	queue    [][]byte // sections waiting; queue[0] may be partially sent
	offset   int       // bytes of queue[0] already emitted
	cc       uint8
}

func newEITFIFO(pid uint16, capacity int) *eitFIFO {
	return &eitFIFO{pid: pid, capacity: capacity}
}

// push enqueues one section, dropping the oldest queued section if the
// FIFO is at capacity, per spec.md §7's "EIT backlog overflow logs an
// error and drops oldest"; the error is logged by Muxer.PushEIT.
func (f *eitFIFO) push(section []byte) {
	if len(f.queue) >= f.capacity {
		f.queue = f.queue[1:]
		f.offset = 0
	}
	f.queue = append(f.queue, section)
}

func (f *eitFIFO) pending() int {
	return len(f.queue)
}

// nextPacket builds the next output packet from the FIFO, consuming
// bytes across as many queued sections as fit and only padding with
// 0xFF once the queue runs dry mid-packet.
func (f *eitFIFO) nextPacket() tspacket.Packet {
	if len(f.queue) == 0 {
		return tspacket.Null()
	}

	var pkt tspacket.Packet
	pkt[0] = tspacket.SyncByte
	startsSection := f.offset == 0
	pkt[1] = byte(f.pid>>8) & 0x1F
	if startsSection {
		pkt[1] |= 0x40 // payload_unit_start_indicator
	}
	pkt[2] = byte(f.pid)
	pkt[3] = 0x10 | (f.cc & 0x0F)
	f.cc = (f.cc + 1) & 0x0F

	off := 4
	if startsSection {
		pkt[off] = 0 // pointer_field: section starts right after it
		off++
	}

	written := 0
	for off+written < tspacket.Size {
		if len(f.queue) == 0 {
			for i := off + written; i < tspacket.Size; i++ {
				pkt[i] = 0xFF
			}
			break
		}
		cur := f.queue[0][f.offset:]
		n := copy(pkt[off+written:], cur)
		written += n
		f.offset += n
		if f.offset >= len(f.queue[0]) {
			f.queue = f.queue[1:]
			f.offset = 0
		}
	}
	return pkt
}
