package plugin

import "github.com/gotsp/tsproc/internal/tspacket"

// PacketWindow is the gathered view over a (possibly wrapping) packet
// range handed to a processor declaring WindowSize() > 0, per spec.md
// §4.1's packet-window mode. The range may span the buffer boundary, so
// it is expressed as up to two contiguous runs rather than one slice.
type PacketWindow struct {
	a, b   []tspacket.Packet
	am, bm []tspacket.Metadata
}

// NewPacketWindow builds a window from the (up to two) contiguous runs
// returned by ringbuffer.Buffer.Slice.
func NewPacketWindow(a, b []tspacket.Packet, am, bm []tspacket.Metadata) *PacketWindow {
	return &PacketWindow{a: a, b: b, am: am, bm: bm}
}

// Len returns the total number of packets in the window.
func (w *PacketWindow) Len() int {
	return len(w.a) + len(w.b)
}

// At returns the packet and metadata at logical index i (0 <= i < Len()),
// transparently crossing the wrap boundary between the two runs.
func (w *PacketWindow) At(i int) (*tspacket.Packet, *tspacket.Metadata) {
	if i < len(w.a) {
		return &w.a[i], &w.am[i]
	}
	j := i - len(w.a)
	return &w.b[j], &w.bm[j]
}

// Truncate implements the §9 "coroutine-like control flow" redesign: a
// processor that consumed only k < Len() packets returns k, and the
// engine truncates the window in place by invalidating (nulling) every
// packet beyond k so the stream terminates at the k-th packet's buffer
// index, per spec.md's "On k<W the stream terminates at the buffer
// index of the k-th packet."
func (w *PacketWindow) Truncate(k int) {
	n := w.Len()
	if k < 0 {
		k = 0
	}
	if k > n {
		k = n
	}
	for i := k; i < n; i++ {
		p, _ := w.At(i)
		p.Invalidate()
	}
}
