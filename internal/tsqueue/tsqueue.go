// Package tsqueue implements the bitrate-aware TS packet queue described
// in spec.md §4.4: a fixed-capacity ring of packets used to detach a
// producer thread (e.g. a push-mode input plugin) from its consumer,
// with strict FIFO ordering and a bitrate that is either set explicitly
// by the producer or derived from an internal PCR analyser fed as
// packets are released.
package tsqueue

import (
	"sync"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// Queue is a fixed-capacity, bitrate-tracking FIFO of TS packets, built
// on the same fixed-backing-array-plus-condition-variable shape as
// internal/ringbuffer, but for the simpler single-producer/single-consumer
// case where the producer is detached on its own thread.
type Queue struct {
	mu          sync.Mutex
	notFull     *sync.Cond
	notEmpty    *sync.Cond
	packets     []tspacket.Packet
	head        int // next packet to read
	count       int
	explicit    bitrate.Value
	hasExplicit bool
	analyser    *bitrate.PCRAnalyser
	eof         bool
	stopped     bool
}

// New creates a queue with the given fixed capacity (minimum 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		packets:  make([]tspacket.Packet, capacity),
		analyser: bitrate.NewPCRAnalyser(),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Reset resizes the queue to a new capacity (minimum 1), discarding any
// queued packets, per spec.md §4.4's "reset resizes".
func (q *Queue) Reset(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.packets = make([]tspacket.Packet, capacity)
	q.head = 0
	q.count = 0
	q.eof = false
	q.stopped = false
	q.analyser.Reset()
	q.notFull.Broadcast()
}

// WriteArea describes a contiguous writable region returned by
// LockWriteBuffer, to be filled in place by the producer.
type WriteArea struct {
	Packets []tspacket.Packet
	start   int
}

// LockWriteBuffer blocks the producer until at least min free slots
// exist (or the queue is stopped), then returns a writable area.
// The area may be shorter than min if the free space wraps past the end
// of the backing array, but is never empty unless the queue is stopped.
func (q *Queue) LockWriteBuffer(min int) (WriteArea, bool) {
	if min < 1 {
		min = 1
	}
	cap := len(q.packets)
	if min > cap {
		min = cap
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return WriteArea{}, false
		}
		free := cap - q.count
		if free >= min {
			break
		}
		q.notFull.Wait()
	}

	writeStart := (q.head + q.count) % cap
	free := cap - q.count
	runLen := cap - writeStart
	if runLen > free {
		runLen = free
	}
	return WriteArea{Packets: q.packets[writeStart : writeStart+runLen], start: writeStart}, true
}

// ReleaseWriteBuffer publishes the first n packets of area (which must
// have been filled in place by the caller) and, if no explicit bitrate
// has been set, feeds them into the internal PCR analyser.
func (q *Queue) ReleaseWriteBuffer(area WriteArea, n int) {
	if n > len(area.Packets) {
		n = len(area.Packets)
	}
	if n < 0 {
		n = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.hasExplicit {
		for i := 0; i < n; i++ {
			q.analyser.Feed(&area.Packets[i])
		}
	}
	q.count += n
	q.notEmpty.Broadcast()
}

// SetBitrate records a producer-supplied explicit bitrate, which takes
// priority over the internal PCR analyser until cleared by Reset.
func (q *Queue) SetBitrate(v bitrate.Value) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.explicit = v
	q.hasExplicit = true
}

// SetEOF signals that no more packets will be written.
func (q *Queue) SetEOF() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eof = true
	q.notEmpty.Broadcast()
}

// Stop signals an early consumer-initiated abort, unblocking any blocked
// LockWriteBuffer or WaitPackets calls.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// currentBitrate must be called with mu held.
func (q *Queue) currentBitrate() bitrate.Value {
	if q.hasExplicit {
		return q.explicit
	}
	if q.analyser.Valid() {
		return q.analyser.BitRate()
	}
	return bitrate.Zero
}

// GetPacket is the non-blocking single-packet read: it returns the next
// packet and the current bitrate, or ok=false if none is queued.
func (q *Queue) GetPacket() (p tspacket.Packet, br bitrate.Value, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return tspacket.Packet{}, q.currentBitrate(), false
	}
	p = q.packets[q.head]
	q.head = (q.head + 1) % len(q.packets)
	q.count--
	q.notFull.Broadcast()
	return p, q.currentBitrate(), true
}

// WaitResult is returned by WaitPackets.
type WaitResult struct {
	Got     int
	Bitrate bitrate.Value
	EOF     bool
	Stopped bool
}

// WaitPackets blocks the consumer until at least one packet is available,
// EOF is reached, or the queue is stopped, then copies up to len(buf)
// packets into buf in FIFO order.
func (q *Queue) WaitPackets(buf []tspacket.Packet) WaitResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.eof && !q.stopped {
		q.notEmpty.Wait()
	}

	if q.stopped && q.count == 0 {
		return WaitResult{Stopped: true, Bitrate: q.currentBitrate()}
	}
	if q.count == 0 && q.eof {
		return WaitResult{EOF: true, Bitrate: q.currentBitrate()}
	}

	n := q.count
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = q.packets[(q.head+i)%len(q.packets)]
	}
	q.head = (q.head + n) % len(q.packets)
	q.count -= n
	q.notFull.Broadcast()

	return WaitResult{Got: n, Bitrate: q.currentBitrate(), EOF: q.eof && q.count == 0}
}

// Len reports the number of packets currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
