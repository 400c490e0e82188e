// Package ringbuffer implements the shared circular packet buffer and the
// per-plugin executor slot contract described in spec.md §4.1: one global
// mutex, one condition variable per executor, and the waitWork/passPackets
// protocol that moves ownership of contiguous packet ranges around the
// ring in a single direction.
//
// The design keeps the teacher's cyclic_buffer.go idea of a fixed backing
// array with per-client sequence state and a Notify/Wait signalling pair,
// generalized from byte chunks to TS packet slots and from N independent
// readers to a fixed ring of executors that each own a disjoint, moving
// slice of the same array.
package ringbuffer

import (
	"sync"
	"time"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// Buffer is the shared circular array of packets and parallel metadata,
// plus the per-executor slot bookkeeping. It is allocated once, before any
// executor starts, and never resized while the pipeline runs (spec.md §5).
type Buffer struct {
	packets  []tspacket.Packet
	metadata []tspacket.Metadata

	mu    sync.Mutex
	execs []*execState
}

// execState holds one executor's slot bookkeeping plus its own condition
// variable, guarded by Buffer.mu (spec.md §4.1: "single global mutex and a
// per-executor condition variable").
type execState struct {
	first     int
	count     int
	inputEnd  bool
	aborted   bool
	bitrate   bitrate.Value
	cond      *sync.Cond
	restart   *RestartRequest
	suspended bool
}

// RestartRequest is the pending-restart descriptor from spec.md §4.1,
// set by the control server and consumed by the owning executor between
// waitWork and passPackets.
type RestartRequest struct {
	NewArgs []string // nil means reuse previous args ("--same")
	Reuse   bool
	Done    chan error // closed with the restart outcome
}

// New allocates a buffer sized to hold size packets, distributed among
// numExecutors ring slots. The first slot (input) initially owns the
// entire buffer, matching the real engine's startup state where the input
// executor begins by filling free space handed to it by the (not yet
// running) output executor; ownership then moves between slots only
// through PassPackets.
func New(size, numExecutors int) *Buffer {
	if size < 1 {
		size = 1
	}
	if numExecutors < 1 {
		numExecutors = 1
	}
	b := &Buffer{
		packets:  make([]tspacket.Packet, size),
		metadata: make([]tspacket.Metadata, size),
		execs:    make([]*execState, numExecutors),
	}
	for i := range b.execs {
		b.execs[i] = &execState{}
		b.execs[i].cond = sync.NewCond(&b.mu)
	}
	b.execs[0].count = size
	return b
}

// Size returns the total packet capacity of the buffer.
func (b *Buffer) Size() int {
	return len(b.packets)
}

// NumExecutors returns the number of ring slots.
func (b *Buffer) NumExecutors() int {
	return len(b.execs)
}

// successor returns the ring index following i.
func (b *Buffer) successor(i int) int {
	return (i + 1) % len(b.execs)
}

// predecessor returns the ring index preceding i.
func (b *Buffer) predecessor(i int) int {
	return (i - 1 + len(b.execs)) % len(b.execs)
}

// WaitResult is returned by WaitWork.
type WaitResult struct {
	First    int
	Count    int
	Bitrate  bitrate.Value
	InputEnd bool
	Aborted  bool
	TimedOut bool
}

// WaitWork blocks until the executor at index idx owns at least minCount
// packets, or its predecessor has signalled end-of-input, or its
// successor has signalled abort, or timeout elapses (zero means
// infinite). It implements spec.md §4.1's waitWork contract.
func (b *Buffer) WaitWork(idx int, minCount int, timeout time.Duration) WaitResult {
	bufSize := len(b.packets)
	if minCount > bufSize {
		minCount = bufSize
	}
	if minCount < 1 {
		minCount = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.execs[idx]

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		if e.aborted {
			return WaitResult{First: e.first, Count: e.count, Bitrate: e.bitrate, Aborted: true}
		}
		if e.count >= minCount || e.inputEnd {
			return WaitResult{First: e.first, Count: e.count, Bitrate: e.bitrate, InputEnd: e.inputEnd}
		}
		if !hasDeadline {
			e.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WaitResult{First: e.first, Count: e.count, Bitrate: e.bitrate, TimedOut: true}
		}
		// sync.Cond has no timed wait; arm a timer that wakes this
		// executor's condition so the loop can re-check the deadline.
		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			e.cond.Broadcast()
			b.mu.Unlock()
		})
		e.cond.Wait()
		timer.Stop()
	}
}

// PassPackets transfers n packets of ownership from executor idx to its
// successor, propagating bitrate/confidence forward, input_end forward,
// and abort backward, per spec.md §4.1's passPackets contract. Returns
// false if the successor has aborted, or if idx signalled input_end with
// no packets remaining to hand over (the end-of-stream terminal case).
func (b *Buffer) PassPackets(idx int, n int, br bitrate.Value, inputEnd bool, abort bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.execs[idx]
	if n > e.count {
		n = e.count
	}
	if n < 0 {
		n = 0
	}

	succIdx := b.successor(idx)
	succ := b.execs[succIdx]

	if succ.aborted {
		return false
	}

	e.first = (e.first + n) % len(b.packets)
	e.count -= n
	succ.count += n

	succ.bitrate = bitrate.Prefer(succ.bitrate, br)
	if inputEnd {
		e.inputEnd = true
		succ.inputEnd = true
	}
	if abort {
		predIdx := b.predecessor(idx)
		b.execs[predIdx].aborted = true
		e.aborted = true
		b.execs[predIdx].cond.Broadcast()
	}

	succ.cond.Broadcast()
	e.cond.Broadcast()

	if e.inputEnd && n == 0 && e.count == 0 {
		return false
	}
	return true
}

// SetAbort marks executor idx aborted and wakes its predecessor, per
// spec.md §5's cancellation rule ("abort propagates upstream"). The
// output→input edge gets no special treatment: aborting the input
// executor (index 0) also marks the output executor, its ring
// predecessor, aborted.
func (b *Buffer) SetAbort(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.execs[idx]
	e.aborted = true
	e.cond.Broadcast()
	predIdx := b.predecessor(idx)
	pred := b.execs[predIdx]
	pred.aborted = true
	pred.cond.Broadcast()
}

// Aborted reports whether executor idx has been marked aborted.
func (b *Buffer) Aborted(idx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.execs[idx].aborted
}

// SetSuspended sets whether executor idx is suspended (spec.md §4.1:
// packets flow through untouched when suspended).
func (b *Buffer) SetSuspended(idx int, suspended bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execs[idx].suspended = suspended
}

// Suspended reports whether executor idx is currently suspended.
func (b *Buffer) Suspended(idx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.execs[idx].suspended
}

// SetRestart installs a pending restart descriptor for executor idx and
// wakes it; the outcome is reported on req.Done.
func (b *Buffer) SetRestart(idx int, req *RestartRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execs[idx].restart = req
	b.execs[idx].cond.Broadcast()
}

// TakeRestart atomically retrieves and clears executor idx's pending
// restart descriptor, if any. Called by the owning executor between
// WaitWork and PassPackets, per spec.md §4.1.
func (b *Buffer) TakeRestart(idx int) *RestartRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := b.execs[idx].restart
	b.execs[idx].restart = nil
	return req
}

// Slice returns the packet and metadata slices for the range
// [first, first+count) of executor idx's current ownership, handling
// wraparound by returning up to two sub-ranges. The second return value
// is empty unless the range wraps the end of the buffer.
func (b *Buffer) Slice(first, count int) (a, c []tspacket.Packet, am, cm []tspacket.Metadata) {
	n := len(b.packets)
	if count == 0 {
		return nil, nil, nil, nil
	}
	end := first + count
	if end <= n {
		return b.packets[first:end], nil, b.metadata[first:end], nil
	}
	return b.packets[first:n], b.packets[0 : end-n], b.metadata[first:n], b.metadata[0 : end-n]
}

// ExecStats is a read-only snapshot of one executor's slot for
// monitoring purposes; it never exposes the packets/metadata slices
// themselves, only the bookkeeping already guarded by Buffer.mu.
type ExecStats struct {
	Count     int
	Bitrate   bitrate.Value
	Suspended bool
	Aborted   bool
}

// Stats returns a snapshot of executor idx's current slot state.
func (b *Buffer) Stats(idx int) ExecStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.execs[idx]
	return ExecStats{Count: e.count, Bitrate: e.bitrate, Suspended: e.suspended, Aborted: e.aborted}
}

// Totals returns the sum of all executors' counts, which must always
// equal the buffer size at a quiescent point (spec.md §8 invariant 1).
func (b *Buffer) Totals() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, e := range b.execs {
		total += e.count
	}
	return total
}
