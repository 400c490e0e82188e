// Package msgqueue implements the bounded, timeout-capable FIFO described
// in spec.md §4.6: enqueue/dequeue with optional timeouts, a force-enqueue
// escape hatch that bypasses the bound, and a pluggable placement policy
// so priority queues can be built on the same primitive.
package msgqueue

import (
	"container/list"
	"sync"
	"time"
)

// Policy controls where Enqueue inserts and where Dequeue removes.
// The default policy is back-enqueue, front-dequeue (plain FIFO).
type Policy interface {
	// Insert adds v to l according to the policy.
	Insert(l *list.List, v any)
	// Remove takes the next element from l according to the policy,
	// returning (value, true), or (nil, false) if l is empty.
	Remove(l *list.List) (any, bool)
}

// FIFOPolicy is the default back-enqueue, front-dequeue placement.
type FIFOPolicy struct{}

// Insert appends v to the back of l.
func (FIFOPolicy) Insert(l *list.List, v any) {
	l.PushBack(v)
}

// Remove takes the front element of l.
func (FIFOPolicy) Remove(l *list.List) (any, bool) {
	front := l.Front()
	if front == nil {
		return nil, false
	}
	l.Remove(front)
	return front.Value, true
}

// Queue is a bounded FIFO of owned messages of type T. Capacity 0 means
// unbounded: Enqueue never blocks on a full queue (spec.md §4.6's
// "unbounded mode").
type Queue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    *list.List
	capacity int
	policy   Policy
}

// New creates a queue with the given capacity (0 = unbounded) and the
// default FIFO placement policy.
func New[T any](capacity int) *Queue[T] {
	return NewWithPolicy[T](capacity, FIFOPolicy{})
}

// NewWithPolicy creates a queue with a custom placement policy, e.g. for
// a priority queue subclassing spec.md §4.6's "Subclasses may override
// placement policy".
func NewWithPolicy[T any](capacity int, policy Policy) *Queue[T] {
	q := &Queue[T]{
		items:    list.New(),
		capacity: capacity,
		policy:   policy,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds msg, blocking up to timeout if the queue is full (capacity
// > 0). On timeout it returns false and the message is discarded (the
// caller retains ownership of msg, matching Go's value semantics — there
// is no separate "destroy" step needed). timeout <= 0 means try once,
// non-blocking.
func (q *Queue[T]) Enqueue(msg T, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.items.Len() >= q.capacity {
		if timeout <= 0 {
			return false
		}
		deadline := time.Now().Add(timeout)
		for q.capacity > 0 && q.items.Len() >= q.capacity {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			if !q.waitTimeout(q.notFull, remaining) {
				return false
			}
		}
	}

	q.policy.Insert(q.items, msg)
	q.notEmpty.Broadcast()
	return true
}

// ForceEnqueue always succeeds, bypassing the capacity bound, per
// spec.md §4.6.
func (q *Queue[T]) ForceEnqueue(msg T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policy.Insert(q.items, msg)
	q.notEmpty.Broadcast()
}

// Dequeue blocks up to timeout for a message to become available,
// returning it and true, or the zero value and false if none arrived.
// timeout <= 0 means try once, non-blocking.
func (q *Queue[T]) Dequeue(timeout time.Duration) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		if timeout <= 0 {
			var zero T
			return zero, false
		}
		deadline := time.Now().Add(timeout)
		for q.items.Len() == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				var zero T
				return zero, false
			}
			if !q.waitTimeout(q.notEmpty, remaining) {
				var zero T
				return zero, false
			}
		}
	}

	v, ok := q.policy.Remove(q.items)
	if !ok {
		var zero T
		return zero, false
	}
	q.notFull.Broadcast()
	return v.(T), true
}

// Peek returns the head message without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		var zero T
		return zero, false
	}
	return front.Value.(T), true
}

// Clear drops all queued messages.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Init()
	q.notFull.Broadcast()
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// waitTimeout waits on cond, having armed a timer that broadcasts it after
// d so the caller's loop can re-check its deadline. Must be called with
// q.mu held; cond.Wait() releases and reacquires it internally. sync.Cond
// has no native timed wait, so this mirrors the pattern used throughout
// the ring buffer's WaitWork.
func (q *Queue[T]) waitTimeout(cond *sync.Cond, d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
	cond.Wait()
	timer.Stop()
	return true
}
