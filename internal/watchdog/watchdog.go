// Package watchdog implements the configurable timeout-firing watchdog
// described in spec.md §4.5: a dedicated goroutine waits on a timeout and
// invokes a handler when it expires while armed.
//
// The state-machine shape (armed/disarmed, a background goroutine, a
// registered callback fired on state transition) is grounded on the
// teacher's CircuitBreaker, generalized from failure-counting to a single
// timeout deadline.
package watchdog

import (
	"sync"
	"time"
)

// Handler is invoked when the watchdog's timeout expires while active.
// id identifies which watchdog fired, for logging.
type Handler func(id string)

// Watchdog is a single-timeout alarm. The zero value is not usable; use New.
type Watchdog struct {
	id      string
	handler Handler

	mu         sync.Mutex
	timeout    time.Duration
	active     bool
	generation uint64
	timer      *time.Timer
	stopped    bool
}

// New creates a watchdog with the given handler, initial timeout, and id.
// A timeout of 0 means "never expires while active", per spec.md §4.5.
// The watchdog starts active.
func New(handler Handler, timeout time.Duration, id string) *Watchdog {
	w := &Watchdog{
		id:      id,
		handler: handler,
		timeout: timeout,
		active:  true,
	}
	w.arm()
	return w
}

// arm must be called with mu held. It (re)starts the underlying timer
// according to the current timeout/active state.
func (w *Watchdog) arm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.stopped || !w.active || w.timeout <= 0 {
		return
	}
	gen := w.generation
	w.timer = time.AfterFunc(w.timeout, func() {
		w.fire(gen)
	})
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || !w.active || gen != w.generation {
		w.mu.Unlock()
		return
	}
	handler := w.handler
	id := w.id
	w.mu.Unlock()

	// The handler runs outside the mutex, per spec.md §4.5.
	if handler != nil {
		handler(id)
	}
}

// Restart re-arms the watchdog with its current timeout, resetting the
// deadline from now.
func (w *Watchdog) Restart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = true
	w.generation++
	w.arm()
}

// Suspend disarms the watchdog; its timeout will not fire until Restart
// or SetTimeout(_, true) is called.
func (w *Watchdog) Suspend() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = false
	w.generation++
	w.arm()
}

// SetTimeout reconfigures the timeout atomically. If autoStart is true the
// watchdog becomes (or remains) active with the new timeout; otherwise its
// active state is left unchanged.
func (w *Watchdog) SetTimeout(timeout time.Duration, autoStart bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = timeout
	if autoStart {
		w.active = true
	}
	w.generation++
	w.arm()
}

// Active reports whether the watchdog is currently armed.
func (w *Watchdog) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Stop terminates the watchdog; no further callbacks will fire. Safe to
// call multiple times.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
