package plugin

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/ringbuffer"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// TimeoutHandling is implemented by plugins that want a say in what
// happens when waitWork times out, per spec.md §7: "waitWork expiry
// triggers plugin's timeout handler; if the handler returns false, the
// executor aborts."
type TimeoutHandling interface {
	OnTimeout() (keepWaiting bool)
}

// Config is an executor's static configuration, set once at pipeline
// build time.
type Config struct {
	Index             int
	Name              string
	Kind              Kind
	ReceiveTimeout    time.Duration // 0 = infinite
	MaxFlushedPackets int           // per-packet mode flush cadence
	ForcedWindowSize  int           // TSP_FORCED_WINDOW_SIZE override, 0 = none
	OnlyLabel         int           // -1 = no label filter
}

// Executor runs one plugin's waitWork -> process -> passPackets loop
// against a shared ringbuffer.Buffer, dispatching on cfg.Kind instead of
// being one of a family of executor subclasses (spec.md §9).
type Executor struct {
	cfg       Config
	ring      *ringbuffer.Buffer
	plugin    Plugin
	estimator *bitrate.Estimator
	restart   *RestartState
	logger    *slog.Logger

	packetsSinceFlush int
	dropped           atomic.Uint64
}

// DroppedPackets returns how many packets this executor's plugin has
// returned ResultDrop for, for the --monitor surface's per-stage figure.
func (e *Executor) DroppedPackets() uint64 {
	return e.dropped.Load()
}

// New creates an executor bound to ring slot cfg.Index.
func New(cfg Config, ring *ringbuffer.Buffer, p Plugin, initialArgs []string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OnlyLabel == 0 {
		cfg.OnlyLabel = -1
	}
	return &Executor{
		cfg:       cfg,
		ring:      ring,
		plugin:    p,
		estimator: bitrate.NewEstimator(),
		restart:   NewRestartState(initialArgs),
		logger:    logger.With("executor", cfg.Name, "kind", cfg.Kind.String(), "index", cfg.Index),
	}
}

// windowSize returns the effective processor window size, honoring the
// TSP_FORCED_WINDOW_SIZE override over the plugin's own declaration.
func (e *Executor) windowSize(p ProcessorPlugin) int {
	if e.cfg.ForcedWindowSize > 0 {
		return e.cfg.ForcedWindowSize
	}
	return p.WindowSize()
}

// minBatch returns the minimum packet count to request from WaitWork for
// this executor's current mode.
func (e *Executor) minBatch() int {
	if e.cfg.Kind == KindProcessor {
		if pp, ok := e.plugin.(ProcessorPlugin); ok {
			if w := e.windowSize(pp); w > 0 {
				return w
			}
		}
	}
	return 1
}

// Run executes the waitWork/process/passPackets loop until the ring
// reports abort or terminal end-of-stream. It is meant to run on its own
// goroutine, one per ring slot.
func (e *Executor) Run() {
	defer e.plugin.Stop()

	for {
		res := e.ring.WaitWork(e.cfg.Index, e.minBatch(), e.cfg.ReceiveTimeout)

		if res.Aborted {
			e.ring.PassPackets(e.cfg.Index, 0, bitrate.Zero, false, true)
			return
		}

		if res.TimedOut {
			abort := false
			if th, ok := e.plugin.(TimeoutHandling); ok {
				abort = !th.OnTimeout()
			}
			if abort {
				e.ring.SetAbort(e.cfg.Index)
				continue
			}
			continue
		}

		if req := e.ring.TakeRestart(e.cfg.Index); req != nil {
			e.performRestart(req)
		}

		if e.ring.Suspended(e.cfg.Index) {
			if !e.ring.PassPackets(e.cfg.Index, res.Count, res.Bitrate, res.InputEnd, false) {
				return
			}
			continue
		}

		cont := e.dispatch(res)
		if !cont {
			return
		}
	}
}

// performRestart stops the plugin, re-starts it with the requested args
// (or the last-known-good args on "--same"/failure), and reports the
// outcome on req.Done.
func (e *Executor) performRestart(req *ringbuffer.RestartRequest) {
	_ = e.plugin.Stop()

	args := req.NewArgs
	if req.Reuse || args == nil {
		args = e.restart.LastGood()
	} else {
		e.restart.BeginRestart(args)
	}

	err := e.plugin.Start(args)
	if err != nil && !req.Reuse {
		fallback := e.restart.CommitFailure()
		err = e.plugin.Start(fallback)
		if err != nil {
			e.ring.SetAbort(e.cfg.Index)
		}
	} else if err == nil && !req.Reuse {
		e.restart.CommitSuccess()
	}

	if req.Done != nil {
		req.Done <- err
		close(req.Done)
	}
}

// dispatch runs one waitWork result through the plugin according to
// cfg.Kind, and performs the matching passPackets call. Returns false if
// the executor should stop its loop.
func (e *Executor) dispatch(res ringbuffer.WaitResult) bool {
	switch e.cfg.Kind {
	case KindInput:
		return e.dispatchInput(res)
	case KindProcessor:
		return e.dispatchProcessor(res)
	case KindOutput:
		return e.dispatchOutput(res)
	default:
		return false
	}
}

func (e *Executor) dispatchInput(res ringbuffer.WaitResult) bool {
	ip := e.plugin.(InputPlugin)

	a, b, am, bm := e.ring.Slice(res.First, res.Count)
	n := 0
	end := false
	var err error

	if len(a) > 0 {
		var na int
		na, end, err = ip.Receive(a, am)
		n += na
	}
	if err == nil && !end && n == len(a) && len(b) > 0 {
		var nb int
		nb, end, err = ip.Receive(b, bm)
		n += nb
	}

	for i := 0; i < n; i++ {
		pkt := idxPacket(a, b, i)
		e.estimator.FeedPacket(pkt)

		var dts uint64
		var hasDTS bool
		if pkt.PayloadUnitStartIndicator() {
			if payload := pkt.Payload(); payload != nil {
				if h, ok := tspacket.ParsePESHeader(payload); ok {
					hasDTS, dts = h.HasDTS, h.DTS
				}
			}
		}
		e.estimator.FeedDTS(pkt.PID(), dts, hasDTS)
	}

	br := e.estimator.Current()
	if reported, ok := ip.Bitrate(); ok {
		br = reported
	}

	abort := err != nil
	e.ring.PassPackets(e.cfg.Index, n, br, end || abort, abort)

	// The input executor is where input_end originates: once it has
	// reported end (or a fatal read error), it has no further work
	// regardless of how much free buffer space it still owns, so its
	// own loop stops here rather than spinning on an always-satisfied
	// waitWork predicate.
	return !(end || abort)
}

// idxPacket returns a pointer to the i-th packet across the two
// (possibly empty) contiguous runs a, b, as if they were concatenated.
func idxPacket(a, b []tspacket.Packet, i int) *tspacket.Packet {
	if i < len(a) {
		return &a[i]
	}
	return &b[i-len(a)]
}

func (e *Executor) dispatchProcessor(res ringbuffer.WaitResult) bool {
	pp := e.plugin.(ProcessorPlugin)

	a, b, am, bm := e.ring.Slice(res.First, res.Count)

	w := e.windowSize(pp)
	if w > 0 {
		win := NewPacketWindow(a, b, am, bm)
		k, err := pp.ProcessWindow(win)
		win.Truncate(k)
		inputEnd := res.InputEnd || k < win.Len()
		return e.ring.PassPackets(e.cfg.Index, res.Count, res.Bitrate, inputEnd, err != nil)
	}

	n := res.Count
	ended := false
	for i := 0; i < res.Count; i++ {
		p, m := sliceAt(a, b, am, bm, i)
		result := pp.ProcessPacket(p, m)
		switch result {
		case ResultNullIt:
			p.Invalidate()
		case ResultDrop:
			p.Invalidate()
			e.dropped.Add(1)
		case ResultEnd:
			n = i + 1
			ended = true
		}
		e.packetsSinceFlush++
		if ended {
			break
		}
	}

	flush := ended || anyFlush(am, bm, n) || (e.cfg.MaxFlushedPackets > 0 && e.packetsSinceFlush >= e.cfg.MaxFlushedPackets)
	if flush {
		e.packetsSinceFlush = 0
	}

	return e.ring.PassPackets(e.cfg.Index, n, res.Bitrate, res.InputEnd && n >= res.Count || ended, false)
}

// sliceAt returns the packet/metadata pointers at logical index i across
// the two contiguous runs, as with idxPacket but carrying metadata too.
func sliceAt(a, b []tspacket.Packet, am, bm []tspacket.Metadata, i int) (*tspacket.Packet, *tspacket.Metadata) {
	if i < len(a) {
		return &a[i], &am[i]
	}
	j := i - len(a)
	return &b[j], &bm[j]
}

// anyFlush reports whether any of the first n metadata entries across
// the two runs requested an immediate flush.
func anyFlush(am, bm []tspacket.Metadata, n int) bool {
	for i := 0; i < n && i < len(am); i++ {
		if am[i].Flush {
			return true
		}
	}
	for i := len(am); i < n; i++ {
		if bm[i-len(am)].Flush {
			return true
		}
	}
	return false
}

func (e *Executor) dispatchOutput(res ringbuffer.WaitResult) bool {
	op := e.plugin.(OutputPlugin)

	a, b, am, bm := e.ring.Slice(res.First, res.Count)
	var err error
	if len(a) > 0 {
		err = op.Send(a, am)
	}
	if err == nil && len(b) > 0 {
		err = op.Send(b, bm)
	}

	abort := err != nil
	return e.ring.PassPackets(e.cfg.Index, res.Count, bitrate.Zero, res.InputEnd, abort)
}
