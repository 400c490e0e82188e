// Package pipeline implements the tsp core controller of spec.md §2's
// "Pipeline controller" component: it builds the executor ring, starts
// and joins one goroutine per plugin executor, owns the shared packet
// buffer, and arbitrates joint termination and shutdown ordering.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/ringbuffer"
	"github.com/gotsp/tsproc/internal/tserr"
)

// StageSpec describes one plugin slot to wire into the ring: its kind,
// name, concrete plugin implementation, and the args it starts with.
type StageSpec struct {
	Kind   plugin.Kind
	Name   string
	Plugin plugin.Plugin
	Args   []string
}

// Options configures a Pipeline's executors, mirroring spec.md §6's CLI
// surface (`--buffer-size-mb`, `--max-flushed-packets`, etc.) without
// depending on internal/config directly, so callers (cmd/tsp) own the
// translation from parsed flags to this struct.
type Options struct {
	BufferSize        int
	ReceiveTimeout    DurationMS
	MaxFlushedPackets int
	ForcedWindowSize  int
	Logger            *slog.Logger
}

// DurationMS is milliseconds, matching spec.md §6's `*_MS`-suffixed CLI
// options; internal/config.Duration converts to/from this at the CLI
// boundary.
type DurationMS int

// Pipeline owns one ring buffer and the executors built over it.
type Pipeline struct {
	id        string
	ring      *ringbuffer.Buffer
	executors []*plugin.Executor
	names     []string
	term      *plugin.JointTerminator
	logger    *slog.Logger
}

// New builds a ring buffer sized for opts.BufferSize packets and one
// executor per stage, in composition order (input, processors..., output).
func New(stages []StageSpec, opts Options) (*Pipeline, error) {
	if len(stages) < 2 {
		return nil, tserr.NewConfigurationError("stages", "a pipeline needs at least one input and one output stage")
	}
	if stages[0].Kind != plugin.KindInput {
		return nil, tserr.NewConfigurationError("stages", "first stage must be an input plugin")
	}
	if stages[len(stages)-1].Kind != plugin.KindOutput {
		return nil, tserr.NewConfigurationError("stages", "last stage must be an output plugin")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ring := ringbuffer.New(opts.BufferSize, len(stages))
	term := plugin.NewJointTerminator(len(stages))

	p := &Pipeline{
		id:     uuid.NewString(),
		ring:   ring,
		term:   term,
		logger: logger,
	}

	for i, st := range stages {
		cfg := plugin.Config{
			Index:             i,
			Name:              st.Name,
			Kind:              st.Kind,
			ReceiveTimeout:    msToDuration(opts.ReceiveTimeout),
			MaxFlushedPackets: opts.MaxFlushedPackets,
			ForcedWindowSize:  opts.ForcedWindowSize,
			OnlyLabel:         -1,
		}
		exec := plugin.New(cfg, ring, st.Plugin, st.Args, logger)
		p.executors = append(p.executors, exec)
		p.names = append(p.names, st.Name)
	}

	return p, nil
}

// ID returns the pipeline's unique instance identifier, used to
// correlate control-session and monitor-stream logging.
func (p *Pipeline) ID() string {
	return p.id
}

// Ring exposes the underlying ring buffer, e.g. for internal/control to
// drive suspend/resume/restart/abort on a running pipeline.
func (p *Pipeline) Ring() *ringbuffer.Buffer {
	return p.ring
}

// NumStages returns how many executors make up the ring.
func (p *Pipeline) NumStages() int {
	return len(p.executors)
}

// StageName returns the configured name of stage i, or "" if out of range.
func (p *Pipeline) StageName(i int) string {
	if i < 0 || i >= len(p.names) {
		return ""
	}
	return p.names[i]
}

// DroppedPackets returns stage i's cumulative ResultDrop count.
func (p *Pipeline) DroppedPackets(i int) uint64 {
	if i < 0 || i >= len(p.executors) {
		return 0
	}
	return p.executors[i].DroppedPackets()
}

// Run starts every executor on its own goroutine and blocks until ctx is
// canceled or every executor has returned, per spec.md §5's "parallel OS
// threads, one per plugin executor" model and its shutdown-order rule:
// abort-and-join all executors in ring order starting from input.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var running sync.WaitGroup
	allReturned := make(chan struct{})
	for _, exec := range p.executors {
		exec := exec
		running.Add(1)
		g.Go(func() error {
			defer running.Done()
			exec.Run()
			return nil
		})
	}
	go func() {
		running.Wait()
		close(allReturned)
	}()

	g.Go(func() error {
		select {
		case <-gctx.Done():
			p.AbortAll()
		case <-allReturned:
		}
		return nil
	})

	return g.Wait()
}

// AbortAll sets abort on every executor in ring order starting from
// input, per spec.md §5's shutdown-order rule.
func (p *Pipeline) AbortAll() {
	for i := range p.executors {
		p.ring.SetAbort(i)
	}
}

// Suspend suspends stage i (0 = input, 1..P processors, P+1 output, per
// spec.md §4.3's control-command numbering). Input (0) is not
// suspendable.
func (p *Pipeline) Suspend(stage int) error {
	if stage == 0 {
		return fmt.Errorf("%w: input stage is not suspendable", tserr.ErrConfiguration)
	}
	if stage < 0 || stage >= len(p.executors) {
		return fmt.Errorf("%w: stage index out of range", tserr.ErrConfiguration)
	}
	p.ring.SetSuspended(stage, true)
	return nil
}

// Resume un-suspends stage i.
func (p *Pipeline) Resume(stage int) error {
	if stage < 0 || stage >= len(p.executors) {
		return fmt.Errorf("%w: stage index out of range", tserr.ErrConfiguration)
	}
	p.ring.SetSuspended(stage, false)
	return nil
}

// Restart requests a pending restart on stage i with newArgs (or reuse
// of its last-known-good args if reuse is true), returning once the
// owning executor has processed the request.
func (p *Pipeline) Restart(stage int, newArgs []string, reuse bool) error {
	if stage < 0 || stage >= len(p.executors) {
		return fmt.Errorf("%w: stage index out of range", tserr.ErrConfiguration)
	}
	req := &ringbuffer.RestartRequest{NewArgs: newArgs, Reuse: reuse, Done: make(chan error, 1)}
	p.ring.SetRestart(stage, req)
	return <-req.Done
}

// DeclareJointTermination records stage i's joint-termination
// declaration and reports the current high-water mark plus whether every
// stage of the pipeline has now declared. The count covers all stages,
// whether or not their plugin implements plugin.JointTerminating.
func (p *Pipeline) DeclareJointTermination(stage int, atPacket uint64) (highWater uint64, allDeclared bool) {
	return p.term.Declare(stage, atPacket)
}

func msToDuration(ms DurationMS) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
