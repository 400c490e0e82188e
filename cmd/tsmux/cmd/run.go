package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/config"
	"github.com/gotsp/tsproc/internal/ioplugins"
	"github.com/gotsp/tsproc/internal/platform"
	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/tserr"
	"github.com/gotsp/tsproc/internal/tsmux"
	"github.com/gotsp/tsproc/internal/tspacket"
	"github.com/gotsp/tsproc/internal/tsqueue"
)

// runCmd drives one tsmux instance, parsed from a `[global-opts] -I
// input [opts] -I input [opts] ... -O output [opts]` grammar: one or
// more named inputs feeding internal/tsmux.Muxer, one output draining
// it. Flag parsing is disabled at the cobra layer for the same reason
// as cmd/tsp's run command: -I repeats and each plugin owns its own
// flag namespace.
var runCmd = &cobra.Command{
	Use:                "run -- [global-opts] -I input [opts] -I input [opts] ... -O output [opts]",
	Short:              "Run a tsmux multiplexer instance",
	Long:               runCmdLong,
	DisableFlagParsing: true,
	RunE:               runRun,
}

const runCmdLong = `run builds and executes a tsmux instance from two or more
named plugin stages: at least one -I input and exactly one -O output.

Built-in input plugins:  file, udp
Built-in output plugins: file, udp

Example:
  tsmux run -- --output-bitrate 20000000 \
    -I udp --udp 239.1.1.1:5000 -I file --file b.ts --repeat \
    -O udp --udp 239.1.1.2:5000`

func init() {
	rootCmd.AddCommand(runCmd)
}

// chainStage is one -I/-O segment of the raw plugin chain before it is
// resolved against the registries.
type chainStage struct {
	kind plugin.Kind
	name string
	args []string
}

func runRun(_ *cobra.Command, args []string) error {
	globalArgs, stages, err := splitChain(args)
	if err != nil {
		return err
	}

	g, err := parseGlobalFlags(globalArgs)
	if err != nil {
		return err
	}

	logger := slog.Default().With("component", "tsmux")

	outputBitrate := bitrate.Zero
	if g.outputBitrate > 0 {
		outputBitrate = bitrate.Value{BitsPerSecond: g.outputBitrate, Confidence: bitrate.Override}
	}
	mux := tsmux.New(tsmux.Config{
		CycleInterval:   g.cycleInterval,
		OutputBitrate:   outputBitrate,
		IgnoreConflicts: g.ignoreConflicts,
		Logger:          logger,
	})

	inputs := make([]*runningInput, 0, len(stages)-1)
	var output *runningOutput
	for _, st := range stages {
		switch st.kind {
		case plugin.KindInput:
			in, err := newInputPlugin(st.name)
			if err != nil {
				return err
			}
			if err := in.Start(st.args); err != nil {
				return fmt.Errorf("%w: starting input plugin %q: %v", tserr.ErrPluginStart, st.name, err)
			}
			q := tsqueue.New(g.queueDepth)
			idx := mux.AddInput(q)
			inputs = append(inputs, &runningInput{plugin: in, queue: q, index: idx, name: st.name})
		case plugin.KindOutput:
			out, err := newOutputPlugin(st.name)
			if err != nil {
				return err
			}
			if err := out.Start(st.args); err != nil {
				return fmt.Errorf("%w: starting output plugin %q: %v", tserr.ErrPluginStart, st.name, err)
			}
			output = &runningOutput{plugin: out, name: st.name}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("tsmux: starting", "inputs", len(inputs), "output", output.name)
	err = runMux(ctx, mux, inputs, output, g.cycleInterval, logger)

	for _, in := range inputs {
		in.plugin.Stop()
	}
	output.plugin.Stop()

	if err != nil {
		return fmt.Errorf("running tsmux: %w", err)
	}
	logger.Info("tsmux: finished")
	return nil
}

// runningInput pairs a started input plugin with the tsqueue.Queue and
// Muxer input index it feeds.
type runningInput struct {
	plugin plugin.InputPlugin
	queue  *tsqueue.Queue
	index  int
	name   string
}

// runningOutput is the single started output plugin draining the Muxer.
type runningOutput struct {
	plugin plugin.OutputPlugin
	name   string
}

// runMux spawns one feeder goroutine per input (reading from the plugin,
// folding PSI through mux.ObserveInputPacket, and queueing the raw
// packet) plus one drain goroutine that calls mux.RunCycle on
// cfg.CycleInterval and sends whatever it returns to the output plugin.
// It blocks until ctx is canceled or a feeder/drain goroutine returns an
// error, per the same errgroup shutdown shape as internal/pipeline.Run.
func runMux(ctx context.Context, mux *tsmux.Muxer, inputs []*runningInput, output *runningOutput, cycleInterval time.Duration, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, in := range inputs {
		in := in
		g.Go(func() error {
			return feedInput(gctx, mux, in, logger)
		})
	}

	g.Go(func() error {
		return drainOutput(gctx, mux, output, cycleInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		for _, in := range inputs {
			in.queue.Stop()
		}
		return nil
	})

	return g.Wait()
}

const feedBatch = 256

func feedInput(ctx context.Context, mux *tsmux.Muxer, in *runningInput, logger *slog.Logger) error {
	buf := make([]tspacket.Packet, feedBatch)
	meta := make([]tspacket.Metadata, feedBatch)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, end, err := in.plugin.Receive(buf, meta)
		if err != nil {
			return fmt.Errorf("input %q: %w", in.name, err)
		}
		for i := 0; i < n; i++ {
			if oerr := mux.ObserveInputPacket(in.index, &buf[i]); oerr != nil {
				return fmt.Errorf("input %q: %w", in.name, oerr)
			}
		}
		if err := enqueue(in.queue, buf[:n]); err != nil {
			return nil // queue stopped, a sibling goroutine is already shutting down
		}
		if end {
			in.queue.SetEOF()
			logger.Info("tsmux: input reached end of stream", "input", in.name)
			return nil
		}
	}
}

// enqueue copies pkts into q in one or more LockWriteBuffer/ReleaseWriteBuffer
// rounds, since a single WriteArea may be shorter than len(pkts) when the
// free region wraps past the end of the backing array.
func enqueue(q *tsqueue.Queue, pkts []tspacket.Packet) error {
	for len(pkts) > 0 {
		area, ok := q.LockWriteBuffer(1)
		if !ok {
			return fmt.Errorf("queue stopped")
		}
		n := copy(area.Packets, pkts)
		q.ReleaseWriteBuffer(area, n)
		pkts = pkts[n:]
	}
	return nil
}

func drainOutput(ctx context.Context, mux *tsmux.Muxer, output *runningOutput, cycleInterval time.Duration) error {
	start := platform.MonotonicNow()
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			elapsed := uint64(platform.MonotonicNow().Sub(start).Nanoseconds())
			pkts := mux.RunCycle(ctx, elapsed)
			if len(pkts) == 0 {
				continue
			}
			if err := output.plugin.Send(pkts, make([]tspacket.Metadata, len(pkts))); err != nil {
				return fmt.Errorf("output %q: %w", output.name, err)
			}
		}
	}
}

// splitChain separates the leading global options from the -I/-O plugin
// chain and splits the chain into per-stage argument lists.
func splitChain(args []string) (globalArgs []string, stages []chainStage, err error) {
	i := 0
	for i < len(args) && args[i] != "-I" && args[i] != "-O" {
		i++
	}
	globalArgs = args[:i]

	for i < len(args) {
		marker := args[i]
		var kind plugin.Kind
		switch marker {
		case "-I":
			kind = plugin.KindInput
		case "-O":
			kind = plugin.KindOutput
		default:
			return nil, nil, tserr.NewConfigurationError("chain", fmt.Sprintf("expected -I or -O, got %q", marker))
		}
		i++
		if i >= len(args) {
			return nil, nil, tserr.NewConfigurationError("chain", fmt.Sprintf("%s requires a plugin name", marker))
		}
		name := args[i]
		i++
		start := i
		for i < len(args) && args[i] != "-I" && args[i] != "-O" {
			i++
		}
		stages = append(stages, chainStage{kind: kind, name: name, args: append([]string(nil), args[start:i]...)})
	}

	inputs, outputs := 0, 0
	for _, st := range stages {
		if st.kind == plugin.KindInput {
			inputs++
		} else {
			outputs++
		}
	}
	if inputs < 1 {
		return nil, nil, tserr.NewConfigurationError("chain", "tsmux needs at least one -I input")
	}
	if outputs != 1 {
		return nil, nil, tserr.NewConfigurationError("chain", "tsmux needs exactly one -O output")
	}
	return globalArgs, stages, nil
}

// globalFlags holds the parsed form of tsmux's global options, sourced
// from internal/config.MuxConfig defaults the same way cmd/tsp's
// run.go seeds its own globalFlags from config.Load.
type globalFlags struct {
	outputBitrate   uint64
	cycleInterval   time.Duration
	ignoreConflicts bool
	queueDepth      int
}

func parseGlobalFlags(args []string) (*globalFlags, error) {
	defaults, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("loading default configuration: %w", err)
	}

	fs := pflag.NewFlagSet("tsmux", pflag.ContinueOnError)
	outputBitrate := fs.Uint64("output-bitrate", defaults.Mux.OutputBitrate, "output bitrate in bits/sec, 0 = unregulated")
	cycleInterval := fs.Duration("cycle-interval", defaults.Mux.CycleInterval.Duration(), "interval between output-cadence cycles")
	ignoreConflicts := fs.Bool("ignore-conflicts", defaults.Mux.IgnoreConflicts, "log and drop conflicting PSI entries instead of aborting")
	queueDepth := fs.Int("queue-depth", defaultQueueDepth, "per-input packet queue capacity")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing global options: %w", err)
	}

	return &globalFlags{
		outputBitrate:   *outputBitrate,
		cycleInterval:   *cycleInterval,
		ignoreConflicts: *ignoreConflicts,
		queueDepth:      *queueDepth,
	}, nil
}

const defaultQueueDepth = 4096

func newInputPlugin(name string) (plugin.InputPlugin, error) {
	switch name {
	case "file":
		return ioplugins.NewFileInput(), nil
	case "udp":
		return ioplugins.NewUDPInput(), nil
	}
	return nil, tserr.NewConfigurationError("input", fmt.Sprintf("no built-in input plugin named %q", name))
}

func newOutputPlugin(name string) (plugin.OutputPlugin, error) {
	switch name {
	case "file":
		return ioplugins.NewFileOutput(), nil
	case "udp":
		return ioplugins.NewUDPOutput(), nil
	}
	return nil, tserr.NewConfigurationError("output", fmt.Sprintf("no built-in output plugin named %q", name))
}
