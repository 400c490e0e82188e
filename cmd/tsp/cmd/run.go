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

	"github.com/gotsp/tsproc/internal/config"
	"github.com/gotsp/tsproc/internal/control"
	"github.com/gotsp/tsproc/internal/insertion"
	"github.com/gotsp/tsproc/internal/ioplugins"
	"github.com/gotsp/tsproc/internal/observability"
	"github.com/gotsp/tsproc/internal/pcrmerge"
	"github.com/gotsp/tsproc/internal/pipeline"
	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/psimerge"
	"github.com/gotsp/tsproc/internal/stuffing"
	"github.com/gotsp/tsproc/internal/tserr"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// runCmd drives one tsp pipeline, parsed from spec.md §6's
// `[global-opts] -I input [opts] -P proc [opts] ... -O output [opts]`
// grammar. Flag parsing is disabled at the cobra layer because that
// grammar repeats -I/-P/-O and lets each plugin own its own flag
// namespace, which cobra/pflag's single flat FlagSet can't express.
var runCmd = &cobra.Command{
	Use:                "run -- [global-opts] -I input [opts] -P proc [opts] ... -O output [opts]",
	Short:              "Run a transport-stream processing pipeline",
	Long:               runCmdLong,
	DisableFlagParsing: true,
	RunE:               runRun,
}

const runCmdLong = `run builds and executes a tsp pipeline from an ordered plugin chain.

Built-in input plugins:  file, udp
Built-in output plugins: file, udp
Built-in processor plugins: psimerge, pcrmerge, insertion

Example:
  tsp run -- -I file --file in.ts -P pcrmerge --pmt 256=257,258 -O file --file out.ts`

func init() {
	rootCmd.AddCommand(runCmd)
}

// chainStage is one -I/-P/-O segment of the raw plugin chain before it
// is resolved against the registries.
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

	logger := slog.Default().With("component", "tsp")

	specs, err := resolveStages(stages, logger)
	if err != nil {
		return err
	}
	if len(specs) >= 2 && (g.stuffKN[0] > 0 || g.stuffStart > 0 || g.stuffStop > 0) {
		wrapInputStuffing(&specs[0], g)
	}

	p, err := pipeline.New(specs, pipeline.Options{
		BufferSize:        int(g.bufferSize.Int64() / tspacket.Size),
		ReceiveTimeout:    pipeline.DurationMS(g.receiveTimeoutMS),
		MaxFlushedPackets: g.maxFlushedPackets,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ctl *control.Server
	if g.controlPort != 0 {
		ctl, err = startControlServer(ctx, p, g, logger)
		if err != nil {
			return err
		}
		defer ctl.Close()
	}

	if g.realtime {
		logger.Debug("tsp: real-time scheduling requested; no OS scheduling hook is wired on this platform")
	}
	if g.monitor {
		startMonitor(ctx, p, g, logger)
	}

	logger.Info("tsp: pipeline starting", "id", p.ID(), "stages", p.NumStages())
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}
	logger.Info("tsp: pipeline finished", "id", p.ID())
	return nil
}

// splitChain separates the leading global options from the -I/-P/-O
// plugin chain and splits the chain into per-stage argument lists.
func splitChain(args []string) (globalArgs []string, stages []chainStage, err error) {
	i := 0
	for i < len(args) && args[i] != "-I" && args[i] != "-P" && args[i] != "-O" {
		i++
	}
	globalArgs = args[:i]

	for i < len(args) {
		marker := args[i]
		var kind plugin.Kind
		switch marker {
		case "-I":
			kind = plugin.KindInput
		case "-P":
			kind = plugin.KindProcessor
		case "-O":
			kind = plugin.KindOutput
		default:
			return nil, nil, tserr.NewConfigurationError("chain", fmt.Sprintf("expected -I, -P or -O, got %q", marker))
		}
		i++
		if i >= len(args) {
			return nil, nil, tserr.NewConfigurationError("chain", fmt.Sprintf("%s requires a plugin name", marker))
		}
		name := args[i]
		i++
		start := i
		for i < len(args) && args[i] != "-I" && args[i] != "-P" && args[i] != "-O" {
			i++
		}
		stages = append(stages, chainStage{kind: kind, name: name, args: append([]string(nil), args[start:i]...)})
	}

	if len(stages) < 2 {
		return nil, nil, tserr.NewConfigurationError("chain", "a pipeline needs at least one -I input and one -O output")
	}
	if stages[0].kind != plugin.KindInput {
		return nil, nil, tserr.NewConfigurationError("chain", "the first stage must be -I")
	}
	if stages[len(stages)-1].kind != plugin.KindOutput {
		return nil, nil, tserr.NewConfigurationError("chain", "the last stage must be -O")
	}
	return globalArgs, stages, nil
}

// globalFlags holds the parsed form of spec.md §6's tsp-level options.
type globalFlags struct {
	bufferSize        config.ByteSize
	bitrateAdjustMS   int
	maxFlushedPackets int
	receiveTimeoutMS  int
	finalWaitMS       int
	controlPort       int
	controlLocal      string
	controlSources    []string
	controlTimeoutMS  int
	controlReuse      bool
	stuffKN           [2]int
	stuffStart        int
	stuffStop         int
	realtime          bool
	logPluginIndex    bool
	monitor           bool
	monitorGRPCAddr   string
	monitorHTTPAddr   string
	bitrateOverride   uint64
}

func parseGlobalFlags(args []string) (*globalFlags, error) {
	defaults, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("loading default configuration: %w", err)
	}

	fs := pflag.NewFlagSet("tsp", pflag.ContinueOnError)
	bufferSizeMB := fs.Int("buffer-size-mb", int(defaults.Engine.BufferSize.Int64()/(1024*1024)), "shared packet buffer size in megabytes")
	bitrateAdjustMS := fs.Int("bitrate-adjust-interval", int(defaults.Engine.BitrateAdjustInterval.Duration().Milliseconds()), "milliseconds between bitrate re-estimates (parsed but not applied to the pipeline)")
	maxFlushedPackets := fs.Int("max-flushed-packets", defaults.Engine.MaxFlushedPackets, "packets a per-packet processor accumulates before a forced flush")
	receiveTimeoutMS := fs.Int("receive-timeout", int(defaults.Engine.ReceiveTimeout.Duration().Milliseconds()), "milliseconds waitWork waits before timing out, 0 = infinite")
	finalWaitMS := fs.Int("final-wait", int(defaults.Engine.FinalWait.Duration().Milliseconds()), "milliseconds to wait for executors to drain on shutdown (parsed but not applied to the pipeline)")
	controlPort := fs.Int("control-port", defaults.Control.Port, "control server TCP port, 0 = disabled")
	controlLocal := fs.String("control-local", defaults.Control.LocalAddress, "control server bind address")
	controlSources := fs.StringArray("control-source", defaults.Control.AllowSources, "allow-listed control source (repeatable)")
	controlTimeoutMS := fs.Int("control-timeout", int(defaults.Control.Timeout.Duration().Milliseconds()), "milliseconds a control command may take")
	controlReuse := fs.Bool("control-reuse", defaults.Control.ReusePort, "allow the control port to be reused across restarts (parsed but not applied to the listener)")
	stuffKN := fs.String("add-input-stuffing", "", "insert K null packets per N real packets, as \"K/N\"")
	stuffStart := fs.Int("add-start-stuffing", defaults.Stuffing.StartPackets, "null packets to insert before the first real packet")
	stuffStop := fs.Int("add-stop-stuffing", defaults.Stuffing.StopPackets, "null packets to insert after the last real packet")
	realtime := fs.Bool("realtime", defaults.Engine.Realtime, "request real-time OS scheduling where supported")
	logPluginIndex := fs.Bool("log-plugin-index", defaults.Engine.LogPluginIndex, "prefix log lines with the originating plugin's index")
	monitor := fs.Bool("monitor", defaults.Monitor.Enabled, "enable the gRPC/HTTP monitor surface")
	monitorGRPCAddr := fs.String("monitor-grpc-addr", defaults.Monitor.GRPCAddr, "gRPC stats stream bind address")
	monitorHTTPAddr := fs.String("monitor-http-addr", defaults.Monitor.HTTPAddr, "JSON /stats and /healthz bind address")
	bitrateOverride := fs.Uint64("bitrate", defaults.Engine.BitrateOverride, "force the input bitrate instead of estimating it, in bits/sec (parsed but not applied to the pipeline)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing global options: %w", err)
	}

	g := &globalFlags{
		bufferSize:        config.ByteSize(int64(*bufferSizeMB) * 1024 * 1024),
		bitrateAdjustMS:   *bitrateAdjustMS,
		maxFlushedPackets: *maxFlushedPackets,
		receiveTimeoutMS:  *receiveTimeoutMS,
		finalWaitMS:       *finalWaitMS,
		controlPort:       *controlPort,
		controlLocal:      *controlLocal,
		controlSources:    *controlSources,
		controlTimeoutMS:  *controlTimeoutMS,
		controlReuse:      *controlReuse,
		stuffStart:        *stuffStart,
		stuffStop:         *stuffStop,
		realtime:          *realtime,
		logPluginIndex:    *logPluginIndex,
		monitor:           *monitor,
		monitorGRPCAddr:   *monitorGRPCAddr,
		monitorHTTPAddr:   *monitorHTTPAddr,
		bitrateOverride:   *bitrateOverride,
	}
	if *stuffKN != "" {
		var k, n int
		if _, serr := fmt.Sscanf(*stuffKN, "%d/%d", &k, &n); serr != nil {
			return nil, tserr.NewConfigurationError("add-input-stuffing", fmt.Sprintf("expected K/N, got %q", *stuffKN))
		}
		g.stuffKN = [2]int{k, n}
	}
	return g, nil
}

func wrapInputStuffing(spec *pipeline.StageSpec, g *globalFlags) {
	if in, ok := spec.Plugin.(plugin.InputPlugin); ok {
		spec.Plugin = stuffing.Wrap(in, stuffing.Config{
			StartPackets: g.stuffStart,
			StopPackets:  g.stuffStop,
			CycleNull:    g.stuffKN[0],
			CycleInput:   g.stuffKN[1],
		})
	}
}

// resolveStages constructs and starts one plugin instance per chain
// stage from the built-in registries, returning pipeline.StageSpecs
// ready for pipeline.New. internal/plugin.Executor expects a plugin to
// already be running when handed to it — its own Start(args) calls are
// reserved for later restarts — so run.go, as the owner of each
// plugin's CLI args, is responsible for the initial Start here.
func resolveStages(stages []chainStage, logger *slog.Logger) ([]pipeline.StageSpec, error) {
	specs := make([]pipeline.StageSpec, 0, len(stages))
	for _, st := range stages {
		p, err := newPlugin(st.kind, st.name, logger)
		if err != nil {
			return nil, err
		}
		if err := p.Start(st.args); err != nil {
			return nil, fmt.Errorf("%w: starting %s plugin %q: %v", tserr.ErrPluginStart, st.kind, st.name, err)
		}
		specs = append(specs, pipeline.StageSpec{Kind: st.kind, Name: st.name, Plugin: p, Args: st.args})
	}
	return specs, nil
}

func newPlugin(kind plugin.Kind, name string, logger *slog.Logger) (plugin.Plugin, error) {
	switch kind {
	case plugin.KindInput:
		switch name {
		case "file":
			return ioplugins.NewFileInput(), nil
		case "udp":
			return ioplugins.NewUDPInput(), nil
		}
	case plugin.KindProcessor:
		switch name {
		case "psimerge":
			return psimerge.NewPlugin(logger), nil
		case "pcrmerge":
			return pcrmerge.NewPlugin(), nil
		case "insertion":
			return insertion.NewPlugin(logger), nil
		}
	case plugin.KindOutput:
		switch name {
		case "file":
			return ioplugins.NewFileOutput(), nil
		case "udp":
			return ioplugins.NewUDPOutput(), nil
		}
	}
	return nil, tserr.NewConfigurationError(kind.String(), fmt.Sprintf("no built-in %s plugin named %q", kind, name))
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func startControlServer(ctx context.Context, p *pipeline.Pipeline, g *globalFlags, logger *slog.Logger) (*control.Server, error) {
	addr := fmt.Sprintf("%s:%d", g.controlLocal, g.controlPort)
	srv, err := control.New(control.Config{
		Address:        addr,
		AllowSources:   g.controlSources,
		CommandTimeout: msDuration(g.controlTimeoutMS),
	}, p, func(level string) error {
		observability.SetLogLevel(level)
		return nil
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("starting control server: %w", err)
	}
	go func() {
		if lerr := srv.ListenAndServe(ctx); lerr != nil {
			logger.Error("tsp: control server stopped", "error", lerr)
		}
	}()
	return srv, nil
}

// startMonitor launches the --monitor gRPC/HTTP surface in the
// background. It never fails run.go's own startup: a bind error is
// logged and the pipeline runs without the surface, matching
// startControlServer's "own goroutine, own error handling" shape but
// without the early-return since nothing downstream depends on it.
func startMonitor(ctx context.Context, p *pipeline.Pipeline, g *globalFlags, logger *slog.Logger) {
	mon := control.NewMonitor(control.MonitorConfig{
		GRPCAddr: g.monitorGRPCAddr,
		HTTPAddr: g.monitorHTTPAddr,
	}, p, logger)
	go func() {
		if err := mon.ListenAndServe(ctx); err != nil {
			logger.Error("tsp: monitor surface stopped", "error", err)
		}
	}()
}
