package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// MonitorConfig configures the optional observability surface of
// SPEC_FULL.md §1.5's --monitor flag family: a gRPC stats stream for
// long-lived watchers plus a JSON HTTP mirror for curl/load-balancer
// health checks. Either address left empty disables that half of the
// surface; both empty makes ListenAndServe a no-op.
type MonitorConfig struct {
	GRPCAddr     string
	HTTPAddr     string
	PollInterval time.Duration // StreamStats push cadence, default time.Second
}

// DefaultPollInterval is used when MonitorConfig.PollInterval is zero.
const DefaultPollInterval = time.Second

// StageStats is one pipeline stage's snapshot, read off the shared ring
// buffer's per-executor bookkeeping (internal/ringbuffer.Buffer.Stats).
type StageStats struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	QueueDepth        int     `json:"queue_depth"`
	BitrateBPS        uint64  `json:"bitrate_bps"`
	BitrateConfidence string  `json:"bitrate_confidence"`
	Suspended         bool    `json:"suspended"`
	Aborted           bool    `json:"aborted"`
	Dropped           uint64  `json:"dropped"`
}

// PipelineStats is one point-in-time sample of a running pipeline plus
// the host resource figures gopsutil reports for the process's machine.
type PipelineStats struct {
	PipelineID         string       `json:"pipeline_id"`
	RingSize           int          `json:"ring_size"`
	Stages             []StageStats `json:"stages"`
	HostCPUPercent     float64      `json:"host_cpu_percent"`
	HostMemUsedPercent float64      `json:"host_mem_used_percent"`
	SampledAt          time.Time    `json:"sampled_at"`
}

// collectStats snapshots pipeline's stage table and the host's current
// CPU/memory load. gopsutil errors (e.g. no /proc on this platform) are
// logged and leave the corresponding field at zero rather than aborting
// the sample.
func collectStats(ctx context.Context, pipeline Pipeline, logger *slog.Logger) PipelineStats {
	ring := pipeline.Ring()
	stages := make([]StageStats, pipeline.NumStages())
	for i := range stages {
		st := ring.Stats(i)
		stages[i] = StageStats{
			Index:             i,
			Name:              pipeline.StageName(i),
			QueueDepth:        st.Count,
			BitrateBPS:        st.Bitrate.BitsPerSecond,
			BitrateConfidence: st.Bitrate.Confidence.String(),
			Suspended:         st.Suspended,
			Aborted:           st.Aborted,
			Dropped:           pipeline.DroppedPackets(i),
		}
	}

	snap := PipelineStats{
		PipelineID: pipeline.ID(),
		RingSize:   ring.Size(),
		Stages:     stages,
		SampledAt:  time.Now(),
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		logger.Debug("monitor: cpu.Percent failed", "error", err)
	} else if len(pct) > 0 {
		snap.HostCPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.Debug("monitor: mem.VirtualMemory failed", "error", err)
	} else {
		snap.HostMemUsedPercent = vm.UsedPercent
	}
	return snap
}

// toStruct converts s to a structpb.Struct, the wire message carried by
// the gRPC stream. structpb stands in for a protoc-generated message
// type here: it is a genuine, already-registered google.golang.org/protobuf
// message, so StreamStats gets a real typed proto.Message without a
// .proto/protoc step in the build.
func (s PipelineStats) toStruct() (*structpb.Struct, error) {
	stages := make([]any, len(s.Stages))
	for i, st := range s.Stages {
		stages[i] = map[string]any{
			"index":              float64(st.Index),
			"name":               st.Name,
			"queue_depth":        float64(st.QueueDepth),
			"bitrate_bps":        float64(st.BitrateBPS),
			"bitrate_confidence": st.BitrateConfidence,
			"suspended":          st.Suspended,
			"aborted":            st.Aborted,
			"dropped":            float64(st.Dropped),
		}
	}
	return structpb.NewStruct(map[string]any{
		"pipeline_id":           s.PipelineID,
		"ring_size":             float64(s.RingSize),
		"stages":                stages,
		"host_cpu_percent":      s.HostCPUPercent,
		"host_mem_used_percent": s.HostMemUsedPercent,
		"sampled_at":            s.SampledAt.Format(time.RFC3339Nano),
	})
}

// monitorServiceServer is the hand-written equivalent of a protoc-gen-go-grpc
// server interface for a single server-streaming RPC.
type monitorServiceServer interface {
	StreamStats(*emptypb.Empty, grpc.ServerStream) error
}

func streamStatsHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(monitorServiceServer).StreamStats(req, stream)
}

// monitorServiceDesc registers tsproc.control.MonitorService/StreamStats
// directly against grpc.Server, bypassing protoc-gen-go-grpc codegen
// (see toStruct's comment on why structpb carries the payload instead of
// a generated message type).
var monitorServiceDesc = grpc.ServiceDesc{
	ServiceName: "tsproc.control.MonitorService",
	HandlerType: (*monitorServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamStats",
			Handler:       streamStatsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "internal/control/monitor.go",
}

type monitorServer struct {
	pipeline     Pipeline
	logger       *slog.Logger
	pollInterval time.Duration
}

func (m *monitorServer) StreamStats(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			msg, err := collectStats(ctx, m.pipeline, m.logger).toStruct()
			if err != nil {
				return fmt.Errorf("monitor: encoding stats sample: %w", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Monitor runs the gRPC stats stream and the JSON HTTP mirror side by
// side, torn down together when its context is canceled.
type Monitor struct {
	cfg      MonitorConfig
	pipeline Pipeline
	logger   *slog.Logger
}

// NewMonitor builds a Monitor for pipeline. logger defaults to
// slog.Default() and cfg.PollInterval to DefaultPollInterval.
func NewMonitor(cfg MonitorConfig, pipeline Pipeline, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, pipeline: pipeline, logger: logger.With("component", "monitor")}
}

// ListenAndServe starts whichever of the gRPC/HTTP surfaces has a
// configured address and blocks until ctx is canceled or one of them
// fails. A Monitor with both addresses empty returns nil immediately.
func (m *Monitor) ListenAndServe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	started := false
	if m.cfg.GRPCAddr != "" {
		started = true
		g.Go(func() error { return m.serveGRPC(gctx) })
	}
	if m.cfg.HTTPAddr != "" {
		started = true
		g.Go(func() error { return m.serveHTTP(gctx) })
	}
	if !started {
		return nil
	}
	return g.Wait()
}

func (m *Monitor) serveGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", m.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("monitor: grpc listen %s: %w", m.cfg.GRPCAddr, err)
	}
	srv := grpc.NewServer()
	srv.RegisterService(&monitorServiceDesc, &monitorServer{pipeline: m.pipeline, logger: m.logger, pollInterval: m.cfg.PollInterval})

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	m.logger.Info("monitor: grpc stats stream listening", "address", m.cfg.GRPCAddr)
	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("monitor: grpc serve: %w", err)
	}
	return nil
}

// router builds the /healthz and /stats handlers, split out from
// serveHTTP so tests can exercise it via httptest without binding a
// real listener.
func (m *Monitor) router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		snap := collectStats(req.Context(), m.pipeline, m.logger)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			m.logger.Warn("monitor: encoding /stats response failed", "error", err)
		}
	})
	return r
}

func (m *Monitor) serveHTTP(ctx context.Context) error {
	srv := &http.Server{Addr: m.cfg.HTTPAddr, Handler: m.router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("monitor: http stats endpoint listening", "address", m.cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor: http serve: %w", err)
	}
	return nil
}
