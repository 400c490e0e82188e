// Package control implements the line-oriented TCP/TLS control server of
// spec.md §4.3: a single-connection-at-a-time service performing runtime
// reconfiguration (exit, set-log, list, suspend, resume, restart) of a
// running pipeline, authorized by a source-address allow-list.
package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"github.com/gotsp/tsproc/internal/ringbuffer"
	"github.com/gotsp/tsproc/internal/tserr"
)

// Pipeline is the subset of internal/pipeline.Pipeline the control
// server drives. Declared locally so internal/control does not import
// internal/pipeline's executor-construction surface, only the runtime
// control operations it needs.
type Pipeline interface {
	ID() string
	NumStages() int
	StageName(i int) string
	Suspend(stage int) error
	Resume(stage int) error
	Restart(stage int, newArgs []string, reuse bool) error
	Ring() *ringbuffer.Buffer
	DroppedPackets(stage int) uint64
}

// LevelSetter applies a new global log level, e.g. observability.GlobalLogLevel.Set.
type LevelSetter func(level string) error

// Config configures the control server.
type Config struct {
	Address        string   // host:port to listen on
	AllowSources   []string // allow-listed source IPs/CIDRs; empty = allow all
	CommandTimeout time.Duration
	TLSConfig      *tls.Config // nil = plain TCP

	// AbortFunc is invoked by `exit --abort` for an immediate process
	// exit, bypassing cooperative pipeline shutdown. Defaults to
	// os.Exit(1) if nil.
	AbortFunc func()
}

// Server is the control server. It accepts one connection at a time via
// netutil.LimitListener, matching spec.md §4.3's "accepts one connection
// at a time" contract without hand-rolled connection counting.
type Server struct {
	cfg      Config
	pipeline Pipeline
	setLevel LevelSetter
	logger   *slog.Logger
	allow    []*net.IPNet

	listener net.Listener
}

// New creates a control server bound to cfg.Address, not yet listening.
func New(cfg Config, pipeline Pipeline, setLevel LevelSetter, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nets, err := parseAllowList(cfg.AllowSources)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		setLevel: setLevel,
		logger:   logger.With("component", "control"),
		allow:    nets,
	}, nil
}

func parseAllowList(sources []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(sources))
	for _, s := range sources {
		_, n, err := net.ParseCIDR(withMask(s))
		if err != nil {
			return nil, tserr.NewConfigurationError("control.allow_sources", fmt.Sprintf("invalid source %q: %v", s, err))
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// withMask appends a /32 (or /128 for IPv6) mask to a bare IP so it
// parses as a single-address CIDR, matching the convention of
// per-address allow-lists that don't require CIDR notation.
func withMask(s string) string {
	if strings.Contains(s, "/") {
		return s
	}
	if strings.Contains(s, ":") {
		return s + "/128"
	}
	return s + "/32"
}

// authorized reports whether addr is allowed to issue commands. An empty
// allow-list means "allow all", matching a control server with no
// `--control-source` configured.
func (s *Server) authorized(addr net.Addr) bool {
	if len(s.allow) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ListenAndServe binds the listener and serves connections until ctx is
// canceled. It returns after the listener is closed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var l net.Listener
	var err error
	if s.cfg.TLSConfig != nil {
		l, err = tls.Listen("tcp", s.cfg.Address, s.cfg.TLSConfig)
	} else {
		l, err = net.Listen("tcp", s.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.cfg.Address, err)
	}
	s.listener = netutil.LimitListener(l, 1)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if !s.authorized(conn.RemoteAddr()) {
		fmt.Fprintf(conn, "error: unauthorized source %s\r\n", conn.RemoteAddr())
		s.logger.Warn("rejected unauthorized control connection", "remote", conn.RemoteAddr())
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if s.cfg.CommandTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.CommandTimeout))
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, exit := s.execute(line)
		fmt.Fprintf(conn, "%s\r\n", reply)
		if exit {
			if strings.HasPrefix(line, "exit") && strings.Contains(line, "--abort") {
				abort := s.cfg.AbortFunc
				if abort == nil {
					abort = func() { os.Exit(1) }
				}
				abort()
			}
			return
		}
	}
}

// execute runs one command line and returns the reply text and whether
// the connection should close (the `exit` command).
func (s *Server) execute(line string) (reply string, closeConn bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty command", false
	}

	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "exit":
		return "ok", true
	case "set-log":
		return s.cmdSetLog(args), false
	case "list":
		return s.cmdList(), false
	case "suspend":
		return s.cmdSuspend(args), false
	case "resume":
		return s.cmdResume(args), false
	case "restart":
		return s.cmdRestart(args), false
	default:
		return fmt.Sprintf("error: unknown command %q", cmd), false
	}
}

func (s *Server) cmdSetLog(args []string) string {
	if len(args) != 1 {
		return "error: set-log requires exactly one LEVEL argument"
	}
	if s.setLevel == nil {
		return "error: log level control not available"
	}
	if err := s.setLevel(args[0]); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

func (s *Server) cmdList() string {
	var b strings.Builder
	for i := 0; i < s.pipeline.NumStages(); i++ {
		suspendedMarker := ""
		if s.pipeline.Ring().Suspended(i) {
			suspendedMarker = " suspended"
		}
		fmt.Fprintf(&b, "%d %s%s\n", i, s.pipeline.StageName(i), suspendedMarker)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) cmdSuspend(args []string) string {
	n, err := parseStageIndex(args)
	if err != nil {
		return "error: " + err.Error()
	}
	if err := s.pipeline.Suspend(n); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (s *Server) cmdResume(args []string) string {
	n, err := parseStageIndex(args)
	if err != nil {
		return "error: " + err.Error()
	}
	if err := s.pipeline.Resume(n); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (s *Server) cmdRestart(args []string) string {
	if len(args) < 1 {
		return "error: restart requires a stage index"
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return "error: invalid stage index"
	}

	rest := args[1:]
	reuse := len(rest) == 1 && rest[0] == "--same"
	var newArgs []string
	if !reuse {
		newArgs = rest
	}

	if err := s.pipeline.Restart(n, newArgs, reuse); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func parseStageIndex(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one stage index")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid stage index %q", args[0])
	}
	return n, nil
}
