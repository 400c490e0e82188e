package insertion

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/spf13/pflag"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// Plugin adapts a Controller to plugin.ProcessorPlugin: it feeds a
// sub-stream (read from a file or UDP source named on the command line)
// into the main stream's null (stuffing) packet slots, gated by the
// Controller's bitrate-proportional decision (spec.md §4.9's "feeds
// sub-stream packets into main stream null slots under the controller's
// gate").
type Plugin struct {
	log *slog.Logger

	controller *Controller
	mainBps    uint64
	subBps     uint64

	pending chan tspacket.Packet
	closer  io.Closer
	wg      sync.WaitGroup
	stop    chan struct{}
}

// NewPlugin creates an unstarted insertion Plugin.
func NewPlugin(logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{log: logger.With("component", "insertion")}
}

// Start parses this executor's arguments. Recognized flags: --sub-file,
// --sub-udp (exactly one required), --main-bitrate, --sub-bitrate (0 =
// unknown, always inject), --reset-percent, --overflow-threshold,
// --queue-depth (the bounded read-ahead buffer for the sub-stream).
func (p *Plugin) Start(args []string) error {
	fs := pflag.NewFlagSet("insertion", pflag.ContinueOnError)
	file := fs.String("sub-file", "", "read the sub-stream to inject from this file")
	udp := fs.String("sub-udp", "", "read the sub-stream to inject from this UDP address")
	mainBps := fs.Uint64("main-bitrate", 0, "main stream bitrate in bits/sec, 0 = unknown")
	subBps := fs.Uint64("sub-bitrate", 0, "sub-stream bitrate in bits/sec, 0 = unknown")
	resetPercent := fs.Int("reset-percent", DefaultResetPercent, "bitrate deviation percent that resets accounting")
	overflowThreshold := fs.Int("overflow-threshold", DefaultOverflowThreshold, "waiting-queue depth that triggers overflow acceleration")
	queueDepth := fs.Int("queue-depth", 64, "bounded sub-stream read-ahead queue depth")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("insertion: %w", err)
	}
	if *file == "" && *udp == "" {
		return fmt.Errorf("insertion: one of --sub-file or --sub-udp is required")
	}

	p.controller = NewController()
	p.controller.mainRate.ResetPercent = *resetPercent
	p.controller.subRate.ResetPercent = *resetPercent
	p.controller.OverflowThreshold = *overflowThreshold
	p.mainBps, p.subBps = *mainBps, *subBps
	p.controller.SetMainBitRate(p.mainBps)
	p.controller.SetSubBitRate(p.subBps)

	p.pending = make(chan tspacket.Packet, *queueDepth)
	p.stop = make(chan struct{})

	var r *bufio.Reader
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("insertion: open sub-stream file: %w", err)
		}
		p.closer = f
		r = bufio.NewReader(f)
	} else {
		addr, err := net.ResolveUDPAddr("udp", *udp)
		if err != nil {
			return fmt.Errorf("insertion: resolve sub-stream udp address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("insertion: listen sub-stream udp: %w", err)
		}
		p.closer = conn
		r = bufio.NewReader(conn)
	}
	p.startReader(r)
	return nil
}

// startReader launches the background goroutine filling p.pending from
// r until EOF, Stop, or the queue is full (at which point it blocks,
// providing natural backpressure on the sub-stream source).
func (p *Plugin) startReader(r *bufio.Reader) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.pending)
		var buf [tspacket.Size]byte
		for {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				if err != io.EOF {
					p.log.Error("insertion: sub-stream read error", "error", err)
				}
				return
			}
			select {
			case p.pending <- tspacket.Packet(buf):
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop halts the background reader and releases the sub-stream source.
func (p *Plugin) Stop() error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	var err error
	if p.closer != nil {
		err = p.closer.Close()
	}
	p.wg.Wait()
	return err
}

// Bitrate reports no opinion; the main stream's bitrate is unaffected by
// injecting into its own null slots.
func (p *Plugin) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }

// WindowSize is 0: injection decisions run in per-packet mode.
func (p *Plugin) WindowSize() int { return 0 }

// ProcessPacket replaces pkt with the next queued sub-stream packet when
// it is a null (stuffing) slot and the Controller's gate says to inject.
func (p *Plugin) ProcessPacket(pkt *tspacket.Packet, _ *tspacket.Metadata) plugin.Result {
	if pkt.PID() != tspacket.NullPID {
		return plugin.ResultOK
	}
	if !p.controller.ShouldInject(len(p.pending)) {
		return plugin.ResultOK
	}
	select {
	case sub, ok := <-p.pending:
		if ok {
			*pkt = sub
		}
	default:
	}
	return plugin.ResultOK
}

// ProcessWindow is never called: WindowSize reports per-packet mode.
func (p *Plugin) ProcessWindow(w *plugin.PacketWindow) (int, error) {
	return w.Len(), nil
}
