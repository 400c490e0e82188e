package psimerge

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

// Plugin adapts a Merger to plugin.ProcessorPlugin: the main pipeline's
// packets are passed through Merger.ProcessMain (substituting merged PSI
// in place), while the merge-side packets are read from a second source
// (a file or a UDP socket, named on the command line) by a background
// reader goroutine feeding Merger.ProcessMerge.
type Plugin struct {
	log *slog.Logger

	merger *Merger
	cfg    Config

	mergeSource string // "file:<path>" or "udp:<addr>"
	closer      io.Closer
	wg          sync.WaitGroup
	stop        chan struct{}
}

// NewPlugin creates an unstarted merge Plugin; Start parses the
// command-line arguments for one executor instance.
func NewPlugin(logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{log: logger.With("component", "psimerge")}
}

// Start parses this executor's plugin arguments and opens the merge-side
// source. Recognized flags: --merge-file, --merge-udp, --merge-pat,
// --merge-cat, --merge-nit, --merge-sdt, --merge-bat, --merge-eit,
// --keep-main-tdt, --keep-merge-tdt, --main-tsid, --eit-backlog.
func (p *Plugin) Start(args []string) error {
	fs := pflag.NewFlagSet("merge", pflag.ContinueOnError)
	file := fs.String("merge-file", "", "read the merge-side TS stream from this file")
	udp := fs.String("merge-udp", "", "read the merge-side TS stream from this UDP address")
	mergePAT := fs.Bool("merge-pat", true, "merge the PAT")
	mergeCAT := fs.Bool("merge-cat", true, "merge the CAT")
	mergeNIT := fs.Bool("merge-nit", true, "merge the NIT")
	mergeSDT := fs.Bool("merge-sdt", true, "merge the SDT")
	mergeBAT := fs.Bool("merge-bat", true, "merge the BAT")
	mergeEIT := fs.Bool("merge-eit", true, "merge EIT sections")
	keepMainTDT := fs.Bool("keep-main-tdt", true, "keep the main side's TDT/TOT")
	keepMergeTDT := fs.Bool("keep-merge-tdt", false, "keep the merge side's TDT/TOT instead")
	mainTSID := fs.Uint16("main-tsid", 0, "transport_stream_id to stamp on the merged output")
	eitBacklog := fs.Int("eit-backlog", DefaultEITBacklog, "bounded EIT FIFO depth")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("psimerge: %w", err)
	}
	if *file == "" && *udp == "" {
		return fmt.Errorf("psimerge: one of --merge-file or --merge-udp is required")
	}

	var opts Options
	if *mergePAT {
		opts |= MergePAT
	}
	if *mergeCAT {
		opts |= MergeCAT
	}
	if *mergeNIT {
		opts |= MergeNIT
	}
	if *mergeSDT {
		opts |= MergeSDT
	}
	if *mergeBAT {
		opts |= MergeBAT
	}
	if *mergeEIT {
		opts |= MergeEIT
	}
	if *keepMainTDT {
		opts |= KeepMainTDT
	}
	if *keepMergeTDT {
		opts |= KeepMergeTDT
	}

	p.cfg = Config{Options: opts, EITBacklog: *eitBacklog, MainTSID: *mainTSID, Logger: p.log}
	p.merger = New(p.cfg)

	if *file != "" {
		p.mergeSource = "file:" + *file
	} else {
		p.mergeSource = "udp:" + *udp
	}
	return p.openMergeSource()
}

func (p *Plugin) openMergeSource() error {
	kind, addr, _ := cutSource(p.mergeSource)
	switch kind {
	case "file":
		f, err := os.Open(addr)
		if err != nil {
			return fmt.Errorf("psimerge: open merge file: %w", err)
		}
		p.closer = f
		p.startReader(bufio.NewReader(f))
	case "udp":
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("psimerge: resolve merge udp address: %w", err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("psimerge: listen merge udp: %w", err)
		}
		p.closer = conn
		p.startReader(bufio.NewReader(conn))
	default:
		return fmt.Errorf("psimerge: unknown merge source %q", p.mergeSource)
	}
	return nil
}

func cutSource(s string) (kind, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", s, false
}

// startReader launches the background goroutine that reads fixed-size TS
// packets off r and feeds them to Merger.ProcessMerge until EOF or Stop.
func (p *Plugin) startReader(r *bufio.Reader) {
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var buf [tspacket.Size]byte
		for {
			select {
			case <-p.stop:
				return
			default:
			}
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				if err != io.EOF {
					p.log.Error("psimerge: merge-side read error", "error", err)
				}
				return
			}
			pkt := tspacket.Packet(buf)
			p.merger.ProcessMerge(&pkt)
		}
	}()
}

// Stop halts the background merge-side reader and releases its source.
func (p *Plugin) Stop() error {
	if p.stop != nil {
		close(p.stop)
	}
	var err error
	if p.closer != nil {
		err = p.closer.Close()
	}
	p.wg.Wait()
	return err
}

// Bitrate reports no opinion; the engine derives the merged output's
// bitrate from the main stream exactly as it would without merging.
func (p *Plugin) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }

// WindowSize is 0: the merge substitution runs in per-packet mode.
func (p *Plugin) WindowSize() int { return 0 }

// ProcessPacket runs the main-side substitution and always keeps the
// packet (spec.md §4.7 never drops main-stream packets).
func (p *Plugin) ProcessPacket(pkt *tspacket.Packet, _ *tspacket.Metadata) plugin.Result {
	p.merger.ProcessMain(pkt)
	return plugin.ResultOK
}

// ProcessWindow is never called: WindowSize reports per-packet mode.
func (p *Plugin) ProcessWindow(w *plugin.PacketWindow) (int, error) {
	return w.Len(), nil
}
