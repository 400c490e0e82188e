// Package ioplugins provides the minimal file and UDP input/output
// plugins every pipeline needs to be runnable. spec.md treats most
// plugin implementations (SRT, DVB tuners, HiDes modulators, ...) as
// external collaborators out of scope, but a transport-stream engine
// with no way to actually read or write a stream isn't testable, so
// this package grounds the two universal cases (plain files and UDP
// multicast/unicast) in the same raw-packet bufio idiom already used by
// internal/psimerge, internal/pcrmerge and internal/insertion's own
// stream readers.
package ioplugins

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// FileInput reads packets sequentially from a file, optionally looping.
type FileInput struct {
	f      *os.File
	r      *bufio.Reader
	path   string
	repeat bool
}

// NewFileInput creates an unstarted file input plugin.
func NewFileInput() *FileInput { return &FileInput{} }

// Start recognizes --file (required) and --repeat (loop at EOF instead
// of signaling end of input).
func (p *FileInput) Start(args []string) error {
	fs := pflag.NewFlagSet("file-input", pflag.ContinueOnError)
	path := fs.String("file", "", "input file to read packets from")
	repeat := fs.Bool("repeat", false, "re-open and loop the file instead of ending at EOF")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("file input: %w", err)
	}
	if *path == "" {
		return fmt.Errorf("file input: --file is required")
	}
	f, err := os.Open(*path)
	if err != nil {
		return fmt.Errorf("file input: open %s: %w", *path, err)
	}
	p.f = f
	p.r = bufio.NewReaderSize(f, tspacket.Size*256)
	p.path = *path
	p.repeat = *repeat
	return nil
}

// Stop closes the underlying file.
func (p *FileInput) Stop() error {
	if p.f == nil {
		return nil
	}
	return p.f.Close()
}

// Bitrate reports no opinion; the engine estimates bitrate from PCR (or,
// failing that, DTS) timestamps instead.
func (p *FileInput) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }

// Receive fills buf with up to len(buf) packets read sequentially from
// the file, reopening from the start on EOF when --repeat is set.
func (p *FileInput) Receive(buf []tspacket.Packet, meta []tspacket.Metadata) (n int, end bool, err error) {
	for n < len(buf) {
		if _, rerr := io.ReadFull(p.r, buf[n][:]); rerr != nil {
			if rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
				return n, false, fmt.Errorf("file input: read %s: %w", p.path, rerr)
			}
			if !p.repeat {
				return n, true, nil
			}
			if _, serr := p.f.Seek(0, io.SeekStart); serr != nil {
				return n, false, fmt.Errorf("file input: rewind %s: %w", p.path, serr)
			}
			p.r.Reset(p.f)
			continue
		}
		meta[n].Reset()
		n++
	}
	return n, false, nil
}

// FileOutput appends packets to a file, creating it if necessary.
type FileOutput struct {
	f *os.File
	w *bufio.Writer
}

// NewFileOutput creates an unstarted file output plugin.
func NewFileOutput() *FileOutput { return &FileOutput{} }

// Start recognizes --file (required) and --append (open for append
// instead of truncating).
func (p *FileOutput) Start(args []string) error {
	fs := pflag.NewFlagSet("file-output", pflag.ContinueOnError)
	path := fs.String("file", "", "output file to write packets to")
	appendMode := fs.Bool("append", false, "append instead of truncating an existing file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("file output: %w", err)
	}
	if *path == "" {
		return fmt.Errorf("file output: --file is required")
	}
	flags := os.O_WRONLY | os.O_CREATE
	if *appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(*path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("file output: open %s: %w", *path, err)
	}
	p.f = f
	p.w = bufio.NewWriterSize(f, tspacket.Size*256)
	return nil
}

// Stop flushes buffered output and closes the file.
func (p *FileOutput) Stop() error {
	if p.f == nil {
		return nil
	}
	ferr := p.w.Flush()
	cerr := p.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Bitrate reports no opinion.
func (p *FileOutput) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }

// Send writes every packet in pkts to the file in order.
func (p *FileOutput) Send(pkts []tspacket.Packet, _ []tspacket.Metadata) error {
	for i := range pkts {
		if _, err := p.w.Write(pkts[i][:]); err != nil {
			return fmt.Errorf("file output: write: %w", err)
		}
	}
	return nil
}
