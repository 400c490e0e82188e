package ioplugins

import (
	"os"
	"testing"

	"github.com/gotsp/tsproc/internal/tspacket"
)

func writePackets(t *testing.T, n int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "in-*.ts")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	for i := 0; i < n; i++ {
		pkt := tspacket.Null()
		pkt.SetPID(uint16(i))
		if _, err := f.Write(pkt[:]); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	return f.Name()
}

func TestFileInput_ReadsPacketsThenEnds(t *testing.T) {
	path := writePackets(t, 3)
	p := NewFileInput()
	if err := p.Start([]string{"--file", path}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	buf := make([]tspacket.Packet, 10)
	meta := make([]tspacket.Metadata, 10)
	n, end, err := p.Receive(buf, meta)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if !end {
		t.Fatal("expected end of input at EOF without --repeat")
	}
	for i := 0; i < 3; i++ {
		if buf[i].PID() != uint16(i) {
			t.Fatalf("packet %d PID = %d, want %d", i, buf[i].PID(), i)
		}
	}
}

func TestFileInput_RepeatLoopsInsteadOfEnding(t *testing.T) {
	path := writePackets(t, 2)
	p := NewFileInput()
	if err := p.Start([]string{"--file", path, "--repeat"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	buf := make([]tspacket.Packet, 5)
	meta := make([]tspacket.Metadata, 5)
	n, end, err := p.Receive(buf, meta)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5 (looped past EOF)", n)
	}
	if end {
		t.Fatal("--repeat must never signal end of input")
	}
}

func TestFileInput_RequiresAFile(t *testing.T) {
	p := NewFileInput()
	if err := p.Start(nil); err == nil {
		t.Fatal("expected Start to fail without --file")
	}
}

func TestFileOutput_WritesPacketsInOrder(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.ts"

	out := NewFileOutput()
	if err := out.Start([]string{"--file", path}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pkts := []tspacket.Packet{tspacket.Null(), tspacket.Null()}
	pkts[0].SetPID(1)
	pkts[1].SetPID(2)
	if err := out.Send(pkts, make([]tspacket.Metadata, 2)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := out.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	in := NewFileInput()
	if err := in.Start([]string{"--file", path}); err != nil {
		t.Fatalf("re-reading output: Start: %v", err)
	}
	defer in.Stop()
	buf := make([]tspacket.Packet, 2)
	meta := make([]tspacket.Metadata, 2)
	n, _, err := in.Receive(buf, meta)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != 2 || buf[0].PID() != 1 || buf[1].PID() != 2 {
		t.Fatalf("read back %d packets with PIDs %d,%d; want 2 packets with PIDs 1,2", n, buf[0].PID(), buf[1].PID())
	}
}
