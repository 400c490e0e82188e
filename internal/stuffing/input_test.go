package stuffing

import (
	"testing"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/tspacket"
)

// fakeInput serves n packets with sequential PIDs then signals end.
type fakeInput struct {
	pids []uint16
	pos  int
}

func (f *fakeInput) Start([]string) error         { return nil }
func (f *fakeInput) Stop() error                  { return nil }
func (f *fakeInput) Bitrate() (bitrate.Value, bool) { return bitrate.Zero, false }
func (f *fakeInput) Receive(buf []tspacket.Packet, meta []tspacket.Metadata) (int, bool, error) {
	n := 0
	for n < len(buf) && f.pos < len(f.pids) {
		buf[n] = tspacket.Null()
		buf[n].SetPID(f.pids[f.pos])
		meta[n].Reset()
		f.pos++
		n++
	}
	return n, f.pos >= len(f.pids), nil
}

var _ plugin.InputPlugin = (*fakeInput)(nil)

func TestInput_PassthroughWithNoStuffing(t *testing.T) {
	inner := &fakeInput{pids: []uint16{1, 2, 3}}
	s := Wrap(inner, Config{})

	buf := make([]tspacket.Packet, 10)
	meta := make([]tspacket.Metadata, 10)
	n, end, err := s.Receive(buf, meta)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != 3 || !end {
		t.Fatalf("n=%d end=%v, want 3 true", n, end)
	}
	for i, want := range []uint16{1, 2, 3} {
		if buf[i].PID() != want {
			t.Fatalf("packet %d PID = %d, want %d", i, buf[i].PID(), want)
		}
	}
}

func TestInput_StartAndStopStuffing(t *testing.T) {
	inner := &fakeInput{pids: []uint16{7}}
	s := Wrap(inner, Config{StartPackets: 2, StopPackets: 2, CycleInput: 1})

	buf := make([]tspacket.Packet, 10)
	meta := make([]tspacket.Metadata, 10)
	n, end, err := s.Receive(buf, meta)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != 5 || !end {
		t.Fatalf("n=%d end=%v, want 5 true", n, end)
	}
	for i := 0; i < 2; i++ {
		if buf[i].PID() != tspacket.NullPID {
			t.Fatalf("start slot %d PID = 0x%x, want null", i, buf[i].PID())
		}
	}
	if buf[2].PID() != 7 {
		t.Fatalf("real slot PID = %d, want 7", buf[2].PID())
	}
	for i := 3; i < 5; i++ {
		if buf[i].PID() != tspacket.NullPID {
			t.Fatalf("stop slot %d PID = 0x%x, want null", i, buf[i].PID())
		}
	}
}

func TestInput_InterleaveCycle(t *testing.T) {
	inner := &fakeInput{pids: []uint16{10, 11}}
	// 1 null per 2 real packets: real, real, null, ...
	s := Wrap(inner, Config{CycleNull: 1, CycleInput: 2})

	buf := make([]tspacket.Packet, 10)
	meta := make([]tspacket.Metadata, 10)
	n, end, err := s.Receive(buf, meta)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !end {
		t.Fatal("expected end once the two real packets and their interleaved nulls are drained")
	}
	var nulls, reals int
	for i := 0; i < n; i++ {
		if buf[i].PID() == tspacket.NullPID {
			nulls++
		} else {
			reals++
		}
	}
	if reals != 2 {
		t.Fatalf("reals = %d, want 2", reals)
	}
	if nulls == 0 {
		t.Fatal("expected at least one interleaved null packet")
	}
}
