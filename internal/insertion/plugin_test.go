package insertion

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/tspacket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSubStreamFile(t *testing.T, n int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "sub-*.ts")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	for i := 0; i < n; i++ {
		pkt := tspacket.Null()
		pkt.SetPID(0x0100)
		if _, err := f.Write(pkt[:]); err != nil {
			t.Fatalf("write sub packet: %v", err)
		}
	}
	return f.Name()
}

func TestPlugin_InjectsIntoNullSlotsOnly(t *testing.T) {
	path := writeSubStreamFile(t, 10)
	p := NewPlugin(discardLogger())
	if err := p.Start([]string{"--sub-file", path}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// give the background reader a chance to fill the queue
	for i := 0; i < 100 && len(p.pending) == 0; i++ {
		time.Sleep(time.Millisecond)
	}

	main := tspacket.Null()
	main.SetPID(0x0200) // not a null slot
	if res := p.ProcessPacket(&main, &tspacket.Metadata{}); res != plugin.ResultOK {
		t.Fatalf("ProcessPacket on non-null slot returned %v", res)
	}
	if main.PID() != 0x0200 {
		t.Fatalf("a non-null-PID packet must never be overwritten, got PID 0x%x", main.PID())
	}

	null := tspacket.Null()
	injected := false
	for i := 0; i < 20; i++ {
		p.ProcessPacket(&null, &tspacket.Metadata{})
		if null.PID() == 0x0100 {
			injected = true
			break
		}
	}
	if !injected {
		t.Fatal("expected a sub-stream packet to eventually be injected into a null slot")
	}
}

func TestPlugin_RequiresASubSource(t *testing.T) {
	p := NewPlugin(discardLogger())
	if err := p.Start(nil); err == nil {
		t.Fatal("expected Start to fail without --sub-file or --sub-udp")
	}
}
