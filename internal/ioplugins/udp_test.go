package ioplugins

import (
	"testing"
	"time"

	"github.com/gotsp/tsproc/internal/tspacket"
)

func TestUDPOutputInput_RoundTripsADatagram(t *testing.T) {
	in := NewUDPInput()
	if err := in.Start([]string{"--udp", "127.0.0.1:0"}); err != nil {
		t.Fatalf("input Start: %v", err)
	}
	defer in.Stop()

	addr := in.conn.LocalAddr().String()
	out := NewUDPOutput()
	if err := out.Start([]string{"--udp", addr}); err != nil {
		t.Fatalf("output Start: %v", err)
	}
	defer out.Stop()

	pkts := make([]tspacket.Packet, 3)
	for i := range pkts {
		pkts[i] = tspacket.Null()
		pkts[i].SetPID(uint16(100 + i))
	}
	if err := out.Send(pkts, make([]tspacket.Metadata, len(pkts))); err != nil {
		t.Fatalf("Send: %v", err)
	}

	in.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]tspacket.Packet, 10)
	meta := make([]tspacket.Metadata, 10)
	n, end, err := in.Receive(buf, meta)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if end {
		t.Fatal("UDP input must never signal end of input")
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	for i := 0; i < 3; i++ {
		if buf[i].PID() != uint16(100+i) {
			t.Fatalf("packet %d PID = %d, want %d", i, buf[i].PID(), 100+i)
		}
	}
}

func TestUDPInput_RequiresAnAddress(t *testing.T) {
	p := NewUDPInput()
	if err := p.Start(nil); err == nil {
		t.Fatal("expected Start to fail without --udp")
	}
}

func TestUDPOutput_RequiresAnAddress(t *testing.T) {
	p := NewUDPOutput()
	if err := p.Start(nil); err == nil {
		t.Fatal("expected Start to fail without --udp")
	}
}
