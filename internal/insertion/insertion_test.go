package insertion

import "testing"

func TestBitRateControl_AveragesWithinTolerance(t *testing.T) {
	var c BitRateControl
	c.Set(1000)
	v, reset := c.Set(1050)
	if reset {
		t.Fatal("5% deviation should not trigger a reset at the default 10% tolerance")
	}
	if v == 0 {
		t.Fatal("expected a non-zero running average")
	}
}

func TestBitRateControl_ResetsOnLargeDeviation(t *testing.T) {
	var c BitRateControl
	c.Set(1000)
	_, reset := c.Set(2000) // 100% deviation
	if !reset {
		t.Fatal("expected a reset on a deviation past the default 10% tolerance")
	}
	if c.Value() != 2000 {
		t.Fatalf("after reset, average should restart from the new sample, got %d", c.Value())
	}
}

func TestBitRateControl_ZeroSampleResets(t *testing.T) {
	var c BitRateControl
	c.Set(1000)
	_, reset := c.Set(0)
	if !reset {
		t.Fatal("a zero bitrate sample should reset the control")
	}
	if c.Value() != 0 {
		t.Fatal("value should be zero after a zero-sample reset")
	}
}

func TestController_InjectsAtProportionalRate(t *testing.T) {
	c := NewController()
	// Sub-stream at 1/10th the main stream's bitrate: one injection
	// should occur roughly every 10 main packets.
	c.SetMainBitRate(1_000_000)
	c.SetSubBitRate(100_000)

	injected := 0
	for i := 0; i < 100; i++ {
		if c.ShouldInject(0) {
			injected++
		}
	}
	if injected < 8 || injected > 12 {
		t.Fatalf("expected roughly 10 injections over 100 main packets, got %d", injected)
	}
}

func TestController_UnknownBitratesAlwaysInject(t *testing.T) {
	c := NewController()
	for i := 0; i < 5; i++ {
		if !c.ShouldInject(0) {
			t.Fatal("with no bitrate known, every opportunity should inject (no rate to throttle against)")
		}
	}
}

func TestController_OverflowAccelerates(t *testing.T) {
	c := NewController()
	c.OverflowThreshold = 4
	c.SetMainBitRate(1_000_000)
	c.SetSubBitRate(100_000)

	// Drain a few packets at normal load first.
	for i := 0; i < 5; i++ {
		c.ShouldInject(0)
	}
	baseS := c.s

	// Now report a growing backlog past the threshold; the controller
	// should escalate its acceleration factor each time the backlog
	// sets a new high-water mark, injecting faster than the plain
	// proportional rate would.
	injected := 0
	for i, waiting := range []int{5, 6, 7, 8, 8, 8} {
		if c.ShouldInject(waiting) {
			injected++
		}
		_ = i
	}
	if c.accel <= 1 {
		t.Fatalf("expected acceleration factor to escalate above 1 while backlog grows, got %d", c.accel)
	}
	if c.s <= baseS {
		t.Fatal("expected at least one injection while accelerating")
	}
}

func TestController_AccelerationResetsWhenBacklogDrains(t *testing.T) {
	c := NewController()
	c.OverflowThreshold = 4
	c.SetMainBitRate(1_000_000)
	c.SetSubBitRate(100_000)

	c.ShouldInject(10) // push past threshold, triggers acceleration
	if c.accel == 1 {
		t.Fatal("expected acceleration to trigger above the overflow threshold")
	}
	c.ShouldInject(0) // backlog drained
	if c.accel != 1 {
		t.Fatalf("expected acceleration factor to snap back to 1 once backlog clears, got %d", c.accel)
	}
}
