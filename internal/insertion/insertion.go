// Package insertion implements the Packet Insertion Controller of
// spec.md §4.9: deciding whether to inject one sub-stream packet into a
// main stream now, given each side's packet counts and bitrates, with
// an overflow-acceleration mode when the sub-stream backs up.
package insertion

// DefaultResetPercent is the running-average deviation threshold (as a
// percentage) past which BitRateControl resets, per spec.md §4.9
// ("differing by more than reset_percent (default 10%)").
const DefaultResetPercent = 10

// DefaultOverflowThreshold is the default waiting-queue alert
// threshold, per spec.md §4.9 ("alert threshold (default 16)").
const DefaultOverflowThreshold = 16

// BitRateControl tracks a running average of bitrate samples submitted
// by setMainBitRate/setSubBitRate, resetting whenever a new sample
// diverges from the average by more than ResetPercent or is reported
// as zero.
type BitRateControl struct {
	ResetPercent int // 0 uses DefaultResetPercent

	sum   uint64
	count uint64
	avg   uint64
}

func (c *BitRateControl) resetPercent() int {
	if c.ResetPercent <= 0 {
		return DefaultResetPercent
	}
	return c.ResetPercent
}

// Set submits one bitrate sample, returning true if it triggered a
// reset of the running average (and, at the Controller level, of the
// insertion accounting counters).
func (c *BitRateControl) Set(bps uint64) (value uint64, reset bool) {
	if bps == 0 {
		c.sum, c.count, c.avg = 0, 0, 0
		return 0, true
	}
	if c.count > 0 {
		deviation := deviationPercent(c.avg, bps)
		if deviation > c.resetPercent() {
			c.sum, c.count = bps, 1
			c.avg = bps
			return c.avg, true
		}
	}
	c.sum += bps
	c.count++
	c.avg = c.sum / c.count
	return c.avg, false
}

// Value returns the current running average, 0 if no sample has been set.
func (c *BitRateControl) Value() uint64 {
	return c.avg
}

func deviationPercent(avg, sample uint64) int {
	if avg == 0 {
		return 100
	}
	var diff uint64
	if sample > avg {
		diff = sample - avg
	} else {
		diff = avg - sample
	}
	return int(diff * 100 / avg)
}

// Controller decides, per incoming main packet, whether to inject one
// sub-stream packet, per spec.md §4.9's `M·B_s ≥ S·B_m` rule and its
// overflow-acceleration escalation.
type Controller struct {
	OverflowThreshold int // 0 uses DefaultOverflowThreshold

	mainRate BitRateControl
	subRate  BitRateControl

	m, s   uint64 // cumulative main packets seen, sub packets injected
	m0, s0 uint64 // counts when the current acceleration phase began

	accel        uint64 // A; 1 when not accelerating
	highWater    int    // largest waiting-queue depth seen in this phase
}

// NewController creates a Controller with default thresholds.
func NewController() *Controller {
	return &Controller{accel: 1}
}

// SetMainBitRate feeds one main-stream bitrate sample.
func (c *Controller) SetMainBitRate(bps uint64) {
	if _, reset := c.mainRate.Set(bps); reset {
		c.resetAccounting()
	}
}

// SetSubBitRate feeds one sub-stream bitrate sample.
func (c *Controller) SetSubBitRate(bps uint64) {
	if _, reset := c.subRate.Set(bps); reset {
		c.resetAccounting()
	}
}

func (c *Controller) resetAccounting() {
	c.m, c.s = 0, 0
	c.m0, c.s0 = 0, 0
	c.accel = 1
	c.highWater = 0
}

func (c *Controller) overflowThreshold() int {
	if c.OverflowThreshold <= 0 {
		return DefaultOverflowThreshold
	}
	return c.OverflowThreshold
}

// ShouldInject is called once per main packet observed, with the
// current count of sub-stream packets waiting to be injected. It
// updates M, applies the overflow-acceleration phase transitions, and
// reports whether a sub-packet should be injected now (updating S if
// so).
func (c *Controller) ShouldInject(waiting int) bool {
	c.m++

	threshold := c.overflowThreshold()
	if waiting > threshold {
		if c.accel == 1 {
			c.m0, c.s0 = c.m-1, c.s
		}
		if waiting > c.highWater {
			c.accel++
			c.highWater = waiting
		}
	} else if c.accel != 1 {
		c.accel = 1
		c.m0, c.s0 = c.m, c.s
		c.highWater = 0
	}

	mb, sb := c.mainRate.Value(), c.subRate.Value()
	var inject bool
	switch {
	case mb == 0 || sb == 0:
		inject = true
	case c.accel > 1:
		inject = (c.m-c.m0)*c.accel*sb >= (c.s-c.s0)*mb
	default:
		inject = c.m*sb >= c.s*mb
	}
	if inject {
		c.s++
	}
	return inject
}
