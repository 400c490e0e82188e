package bitrate

import (
	"testing"

	"github.com/gotsp/tsproc/internal/tspacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefer(t *testing.T) {
	low := Value{BitsPerSecond: 1000, Confidence: Low}
	override := Value{BitsPerSecond: 2000, Confidence: Override}
	assert.Equal(t, override, Prefer(low, override))
	assert.Equal(t, override, Prefer(override, low))
}

func packetWithPCR(pcr uint64) tspacket.Packet {
	var p tspacket.Packet
	p[0] = tspacket.SyncByte
	p[3] = 0x20
	p[4] = 183
	p[5] = 0x10
	p.SetPCR(pcr)
	return p
}

func TestPCRAnalyser_BecomesValid(t *testing.T) {
	a := NewPCRAnalyser()
	const bitrate = uint64(10_000_000)
	const pcrStepPerPacket = tspacket.PCRBitsFreq * tspacket.Size * 8 / bitrate

	pcr := uint64(0)
	for i := 0; i < minPCRSamples; i++ {
		p := packetWithPCR(pcr)
		a.Feed(&p)
		pcr += pcrStepPerPacket
	}

	require.True(t, a.Valid())
	got := a.BitRate()
	assert.InEpsilon(t, float64(bitrate), float64(got.BitsPerSecond), 0.05)
	assert.Equal(t, PCRContinuous, got.Confidence)
}

func TestPCRAnalyser_NotValidBelowThreshold(t *testing.T) {
	a := NewPCRAnalyser()
	p := packetWithPCR(1000)
	a.Feed(&p)
	assert.False(t, a.Valid())
	assert.Equal(t, Zero, a.BitRate())
}

func TestEstimator_OverrideWins(t *testing.T) {
	e := NewEstimator()
	e.SetOverride(5_000_000)
	e.SetReported(Value{BitsPerSecond: 1, Confidence: Low})
	got := e.Current()
	assert.Equal(t, uint64(5_000_000), got.BitsPerSecond)
	assert.Equal(t, Override, got.Confidence)
}

func TestEstimator_FallsBackToPCR(t *testing.T) {
	e := NewEstimator()
	pcr := uint64(0)
	const step = tspacket.PCRBitsFreq * tspacket.Size * 8 / 10_000_000
	for i := 0; i < minPCRSamples; i++ {
		p := packetWithPCR(pcr)
		e.FeedPacket(&p)
		pcr += step
	}
	got := e.Current()
	assert.True(t, got.IsKnown())
	assert.Equal(t, PCRContinuous, got.Confidence)
}

func TestEstimator_DTSSticksOnceTriggered(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < minDTSSamples; i++ {
		e.FeedDTS(0x100, uint64(i)*3000, true)
	}
	assert.True(t, e.dts.Triggered())
	got := e.Current()
	assert.Equal(t, Low, got.Confidence)
}
