package tspacket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStuffingCycle_ExactFraction(t *testing.T) {
	c := NewStuffingCycle(3, 7)
	stuffed := 0
	const cycles = 1000
	for i := 0; i < 7*cycles; i++ {
		if c.Next() {
			stuffed++
		}
	}
	assert.Equal(t, 3*cycles, stuffed)
}

func TestStuffingCycle_ZeroStuffing(t *testing.T) {
	c := NewStuffingCycle(0, 5)
	for i := 0; i < 20; i++ {
		assert.False(t, c.Next())
	}
}

func TestStuffingCycle_AllStuffing(t *testing.T) {
	c := NewStuffingCycle(5, 5)
	for i := 0; i < 20; i++ {
		assert.True(t, c.Next())
	}
}

func TestStuffingCycle_Reset(t *testing.T) {
	c := NewStuffingCycle(1, 2)
	c.Next()
	c.Next()
	c.Reset()
	c2 := NewStuffingCycle(1, 2)
	for i := 0; i < 6; i++ {
		assert.Equal(t, c2.Next(), c.Next())
	}
}

func TestStuffingCycle_SpreadEvenly(t *testing.T) {
	// With K=1, N=4, stuffing slots should not cluster: no two
	// consecutive "true" results among the first two cycles.
	c := NewStuffingCycle(1, 4)
	results := make([]bool, 8)
	for i := range results {
		results[i] = c.Next()
	}
	for i := 0; i < len(results)-1; i++ {
		if results[i] && results[i+1] {
			t.Fatalf("stuffing slots clustered at %d,%d", i, i+1)
		}
	}
}
