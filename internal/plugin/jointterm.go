package plugin

import "sync"

// JointTerminator implements the joint-termination accounting rule from
// original_source/tstspPluginExecutor.cpp: among plugins that opt in
// (via JointTerminating), the pipeline's actual stop point is the
// *highest* packet index any of them declared, not the first one to
// declare, and termination only fires once every opted-in plugin has
// declared.
type JointTerminator struct {
	mu        sync.Mutex
	expected  int
	declared  map[int]uint64
	highWater uint64
}

// NewJointTerminator creates a terminator expecting declarations from
// expected distinct plugin indices.
func NewJointTerminator(expected int) *JointTerminator {
	return &JointTerminator{
		expected: expected,
		declared: make(map[int]uint64, expected),
	}
}

// Declare records that pluginIndex considers itself done as of atPacket.
// Returns the current high-water mark and whether all expected plugins
// have now declared (i.e. the pipeline may terminate at the high-water
// mark).
func (j *JointTerminator) Declare(pluginIndex int, atPacket uint64) (highWater uint64, allDeclared bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.declared[pluginIndex] = atPacket
	if atPacket > j.highWater {
		j.highWater = atPacket
	}
	return j.highWater, len(j.declared) >= j.expected
}

// HighWater returns the current high-water mark without declaring.
func (j *JointTerminator) HighWater() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.highWater
}

// Reset clears all declarations, e.g. across a live restart.
func (j *JointTerminator) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.declared = make(map[int]uint64, j.expected)
	j.highWater = 0
}
