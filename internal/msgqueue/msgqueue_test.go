package msgqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q := New[int](0)
	require.True(t, q.Enqueue(1, 0))
	require.True(t, q.Enqueue(2, 0))
	require.True(t, q.Enqueue(3, 0))

	v, ok := q.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestDequeue_EmptyNonBlockingFails(t *testing.T) {
	q := New[string](0)
	_, ok := q.Dequeue(0)
	assert.False(t, ok)
}

func TestEnqueue_FullNonBlockingFails(t *testing.T) {
	q := New[int](2)
	require.True(t, q.Enqueue(1, 0))
	require.True(t, q.Enqueue(2, 0))
	assert.False(t, q.Enqueue(3, 0))
}

func TestForceEnqueue_BypassesCapacity(t *testing.T) {
	q := New[int](1)
	require.True(t, q.Enqueue(1, 0))
	q.ForceEnqueue(2)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueue_UnblocksOnDequeue(t *testing.T) {
	q := New[int](1)
	require.True(t, q.Enqueue(1, 0))

	done := make(chan bool, 1)
	go func() {
		done <- q.Enqueue(2, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	_, ok := q.Dequeue(0)
	require.True(t, ok)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not unblock")
	}
}

func TestDequeue_UnblocksOnEnqueue(t *testing.T) {
	q := New[int](0)
	done := make(chan int, 1)
	go func() {
		v, _ := q.Dequeue(time.Second)
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Enqueue(42, 0))

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock")
	}
}

func TestDequeue_Timeout(t *testing.T) {
	q := New[int](0)
	start := time.Now()
	_, ok := q.Dequeue(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPeek_DoesNotRemove(t *testing.T) {
	q := New[int](0)
	require.True(t, q.Enqueue(7, 0))
	v, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, q.Len())
}

func TestClear(t *testing.T) {
	q := New[int](0)
	q.Enqueue(1, 0)
	q.Enqueue(2, 0)
	q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestUnboundedCapacity(t *testing.T) {
	q := New[int](0)
	for i := 0; i < 1000; i++ {
		require.True(t, q.Enqueue(i, 0))
	}
	assert.Equal(t, 1000, q.Len())
}
