package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/gotsp/tsproc/internal/bitrate"
	"github.com/gotsp/tsproc/internal/plugin"
	"github.com/gotsp/tsproc/internal/tspacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testInput struct {
	remaining int
	stopped   bool
}

func (i *testInput) Start([]string) error { return nil }
func (i *testInput) Stop() error          { i.stopped = true; return nil }
func (i *testInput) Bitrate() (bitrate.Value, bool) {
	return bitrate.Zero, false
}
func (i *testInput) Receive(buf []tspacket.Packet, meta []tspacket.Metadata) (int, bool, error) {
	n := len(buf)
	if n > i.remaining {
		n = i.remaining
	}
	for j := 0; j < n; j++ {
		buf[j] = tspacket.Null()
	}
	i.remaining -= n
	return n, i.remaining == 0, nil
}

type testOutput struct {
	total int
}

func (o *testOutput) Start([]string) error { return nil }
func (o *testOutput) Stop() error          { return nil }
func (o *testOutput) Bitrate() (bitrate.Value, bool) {
	return bitrate.Zero, false
}
func (o *testOutput) Send(pkts []tspacket.Packet, meta []tspacket.Metadata) error {
	o.total += len(pkts)
	return nil
}

func TestNew_RequiresInputFirstOutputLast(t *testing.T) {
	in := &testInput{}
	out := &testOutput{}

	_, err := New([]StageSpec{
		{Kind: plugin.KindOutput, Name: "bad-first", Plugin: out},
		{Kind: plugin.KindInput, Name: "bad-last", Plugin: in},
	}, Options{BufferSize: 16})
	require.Error(t, err)
}

func TestNew_RequiresAtLeastTwoStages(t *testing.T) {
	in := &testInput{}
	_, err := New([]StageSpec{{Kind: plugin.KindInput, Name: "only", Plugin: in}}, Options{BufferSize: 16})
	require.Error(t, err)
}

func TestPipeline_IdentityRun(t *testing.T) {
	in := &testInput{remaining: 100}
	out := &testOutput{}

	p, err := New([]StageSpec{
		{Kind: plugin.KindInput, Name: "in", Plugin: in},
		{Kind: plugin.KindOutput, Name: "out", Plugin: out},
	}, Options{BufferSize: 16})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return out.total == 100
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}

func TestPipeline_SuspendResume(t *testing.T) {
	in := &testInput{remaining: 10}
	out := &testOutput{}
	p, err := New([]StageSpec{
		{Kind: plugin.KindInput, Name: "in", Plugin: in},
		{Kind: plugin.KindOutput, Name: "out", Plugin: out},
	}, Options{BufferSize: 16})
	require.NoError(t, err)

	assert.Error(t, p.Suspend(0)) // input not suspendable
	require.NoError(t, p.Suspend(1))
	require.NoError(t, p.Resume(1))
}

func TestPipeline_RestartStage(t *testing.T) {
	in := &testInput{remaining: 1_000_000}
	out := &testOutput{}
	p, err := New([]StageSpec{
		{Kind: plugin.KindInput, Name: "in", Plugin: in},
		{Kind: plugin.KindOutput, Name: "out", Plugin: out},
	}, Options{BufferSize: 16})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.Restart(0, []string{"-x"}, false))
}

func TestPipeline_DeclareJointTermination(t *testing.T) {
	in := &testInput{}
	out := &testOutput{}
	p, err := New([]StageSpec{
		{Kind: plugin.KindInput, Name: "in", Plugin: in},
		{Kind: plugin.KindOutput, Name: "out", Plugin: out},
	}, Options{BufferSize: 16})
	require.NoError(t, err)

	hw, all := p.DeclareJointTermination(0, 100)
	assert.Equal(t, uint64(100), hw)
	assert.False(t, all)

	hw, all = p.DeclareJointTermination(1, 250)
	assert.Equal(t, uint64(250), hw)
	assert.True(t, all)
}

func TestPipeline_StageNameAndCount(t *testing.T) {
	in := &testInput{}
	out := &testOutput{}
	p, err := New([]StageSpec{
		{Kind: plugin.KindInput, Name: "in", Plugin: in},
		{Kind: plugin.KindOutput, Name: "out", Plugin: out},
	}, Options{BufferSize: 16})
	require.NoError(t, err)

	assert.Equal(t, 2, p.NumStages())
	assert.Equal(t, "in", p.StageName(0))
	assert.Equal(t, "out", p.StageName(1))
	assert.Equal(t, "", p.StageName(5))
	assert.NotEmpty(t, p.ID())
}
