package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
	"github.com/nextlevelbuilder/gocrew/internal/protocol"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *board.Board, *contextbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	b, err := board.Open(dir, board.DefaultOptions())
	require.NoError(t, err)
	bus, err := contextbus.Open(dir)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Runtime.StateDir = dir
	return New(b, bus, nil, cfg), b, bus
}

func TestSubmitPipelineRequest(t *testing.T) {
	o, b, bus := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "write a crawler and download all pages", board.Source{Channel: "console"})
	require.NoError(t, err)

	task, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "planner", task.RequiredRole)
	assert.Equal(t, protocol.ComplexityNormal, task.Complexity)
	assert.Equal(t, "console", task.Source.Channel)

	entry, ok, err := bus.Get("system", IntentKey(id))
	require.NoError(t, err)
	require.True(t, ok, "intent anchor must be published")
	assert.Equal(t, "write a crawler and download all pages", entry.Value)
	assert.Equal(t, contextbus.Provenance{
		Kind: "user", SourceChannel: "console", SourceTaskID: id,
	}, entry.Provenance)
}

func TestSubmitDirectAnswerIsSimple(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)

	id, err := o.Submit(context.Background(), "what is a goroutine?", board.Source{})
	require.NoError(t, err)

	task, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, protocol.ComplexitySimple, task.Complexity)
}

func TestSubmitEmptyRejected(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Submit(context.Background(), "   ", board.Source{})
	assert.Error(t, err)
}

func TestWaitReturnsTerminalTask(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "write a summary of the design", board.Source{})
	require.NoError(t, err)

	claimed, err := b.ClaimNext(ctx, "planner", 100)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, b.SetResult(ctx, id, "done"))
	require.NoError(t, b.Complete(ctx, id))

	res, err := o.Wait(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, board.StatusCompleted, res.Task.Status)
	assert.Equal(t, "done", res.Task.Result)
}

func TestWaitTimeoutFailsTree(t *testing.T) {
	o, b, bus := newTestOrchestrator(t)
	o.cfg.Pipeline.WaitTimeoutSec = 1
	ctx := context.Background()

	id, err := o.Submit(ctx, "write a long report about everything", board.Source{})
	require.NoError(t, err)
	child, err := b.Create(ctx, board.CreateRequest{Description: "chapter one", ParentID: id})
	require.NoError(t, err)

	start := time.Now()
	res, err := o.Wait(ctx, id, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.True(t, res.TimedOut)
	assert.Equal(t, board.StatusFailed, res.Task.Status)
	assert.Contains(t, res.Task.Flags, "failed:timeout")

	childTask, err := b.Get(child.ID)
	require.NoError(t, err)
	assert.Equal(t, board.StatusCancelled, childTask.Status, "timeout cascades to descendants")

	_, ok, err := bus.Get("system", IntentKey(id))
	require.NoError(t, err)
	assert.False(t, ok, "the task's scratch context is cleared")
}

func TestCancelCascades(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, "write a multi step migration plan", board.Source{})
	require.NoError(t, err)
	child, err := b.Create(ctx, board.CreateRequest{Description: "step one", ParentID: id})
	require.NoError(t, err)

	cancelled, err := o.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	for _, tid := range []string{id, child.ID} {
		task, err := b.Get(tid)
		require.NoError(t, err)
		assert.Equal(t, board.StatusCancelled, task.Status)
	}
}
