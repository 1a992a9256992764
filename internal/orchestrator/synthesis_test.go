package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
)

type fakeCaller struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     []providers.ChatRequest
}

func (f *fakeCaller) Chat(ctx context.Context, agentID, taskID string, req providers.ChatRequest) (*providers.ChatResponse, string, error) {
	f.calls = append(f.calls, req)
	i := len(f.calls) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], "fake", nil
	}
	return &providers.ChatResponse{Content: "fallthrough"}, "fake", nil
}

func TestCloseoutsRegistry(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCloseouts(t.TempDir())
	require.NoError(t, err)

	assert.False(t, c.HasPending())
	require.NoError(t, c.Register(ctx, "p1", []string{"c1", "c2"}))
	require.NoError(t, c.Register(ctx, "p2", []string{"c3"}))
	assert.True(t, c.HasPending())

	m, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, m["p1"])

	require.NoError(t, c.Remove(ctx, "p1", "p2"))
	assert.False(t, c.HasPending())
}

// reviewParent builds a parent in review with the given completed children.
func reviewParent(t *testing.T, ctx context.Context, b *board.Board, childResults []string) (string, []string) {
	t.Helper()
	parent, err := b.Create(ctx, board.CreateRequest{Description: "collect and summarize the findings", RequiredRole: "planner"})
	require.NoError(t, err)
	claimed, err := b.ClaimNext(ctx, "planner", 100)
	require.NoError(t, err)
	require.Equal(t, parent.ID, claimed.ID)

	var childIDs []string
	for i, result := range childResults {
		child, err := b.Create(ctx, board.CreateRequest{
			Description: fmt.Sprintf("part %d", i+1),
			ParentID:    parent.ID,
		})
		require.NoError(t, err)
		got, err := b.ClaimNext(ctx, "executor", 100)
		require.NoError(t, err)
		require.Equal(t, child.ID, got.ID)
		require.NoError(t, b.SetResult(ctx, child.ID, result))
		require.NoError(t, b.Complete(ctx, child.ID))
		childIDs = append(childIDs, child.ID)
	}
	require.NoError(t, b.SubmitForReview(ctx, parent.ID, "the plan"))
	return parent.ID, childIDs
}

func TestCheckCloseoutsSynthesizes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := board.Open(dir, board.DefaultOptions())
	require.NoError(t, err)
	bus, err := contextbus.Open(dir)
	require.NoError(t, err)
	closeouts, err := OpenCloseouts(dir)
	require.NoError(t, err)

	parentID, childIDs := reviewParent(t, ctx, b, []string{"alpha result", "beta result"})
	require.NoError(t, closeouts.Register(ctx, parentID, childIDs))
	require.NoError(t, bus.Publish(ctx, "system", IntentKey(parentID), "original ask", contextbus.LayerTask))

	caller := &fakeCaller{responses: []*providers.ChatResponse{{Content: "the final answer"}}}
	s := NewSynthesizer(b, bus, closeouts, caller, nil, config.Default())
	require.NoError(t, s.CheckCloseouts(ctx, "executor"))

	parent, err := b.Get(parentID)
	require.NoError(t, err)
	assert.Equal(t, board.StatusCompleted, parent.Status)
	assert.Equal(t, "the final answer", parent.Result)
	assert.False(t, closeouts.HasPending())

	require.Len(t, caller.calls, 1)
	prompt := caller.calls[0].Messages[1].Content
	assert.Contains(t, prompt, "alpha result")
	assert.Contains(t, prompt, "beta result")
	assert.Contains(t, prompt, "original ask")
}

func TestCheckCloseoutsDefersUnfinishedChildren(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := board.Open(dir, board.DefaultOptions())
	require.NoError(t, err)
	bus, err := contextbus.Open(dir)
	require.NoError(t, err)
	closeouts, err := OpenCloseouts(dir)
	require.NoError(t, err)

	parent, err := b.Create(ctx, board.CreateRequest{Description: "root", RequiredRole: "planner"})
	require.NoError(t, err)
	child, err := b.Create(ctx, board.CreateRequest{Description: "pending child", ParentID: parent.ID})
	require.NoError(t, err)
	require.NoError(t, closeouts.Register(ctx, parent.ID, []string{child.ID}))

	caller := &fakeCaller{}
	s := NewSynthesizer(b, bus, closeouts, caller, nil, config.Default())
	require.NoError(t, s.CheckCloseouts(ctx, "executor"))

	assert.Empty(t, caller.calls)
	assert.True(t, closeouts.HasPending())
}

func TestCheckCloseoutsFallsBackOnModelFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := board.Open(dir, board.DefaultOptions())
	require.NoError(t, err)
	bus, err := contextbus.Open(dir)
	require.NoError(t, err)
	closeouts, err := OpenCloseouts(dir)
	require.NoError(t, err)

	parentID, childIDs := reviewParent(t, ctx, b, []string{"only result"})
	require.NoError(t, closeouts.Register(ctx, parentID, childIDs))

	caller := &fakeCaller{errs: []error{fmt.Errorf("provider down")}}
	s := NewSynthesizer(b, bus, closeouts, caller, nil, config.Default())
	require.NoError(t, s.CheckCloseouts(ctx, "executor"))

	parent, err := b.Get(parentID)
	require.NoError(t, err)
	assert.Equal(t, board.StatusCompleted, parent.Status)
	assert.Contains(t, parent.Result, "only result")
	assert.False(t, closeouts.HasPending())
}

func TestCheckCloseoutsDropsVanishedParent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := board.Open(dir, board.DefaultOptions())
	require.NoError(t, err)
	bus, err := contextbus.Open(dir)
	require.NoError(t, err)
	closeouts, err := OpenCloseouts(dir)
	require.NoError(t, err)

	require.NoError(t, closeouts.Register(ctx, "gone", []string{"also-gone"}))
	s := NewSynthesizer(b, bus, closeouts, &fakeCaller{}, nil, config.Default())
	require.NoError(t, s.CheckCloseouts(ctx, "executor"))
	assert.False(t, closeouts.HasPending())
}
