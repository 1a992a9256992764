package board

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gocrew/internal/protocol"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	b, err := Open(t.TempDir(), DefaultOptions())
	require.NoError(t, err)
	return b
}

func mustCreate(t *testing.T, b *Board, req CreateRequest) *Task {
	t.Helper()
	task, err := b.Create(context.Background(), req)
	require.NoError(t, err)
	return task
}

func TestCreateAndGet(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "summarize the report"})

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "summarize the report", got.Description)
	assert.Equal(t, protocol.ComplexityNormal, got.Complexity)
	assert.NotZero(t, got.CreatedAt)
}

func TestCreateRejectsEmptyDescription(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Create(context.Background(), CreateRequest{Description: "   "})
	assert.Error(t, err)
}

func TestCreateRejectsUnknownBlocker(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Create(context.Background(), CreateRequest{
		Description: "blocked",
		BlockedBy:   []string{"no-such-task"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimFIFO(t *testing.T) {
	b := newTestBoard(t)
	first := mustCreate(t, b, CreateRequest{Description: "first"})
	mustCreate(t, b, CreateRequest{Description: "second"})

	got, err := b.ClaimNext(context.Background(), "executor", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, StatusClaimed, got.Status)
	assert.Equal(t, "executor", got.AgentID)
}

func TestClaimNextExclusiveUnderContention(t *testing.T) {
	b := newTestBoard(t)
	task := mustCreate(t, b, CreateRequest{Description: "contested"})

	var won int64
	var winner atomic.Value
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := b.ClaimNext(context.Background(), fmt.Sprintf("agent-%d", i), 0)
			if err == nil && got != nil {
				atomic.AddInt64(&won, 1)
				winner.Store(got.AgentID)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, won, "exactly one claimant may win")
	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, got.Status)
	assert.Equal(t, winner.Load(), got.AgentID)
}

func TestClaimSkipsBlockedUntilDepsComplete(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	dep := mustCreate(t, b, CreateRequest{Description: "dep", Complexity: protocol.ComplexitySimple})
	blocked := mustCreate(t, b, CreateRequest{Description: "blocked", BlockedBy: []string{dep.ID}})

	got, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dep.ID, got.ID)

	// Blocked task is invisible while the dep is merely claimed.
	got, err = b.ClaimNext(ctx, "executor-2", 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, b.Complete(ctx, dep.ID))
	got, err = b.ClaimNext(ctx, "executor-2", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, blocked.ID, got.ID)
}

func TestClaimRespectsStrictRoles(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	mustCreate(t, b, CreateRequest{Description: "make a plan", RequiredRole: "planner"})

	got, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	assert.Nil(t, got, "executor must not claim planner work")

	got, err = b.ClaimNext(ctx, "planner", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestClaimLooseRoleMatchesAnyAgent(t *testing.T) {
	b := newTestBoard(t)
	mustCreate(t, b, CreateRequest{Description: "build it", RequiredRole: "implement"})

	got, err := b.ClaimNext(context.Background(), "executor-7", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRestrictedAgentOnlyClaimsItsRoles(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	mustCreate(t, b, CreateRequest{Description: "implement the thing", RequiredRole: "implement"})
	review := mustCreate(t, b, CreateRequest{Description: "review the thing", RequiredRole: "review"})

	got, err := b.ClaimNext(ctx, "reviewer", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, review.ID, got.ID, "reviewer must skip implementation work")
}

func TestClaimRespectsMinReputation(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	mustCreate(t, b, CreateRequest{Description: "hard task", MinReputation: 5})

	got, err := b.ClaimNext(ctx, "executor", 3)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = b.ClaimNext(ctx, "executor", 5)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCycleRejected(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	a := mustCreate(t, b, CreateRequest{Description: "a"})
	c := mustCreate(t, b, CreateRequest{Description: "b", BlockedBy: []string{a.ID}})

	assert.ErrorIs(t, b.SetBlockers(ctx, a.ID, []string{a.ID}), ErrCycle)
	assert.ErrorIs(t, b.SetBlockers(ctx, a.ID, []string{c.ID}), ErrCycle)

	// The rejected edge must not survive on the board.
	got, err := b.Get(a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)
}

func TestSimpleTaskCannotEnterReview(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "trivial", Complexity: protocol.ComplexitySimple})
	_, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)

	err = b.SubmitForReview(ctx, task.ID, "done")
	assert.ErrorIs(t, err, ErrSimpleTask)

	require.NoError(t, b.Complete(ctx, task.ID))
	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestReviewCritiqueRevisionFlow(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "write the doc"})
	_, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)

	require.NoError(t, b.SubmitForReview(ctx, task.ID, "draft v1"))

	needsWork := &protocol.Critique{
		Dimensions: protocol.Dimensions{Accuracy: 4, Completeness: 6, Technical: 7, Calibration: 7, Efficiency: 7},
		Verdict:    protocol.VerdictNeedsWork,
		Items:      []protocol.CritiqueItem{{Dimension: "accuracy", Issue: "wrong figures", Suggestion: "recheck table 2"}},
		Confidence: 0.9,
	}
	require.NoError(t, b.AddCritique(ctx, task.ID, needsWork))

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCritique, got.Status)
	assert.Equal(t, 1, got.CritiqueRound)

	// Only the original executor can adopt the revision.
	claimed, err := b.ClaimCritique(ctx, "other-agent")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = b.ClaimCritique(ctx, "executor")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)

	// Round cap reached: resubmission force-completes.
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "draft v2"))
	got, err = b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "draft v2", got.Result)
}

func TestSecondNeedsWorkCompletesAnyway(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "analysis"})
	_, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "v1"))

	nw := &protocol.Critique{
		Dimensions: protocol.Dimensions{Accuracy: 5, Completeness: 5, Technical: 5, Calibration: 5, Efficiency: 5},
		Verdict:    protocol.VerdictNeedsWork,
		Confidence: 0.8,
	}
	require.NoError(t, b.AddCritique(ctx, task.ID, nw))

	// With critique_round already 1 the resubmission completes directly,
	// so a second NEEDS_WORK can never bounce the task again.
	_, err = b.ClaimCritique(ctx, "executor")
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "v2"))

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRepeatedLGTMIsBenign(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "report"})
	_, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "v1"))

	lgtm := &protocol.Critique{
		Dimensions: protocol.Dimensions{Accuracy: 9, Completeness: 9, Technical: 9, Calibration: 9, Efficiency: 9},
		Verdict:    protocol.VerdictLGTM,
		Confidence: 0.9,
	}
	require.NoError(t, b.AddCritique(ctx, task.ID, lgtm))
	require.NoError(t, b.AddCritique(ctx, task.ID, lgtm))

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCancelTreeCascades(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	parent := mustCreate(t, b, CreateRequest{Description: "parent"})
	child := mustCreate(t, b, CreateRequest{Description: "child", ParentID: parent.ID})
	grandchild := mustCreate(t, b, CreateRequest{Description: "grandchild", ParentID: child.ID})
	doneChild := mustCreate(t, b, CreateRequest{Description: "done child", ParentID: parent.ID, Complexity: protocol.ComplexitySimple})

	_, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err) // claims parent
	require.NoError(t, b.Cancel(ctx, doneChild.ID))

	cancelled, err := b.CancelTree(ctx, parent.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{parent.ID, child.ID, grandchild.ID}, cancelled)

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		got, err := b.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	}
}

func TestPauseResume(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "later"})

	require.NoError(t, b.Pause(ctx, task.ID))
	got, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	assert.Nil(t, got, "paused tasks are not claimable")

	require.NoError(t, b.Resume(ctx, task.ID))
	got, err = b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRetryOnlyFromFailedOrCancelled(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "flaky"})

	assert.ErrorIs(t, b.Retry(ctx, task.ID), ErrBadTransition)

	_, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, task.ID, "provider_down"))

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Flags, "failed:provider_down")

	require.NoError(t, b.Retry(ctx, task.ID))
	got, err = b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AgentID)
}

func TestTerminalTasksRejectMutation(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "done", Complexity: protocol.ComplexitySimple})
	_, err := b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, task.ID))

	assert.ErrorIs(t, b.Cancel(ctx, task.ID), ErrTerminal)
	assert.ErrorIs(t, b.Fail(ctx, task.ID, "late"), ErrTerminal)
	assert.Error(t, b.SubmitForReview(ctx, task.ID, "x"))
}

func TestRecoverStaleClaim(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleClaim = 50 * time.Millisecond
	b, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	ctx := context.Background()

	task := mustCreate(t, b, CreateRequest{Description: "abandoned"})
	_, err = b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	recovered, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "requeued", recovered[0].Action)

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AgentID)
	assert.Contains(t, got.Flags, "timeout_recovered:claimed")

	// A second sweep finds nothing new.
	recovered, err = b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestRecoverStaleReviewForceCompletes(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleReview = 50 * time.Millisecond
	b, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	ctx := context.Background()

	task := mustCreate(t, b, CreateRequest{Description: "forgotten review"})
	_, err = b.ClaimNext(ctx, "executor", 0)
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "result v1"))

	time.Sleep(80 * time.Millisecond)
	recovered, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "force_completed", recovered[0].Action)

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "result v1", got.Result)
	assert.Contains(t, got.Flags, "timeout_recovered:review")

	// A second sweep finds nothing new.
	recovered, err = b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestRecoverStaleSkipsParentAwaitingChildren(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleReview = 50 * time.Millisecond
	b, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	ctx := context.Background()

	parent := mustCreate(t, b, CreateRequest{Description: "plan the migration"})
	_, err = b.ClaimNext(ctx, "planner", 0)
	require.NoError(t, err)
	child := mustCreate(t, b, CreateRequest{Description: "step one", ParentID: parent.ID})
	require.NoError(t, b.SubmitForReview(ctx, parent.ID, "plan: step one"))

	// The parent sits in review far past the threshold, but its child is
	// still running: it is parked, not stale.
	time.Sleep(80 * time.Millisecond)
	recovered, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	got, err := b.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReview, got.Status)

	// Once every child is terminal the parent becomes sweepable again.
	require.NoError(t, b.Cancel(ctx, child.ID))
	recovered, err = b.RecoverStale(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, parent.ID, recovered[0].TaskID)
	assert.Equal(t, "force_completed", recovered[0].Action)
}

func TestStartSynthesisRefreshesClaimClock(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "parent"})
	_, err := b.ClaimNext(ctx, "planner-x", 0)
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "plan output"))

	// Backdate the review wait; close-out must not inherit it.
	require.NoError(t, b.mutate(ctx, func(doc *document) error {
		doc.find(task.ID).ClaimedAt -= 1000
		return nil
	}))
	before, err := b.Get(task.ID)
	require.NoError(t, err)

	ok, err := b.StartSynthesis(ctx, task.ID, "planner-x")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Greater(t, got.ClaimedAt, before.ClaimedAt)
}

func TestStartSynthesisExclusive(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task := mustCreate(t, b, CreateRequest{Description: "parent"})
	_, err := b.ClaimNext(ctx, "planner-x", 0)
	require.NoError(t, err)
	require.NoError(t, b.SubmitForReview(ctx, task.ID, "plan output"))

	ok, err := b.StartSynthesis(ctx, task.ID, "planner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.StartSynthesis(ctx, task.ID, "planner-b")
	require.NoError(t, err)
	assert.False(t, ok, "synthesis claim must be exclusive")

	got, err := b.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSynthesizing, got.Status)
	assert.Equal(t, "planner-a", got.AgentID)
}

func TestCollectResultsAndChildrenDone(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	parent := mustCreate(t, b, CreateRequest{Description: "parent"})
	c1 := mustCreate(t, b, CreateRequest{Description: "c1", ParentID: parent.ID, Complexity: protocol.ComplexitySimple})
	mustCreate(t, b, CreateRequest{Description: "c2", ParentID: parent.ID})

	done, err := b.ChildrenDone(parent.ID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, b.Cancel(ctx, c1.ID))

	results, err := b.CollectResults(parent.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].Description)
}

func TestBoardSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b1, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	task := mustCreate(t, b1, CreateRequest{Description: "persisted"})

	b2, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	got, err := b2.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Description)
}

func TestCorruptBoardRefusesWrites(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	mustCreate(t, b, CreateRequest{Description: "ok"})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "task_board.json"), []byte("{corrupt"), 0o644))

	_, err = b.Create(context.Background(), CreateRequest{Description: "should fail"})
	assert.Error(t, err)
	_, err = b.List()
	assert.Error(t, err)
}
