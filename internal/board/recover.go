package board

import (
	"context"
	"fmt"
	"time"
)

// RecoveredTask describes one stale-recovery action taken by a sweep.
type RecoveredTask struct {
	TaskID string
	Action string // "requeued" or "force_completed"
	Agent  string
}

// RecoverStale sweeps the board for abandoned work. Claims older than the
// claim threshold return to pending with a recovery flag; reviews older
// than the review threshold force-complete with whatever result exists.
// Safe to run from any process at any time.
func (b *Board) RecoverStale(ctx context.Context) ([]RecoveredTask, error) {
	var recovered []RecoveredTask
	now := nowUnix()
	err := b.mutate(ctx, func(doc *document) error {
		// Parents parked in review while their children run are waiting on
		// close-out, not abandoned; force-completing one would ship its raw
		// plan as the result and orphan the running children.
		busyParent := map[string]bool{}
		for _, t := range doc.Tasks {
			if t.ParentID != "" && !t.Status.Terminal() {
				busyParent[t.ParentID] = true
			}
		}
		for _, t := range doc.Tasks {
			switch t.Status {
			case StatusClaimed, StatusSynthesizing:
				if t.ClaimedAt > 0 && now-t.ClaimedAt > b.opts.StaleClaim.Seconds() {
					recovered = append(recovered, RecoveredTask{TaskID: t.ID, Action: "requeued", Agent: t.AgentID})
					t.Status = StatusPending
					t.AgentID = ""
					t.ClaimedAt = 0
					t.Flags = append(t.Flags, "timeout_recovered:claimed")
				}
			case StatusReview, StatusCritique:
				if busyParent[t.ID] {
					continue
				}
				ref := t.ClaimedAt
				if ref == 0 {
					ref = t.CreatedAt
				}
				if now-ref > b.opts.StaleReview.Seconds() {
					recovered = append(recovered, RecoveredTask{TaskID: t.ID, Action: "force_completed", Agent: t.AgentID})
					t.Status = StatusCompleted
					t.CompletedAt = now
					t.AgentID = ""
					t.Flags = append(t.Flags, "timeout_recovered:review")
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range recovered {
		b.log.Warn("stale task recovered", "task", r.TaskID, "action", r.Action, "agent", r.Agent)
	}
	return recovered, nil
}

// ChildResult pairs a child task with its final output for synthesis.
type ChildResult struct {
	TaskID      string
	Description string
	Status      Status
	Result      string
}

// CollectResults gathers the outcomes of a parent's direct children in
// creation order. Used by the planner close-out synthesis.
func (b *Board) CollectResults(parentID string) ([]ChildResult, error) {
	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	if doc.find(parentID) == nil {
		return nil, ErrNotFound
	}
	var out []ChildResult
	for _, t := range doc.Tasks {
		if t.ParentID != parentID {
			continue
		}
		out = append(out, ChildResult{
			TaskID:      t.ID,
			Description: t.Description,
			Status:      t.Status,
			Result:      t.Result,
		})
	}
	return out, nil
}

// ChildrenDone reports whether every direct child of parentID reached a
// terminal state. True with zero children.
func (b *Board) ChildrenDone(parentID string) (bool, error) {
	doc, err := b.read()
	if err != nil {
		return false, err
	}
	for _, t := range doc.Tasks {
		if t.ParentID == parentID && !t.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// WaitOutcome is Wait's view of a finished or timed-out task.
type WaitOutcome struct {
	Task     *Task
	TimedOut bool
}

// Wait polls until the task reaches a terminal state, the timeout
// elapses, or ctx is cancelled. Poll interval is fixed at 2s to keep the
// board file cool.
func (b *Board) Wait(ctx context.Context, taskID string, timeout time.Duration) (*WaitOutcome, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		t, err := b.Get(taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return &WaitOutcome{Task: t}, nil
		}
		if time.Now().After(deadline) {
			return &WaitOutcome{Task: t, TimedOut: true}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}
