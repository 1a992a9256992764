// Package orchestrator owns the task pipeline above the board: intake
// and routing of user requests, sub-task extraction from planner output,
// the parent→children close-out registry, and final-answer synthesis.
// Agents run the pieces; nothing here holds in-memory state that another
// process cannot reconstruct from the shared files.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
	"github.com/nextlevelbuilder/gocrew/internal/protocol"
	"github.com/nextlevelbuilder/gocrew/internal/router"
	"github.com/nextlevelbuilder/gocrew/internal/wakeup"
)

// Orchestrator is the supervisor-side pipeline facade.
type Orchestrator struct {
	board *board.Board
	bus   *contextbus.Bus
	wake  *wakeup.Bus // may be nil (tests, one-shot CLI)
	cfg   *config.Config
	log   *slog.Logger
}

// New wires an orchestrator over the shared state handles.
func New(b *board.Board, bus *contextbus.Bus, wake *wakeup.Bus, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		board: b,
		bus:   bus,
		wake:  wake,
		cfg:   cfg,
		log:   slog.Default().With("component", "orchestrator"),
	}
}

// Submit classifies the user text and publishes the root task for the
// planner. Direct-answer requests are marked simple so they skip the
// review stage. Returns immediately with the task id; Wait blocks on it.
func (o *Orchestrator) Submit(ctx context.Context, text string, source board.Source) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("orchestrator: empty request")
	}
	complexity := protocol.ComplexityNormal
	if router.Classify(text) == protocol.RouteDirectAnswer {
		complexity = protocol.ComplexitySimple
	}

	t, err := o.board.Create(ctx, board.CreateRequest{
		Description:  text,
		RequiredRole: "planner",
		Complexity:   complexity,
		Source:       source,
	})
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	// Anchor the verbatim user text so later stages (critique context,
	// close-out synthesis) can see past any planner rephrasing.
	prov := contextbus.Provenance{Kind: "user", SourceChannel: source.Channel, SourceTaskID: t.ID}
	if err := o.bus.PublishWith(ctx, "system", IntentKey(t.ID), text, contextbus.LayerTask, 0, prov); err != nil {
		o.log.Warn("intent anchor publish failed", "task", t.ID, "error", err)
	}
	if o.wake != nil {
		if err := o.wake.Notify("task"); err != nil {
			o.log.Warn("wakeup notify failed", "error", err)
		}
	}
	o.log.Info("request submitted", "task", t.ID, "complexity", complexity, "channel", source.Channel)
	return t.ID, nil
}

// WaitResult is the outcome of waiting on a root task.
type WaitResult struct {
	Task     *board.Task
	TimedOut bool
}

// Wait polls the root task every 2s until it reaches a terminal state or
// the configured timeout elapses. onProgress, when non-nil, fires about
// every progress interval with the task's current snapshot. On ctx
// cancellation the whole task tree is cooperatively cancelled.
func (o *Orchestrator) Wait(ctx context.Context, taskID string, onProgress func(*board.Task, time.Duration)) (*WaitResult, error) {
	timeout := o.cfg.Pipeline.WaitTimeout()
	progressEvery := o.cfg.Pipeline.ProgressEvery()
	start := time.Now()
	deadline := start.Add(timeout)
	lastProgress := start

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		t, err := o.board.Get(taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			o.clearTaskState(ctx, taskID)
			return &WaitResult{Task: t}, nil
		}
		if time.Now().After(deadline) {
			o.log.Warn("wait timed out, failing task tree", "task", taskID, "after", timeout)
			if err := o.board.Fail(ctx, taskID, "timeout"); err != nil {
				o.log.Error("fail timed-out task", "task", taskID, "error", err)
			}
			if cancelled, err := o.board.CancelTree(ctx, taskID); err != nil {
				o.log.Error("cascade cancel after timeout", "task", taskID, "error", err)
			} else if len(cancelled) > 0 && o.wake != nil {
				_ = o.wake.Notify("cancel")
			}
			o.clearTaskState(ctx, taskID)
			if failed, err := o.board.Get(taskID); err == nil {
				t = failed
			}
			return &WaitResult{Task: t, TimedOut: true}, nil
		}
		if onProgress != nil && time.Since(lastProgress) >= progressEvery {
			lastProgress = time.Now()
			onProgress(t, time.Since(start))
		}
		select {
		case <-ctx.Done():
			if cancelled, cerr := o.Cancel(context.WithoutCancel(ctx), taskID); cerr == nil {
				o.log.Info("wait aborted, task tree cancelled", "task", taskID, "cancelled", len(cancelled))
			}
			return nil, fmt.Errorf("wait for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cancel transitively cancels the task and all its non-terminal
// descendants. Returns the ids actually cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) ([]string, error) {
	cancelled, err := o.board.CancelTree(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o.clearTaskState(ctx, taskID)
	if o.wake != nil {
		_ = o.wake.Notify("cancel")
	}
	return cancelled, nil
}

// clearTaskState drops the task's scratch entries from the context bus
// once its run is over, so one pipeline's state never leaks into the
// next. When the board has gone fully quiet, the whole task layer is
// purged; that also catches scratch published without a task id.
func (o *Orchestrator) clearTaskState(ctx context.Context, taskID string) {
	if err := o.bus.ClearTaskEntries(ctx, taskID); err != nil {
		o.log.Warn("clear task context failed", "task", taskID, "error", err)
	}
	if active, err := o.board.HasActive(); err == nil && !active {
		if err := o.bus.ClearTaskLayer(ctx); err != nil {
			o.log.Warn("clear task layer failed", "error", err)
		}
	}
}
