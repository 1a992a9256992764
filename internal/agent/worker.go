// Package agent runs the per-agent worker loop: drain mail, pick up
// critique revisions, claim board tasks, and execute them through the
// resilient model client and the tool registry. One worker per process;
// all coordination happens through the shared file-backed state.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
	"github.com/nextlevelbuilder/gocrew/internal/heartbeat"
	"github.com/nextlevelbuilder/gocrew/internal/mailbox"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
	"github.com/nextlevelbuilder/gocrew/internal/tools"
	"github.com/nextlevelbuilder/gocrew/internal/wakeup"
)

const (
	defaultMaxIdleCycles     = 30
	defaultMaxToolIterations = 20
	defaultReputation        = 100
	staleSweepEvery          = 30 * time.Second
)

// Deps are the shared-state handles a worker operates on. Wake and
// Heart may be nil; Tools may be nil for model-only agents.
type Deps struct {
	Board  *board.Board
	Bus    *contextbus.Bus
	Mail   *mailbox.Box
	Wake   *wakeup.Bus
	Heart  *heartbeat.Monitor
	Caller orchestrator.ModelCaller
	Tools  *tools.Registry
	Synth  *orchestrator.Synthesizer
}

// Worker is one agent's event loop.
type Worker struct {
	id       string
	cfg      *config.Config
	defaults config.AgentDefaults
	spec     config.AgentSpec
	deps     Deps
	log      *slog.Logger

	mu         sync.Mutex
	hbStatus   string
	hbTaskID   string
}

// New builds a worker for the configured agent id.
func New(id string, cfg *config.Config, deps Deps) *Worker {
	defaults, spec := cfg.ResolveAgent(id)
	return &Worker{
		id:       id,
		cfg:      cfg,
		defaults: defaults,
		spec:     spec,
		deps:     deps,
		log:      slog.Default().With("component", "worker", "agent", id),
		hbStatus: "idle",
	}
}

// ID returns the agent's identifier.
func (w *Worker) ID() string { return w.id }

func (w *Worker) setStatus(status, taskID string) {
	w.mu.Lock()
	w.hbStatus, w.hbTaskID = status, taskID
	w.mu.Unlock()
}

func (w *Worker) heartbeatStatus() (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hbStatus, w.hbTaskID
}

func (w *Worker) reputation() int {
	if w.spec.Reputation > 0 {
		return w.spec.Reputation
	}
	return defaultReputation
}

func (w *Worker) maxIdle() int {
	if w.defaults.MaxIdleCycles > 0 {
		return w.defaults.MaxIdleCycles
	}
	return defaultMaxIdleCycles
}

// Run executes the worker loop until a shutdown message arrives, the
// idle limit is reached with nothing left to wait for, or ctx ends.
// Per tick, in priority order: mailbox, critique revision, regular
// claim, idle backoff.
func (w *Worker) Run(ctx context.Context) error {
	if w.deps.Heart != nil {
		hctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go w.deps.Heart.Run(hctx, w.id, w.heartbeatStatus)
	}

	var wakeCh <-chan struct{}
	if w.deps.Wake != nil {
		ch, err := w.deps.Wake.Watch(ctx)
		if err != nil {
			w.log.Warn("wakeup watch unavailable, falling back to polling", "error", err)
		} else {
			wakeCh = ch
		}
	}

	idle := 0
	lastSweep := time.Now()
	w.log.Info("worker started", "role", w.spec.Role)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastSweep) > staleSweepEvery {
			lastSweep = time.Now()
			if recovered, err := w.deps.Board.RecoverStale(ctx); err == nil && len(recovered) > 0 {
				w.log.Info("recovered stale tasks", "count", len(recovered))
			}
		}

		stop, err := w.drainMail(ctx)
		if err != nil {
			w.log.Error("mailbox drain failed", "error", err)
		}
		if stop {
			w.log.Info("shutdown requested, exiting")
			return nil
		}

		if t, err := w.deps.Board.ClaimCritique(ctx, w.id); err == nil && t != nil {
			w.setStatus("working", t.ID)
			w.reviseTask(ctx, t)
			w.setStatus("idle", "")
			w.checkCloseouts(ctx)
			idle = 0
			continue
		}

		t, err := w.deps.Board.ClaimNext(ctx, w.id, w.reputation())
		if err != nil {
			w.log.Error("claim failed", "error", err)
		}
		if t == nil {
			exit, wait := w.idleStep(&idle)
			if exit {
				w.log.Info("idle limit reached, exiting")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wakeCh:
			case <-time.After(wait):
			}
			continue
		}

		idle = 0
		w.setStatus("working", t.ID)
		w.runTask(ctx, t)
		w.setStatus("idle", "")
		w.checkCloseouts(ctx)
	}
}

// idleStep advances the idle counter and returns whether to exit and
// how long to back off. While other tasks are active or close-outs are
// pending, the counter grows at half rate and the worker never exits.
func (w *Worker) idleStep(idle *int) (exit bool, wait time.Duration) {
	active, _ := w.deps.Board.HasActive()
	pending := w.deps.Synth != nil && w.deps.Synth.HasPending()
	max := w.maxIdle()

	if active || pending {
		if *idle < max/2 {
			*idle++
		}
	} else {
		*idle++
	}
	if *idle >= max && !active && !pending {
		return true, 0
	}
	wait = time.Duration(*idle)*500*time.Millisecond + time.Second
	if wait > 5*time.Second {
		wait = 5 * time.Second
	}
	return false, wait
}

// drainMail processes the inbox. Returns stop=true on shutdown.
func (w *Worker) drainMail(ctx context.Context) (bool, error) {
	msgs, err := w.deps.Mail.Drain(ctx, w.id)
	if err != nil {
		return false, err
	}
	stop := false
	for _, msg := range msgs {
		switch msg.Type {
		case mailbox.TypeShutdown:
			w.log.Info("shutdown message received", "from", msg.From)
			stop = true
		case mailbox.TypeCritiqueRequest:
			w.setStatus("working", msg.TaskID)
			w.handleCritique(ctx, msg)
			w.setStatus("idle", "")
			w.checkCloseouts(ctx)
		case mailbox.TypeWakeup:
			// Claim attempt follows on this tick anyway.
		default:
			w.log.Debug("ignoring message", "type", msg.Type, "from", msg.From)
		}
	}
	return stop, nil
}

func (w *Worker) checkCloseouts(ctx context.Context) {
	if w.deps.Synth == nil {
		return
	}
	if err := w.deps.Synth.CheckCloseouts(ctx, w.id); err != nil {
		w.log.Error("closeout check failed", "error", err)
	}
}

func (w *Worker) notifyWake(kind string) {
	if w.deps.Wake == nil {
		return
	}
	if err := w.deps.Wake.Notify(kind); err != nil {
		w.log.Warn("wakeup notify failed", "kind", kind, "error", err)
	}
}
