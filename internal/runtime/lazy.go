package runtime

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
)

// Lazy wraps a delegate runtime with on-demand startup and idle
// shutdown. Always-on agents launch at startup and never stop; the rest
// launch when the board shows pending work for their role and stop
// after sitting idle past the configured threshold.
type Lazy struct {
	delegate Runtime
	cfg      *config.Config
	board    *board.Board
	log      *slog.Logger

	mu           sync.Mutex
	registered   map[string]config.AgentSpec
	lastActivity map[string]time.Time
}

// NewLazy builds a lazy runtime over delegate with the configured
// roster registered but not started.
func NewLazy(delegate Runtime, cfg *config.Config, b *board.Board) *Lazy {
	l := &Lazy{
		delegate:     delegate,
		cfg:          cfg,
		board:        b,
		log:          slog.Default().With("component", "runtime"),
		registered:   map[string]config.AgentSpec{},
		lastActivity: map[string]time.Time{},
	}
	for _, id := range cfg.AgentIDs() {
		_, spec := cfg.ResolveAgent(id)
		l.registered[id] = spec
	}
	return l
}

// Start launches one agent via the delegate and stamps its activity.
func (l *Lazy) Start(ctx context.Context, agentID string) error {
	if err := l.delegate.Start(ctx, agentID); err != nil {
		return err
	}
	l.touch(agentID)
	return nil
}

// StartAll launches every always-on agent; the rest stay registered
// until demand appears.
func (l *Lazy) StartAll(ctx context.Context) error {
	for _, id := range l.AgentIDs() {
		l.mu.Lock()
		spec := l.registered[id]
		l.mu.Unlock()
		if !spec.AlwaysOn {
			l.log.Info("agent registered for on-demand start", "agent", id)
			continue
		}
		if err := l.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// EnsureRunning starts the agent if it is not alive; either way the
// activity stamp is refreshed. Idempotent.
func (l *Lazy) EnsureRunning(ctx context.Context, agentID string) error {
	if l.delegate.Alive(agentID) {
		l.touch(agentID)
		return nil
	}
	l.mu.Lock()
	_, ok := l.registered[agentID]
	l.mu.Unlock()
	if !ok {
		l.log.Warn("ensure-running for unregistered agent", "agent", agentID)
		return nil
	}
	l.log.Info("on-demand start", "agent", agentID)
	return l.Start(ctx, agentID)
}

// Alive reports delegate liveness.
func (l *Lazy) Alive(agentID string) bool { return l.delegate.Alive(agentID) }

// AgentIDs returns all registered agents, alive or not, sorted.
func (l *Lazy) AgentIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.registered))
	for id := range l.registered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop stops one agent via the delegate.
func (l *Lazy) Stop(ctx context.Context, agentID string) error {
	return l.delegate.Stop(ctx, agentID)
}

// StopAll stops everything via the delegate.
func (l *Lazy) StopAll(ctx context.Context) error {
	return l.delegate.StopAll(ctx)
}

// Touch refreshes an agent's activity stamp; callers use it when an
// agent demonstrably did work.
func (l *Lazy) Touch(agentID string) { l.touch(agentID) }

func (l *Lazy) touch(agentID string) {
	l.mu.Lock()
	l.lastActivity[agentID] = time.Now()
	l.mu.Unlock()
}

// Monitor runs the supervision loop until ctx ends: every monitor tick
// it starts agents needed by pending board tasks, and on the slower
// idle-eval cadence it stops agents idle past the shutdown threshold.
func (l *Lazy) Monitor(ctx context.Context) {
	tick := time.NewTicker(l.cfg.Runtime.MonitorTick())
	defer tick.Stop()
	lastIdleEval := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		l.startNeeded(ctx)
		if time.Since(lastIdleEval) >= l.cfg.Runtime.IdleEval() {
			lastIdleEval = time.Now()
			l.stopIdle(ctx)
		}
	}
}

// startNeeded launches registered agents whose role is demanded by a
// pending task.
func (l *Lazy) startNeeded(ctx context.Context) {
	roles, err := l.board.PendingRoles()
	if err != nil {
		l.log.Warn("pending-role scan failed", "error", err)
		return
	}
	needed := map[string]bool{}
	for _, role := range roles {
		for _, id := range l.candidates(role) {
			if !l.delegate.Alive(id) {
				needed[id] = true
			}
		}
	}
	for id := range needed {
		l.log.Info("pending tasks need agent, starting", "agent", id)
		if err := l.Start(ctx, id); err != nil {
			l.log.Error("on-demand start failed", "agent", id, "error", err)
		}
	}
}

// stopIdle shuts down on-demand agents that are idle past the threshold
// and hold no claim on the board.
func (l *Lazy) stopIdle(ctx context.Context) {
	threshold := l.cfg.Runtime.IdleShutdown()
	if threshold <= 0 {
		return
	}
	l.mu.Lock()
	type candidate struct {
		id   string
		idle time.Duration
	}
	var idle []candidate
	for id, spec := range l.registered {
		if spec.AlwaysOn || !l.delegate.Alive(id) {
			continue
		}
		last, ok := l.lastActivity[id]
		if !ok {
			l.lastActivity[id] = time.Now()
			continue
		}
		if d := time.Since(last); d > threshold {
			idle = append(idle, candidate{id, d})
		}
	}
	l.mu.Unlock()

	for _, c := range idle {
		if claimed, err := l.board.HasClaimBy(c.id); err != nil || claimed {
			continue
		}
		l.log.Info("stopping idle agent", "agent", c.id, "idle", c.idle.Round(time.Second))
		if err := l.delegate.Stop(ctx, c.id); err != nil {
			l.log.Warn("idle stop failed", "agent", c.id, "error", err)
		}
	}
}

// candidates maps a required_role to the registered agents allowed to
// claim it: restricted agents match only their listed roles, planner
// work goes only to planner-role agents, everything else is loose.
func (l *Lazy) candidates(role string) []string {
	role = strings.ToLower(role)
	l.mu.Lock()
	defer l.mu.Unlock()

	var strict, loose []string
	for id, spec := range l.registered {
		if len(spec.OnlyRoles) > 0 {
			for _, r := range spec.OnlyRoles {
				if strings.EqualFold(r, role) {
					strict = append(strict, id)
					break
				}
			}
			continue
		}
		if role == "planner" || role == "plan" {
			if strings.EqualFold(spec.Role, "planner") {
				strict = append(strict, id)
			}
			continue
		}
		if !strings.EqualFold(spec.Role, "planner") {
			loose = append(loose, id)
		}
	}
	if len(strict) > 0 {
		sort.Strings(strict)
		return strict
	}
	sort.Strings(loose)
	return loose
}
