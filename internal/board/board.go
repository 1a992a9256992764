package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gocrew/internal/fsutil"
	"github.com/nextlevelbuilder/gocrew/internal/protocol"
)

// Sentinel errors surfaced to callers as structured outcomes.
var (
	ErrNotFound      = errors.New("board: task not found")
	ErrTerminal      = errors.New("board: task is in a terminal state")
	ErrBadTransition = errors.New("board: invalid status transition")
	ErrCycle         = errors.New("board: blocked_by would form a cycle")
	ErrSimpleTask    = errors.New("board: simple tasks auto-complete, not reviewed")
	ErrNotOwner      = errors.New("board: caller does not own this task")
)

// Default stale-recovery thresholds.
const (
	DefaultStaleClaim  = 180 * time.Second
	DefaultStaleReview = 300 * time.Second
)

// Options tunes role routing and stale recovery.
type Options struct {
	// RoleAgents maps a required_role keyword to the agent ids allowed to
	// claim it. Roles absent from the map are loose: any non-restricted
	// agent qualifies.
	RoleAgents map[string][]string

	// RestrictedAgents maps an agent id to the only required_role keywords
	// it may claim. A restricted agent never claims loose or unlabelled
	// tasks (the reviewer identity must not grab implementation work).
	RestrictedAgents map[string][]string

	StaleClaim  time.Duration
	StaleReview time.Duration
}

// DefaultOptions mirrors the planner/executor/reviewer team shape.
func DefaultOptions() Options {
	return Options{
		RoleAgents: map[string][]string{
			"planner":  {"planner"},
			"plan":     {"planner"},
			"review":   {"reviewer", "auditor"},
			"critique": {"reviewer", "auditor"},
		},
		RestrictedAgents: map[string][]string{
			"reviewer": {"review", "critique"},
		},
		StaleClaim:  DefaultStaleClaim,
		StaleReview: DefaultStaleReview,
	}
}

// document is the on-disk shape: an ordered task list so claim selection
// stays FIFO across processes.
type document struct {
	Tasks []*Task `json:"tasks"`
}

func (d *document) find(id string) *Task {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Board is a handle on the shared board file. Handles are cheap; every
// process opens its own.
type Board struct {
	path     string
	lockPath string
	opts     Options
	log      *slog.Logger
}

// Open creates a board handle rooted at dir, initializing an empty
// document if none exists.
func Open(dir string, opts Options) (*Board, error) {
	if opts.StaleClaim <= 0 {
		opts.StaleClaim = DefaultStaleClaim
	}
	if opts.StaleReview <= 0 {
		opts.StaleReview = DefaultStaleReview
	}
	b := &Board{
		path:     filepath.Join(dir, "task_board.json"),
		lockPath: filepath.Join(dir, ".task_board.lock"),
		opts:     opts,
		log:      slog.Default().With("component", "board"),
	}
	if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
		if err := fsutil.WriteJSONAtomic(b.path, &document{Tasks: []*Task{}}); err != nil {
			return nil, fmt.Errorf("init board: %w", err)
		}
	}
	return b, nil
}

// Dir returns the directory holding the board file.
func (b *Board) Dir() string { return filepath.Dir(b.path) }

func (b *Board) read() (*document, error) {
	var doc document
	err := fsutil.ReadJSON(b.path, &doc)
	if errors.Is(err, os.ErrNotExist) {
		return &document{}, nil
	}
	if err != nil {
		// Corrupt board: fail loud, refuse to guess.
		return nil, err
	}
	return &doc, nil
}

// mutate runs fn on the freshly-read document under the exclusive lock
// and persists the result atomically when fn succeeds.
func (b *Board) mutate(ctx context.Context, fn func(doc *document) error) error {
	return fsutil.WithLock(ctx, b.lockPath, func() error {
		doc, err := b.read()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return fsutil.WriteJSONAtomic(b.path, doc)
	})
}

// CreateRequest carries everything needed to publish a task.
type CreateRequest struct {
	Description   string
	RequiredRole  string
	ParentID      string
	BlockedBy     []string
	MinReputation int
	Complexity    protocol.Complexity
	Spec          string
	Source        Source
}

// Create publishes a new pending task. Dependencies must exist and must
// not close a cycle.
func (b *Board) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("board: empty task description")
	}
	t := &Task{
		ID:            uuid.NewString(),
		Description:   req.Description,
		Status:        StatusPending,
		RequiredRole:  strings.ToLower(req.RequiredRole),
		ParentID:      req.ParentID,
		BlockedBy:     append([]string(nil), req.BlockedBy...),
		MinReputation: req.MinReputation,
		Complexity:    protocol.ParseComplexity(string(req.Complexity)),
		Spec:          req.Spec,
		Source:        req.Source,
		CreatedAt:     nowUnix(),
	}
	err := b.mutate(ctx, func(doc *document) error {
		for _, dep := range t.BlockedBy {
			if doc.find(dep) == nil {
				return fmt.Errorf("board: unknown blocker %s: %w", dep, ErrNotFound)
			}
		}
		doc.Tasks = append(doc.Tasks, t)
		if hasCycle(doc, t.ID) {
			doc.Tasks = doc.Tasks[:len(doc.Tasks)-1]
			return ErrCycle
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("task created", "task", t.ID, "role", t.RequiredRole, "parent", t.ParentID)
	return t.clone(), nil
}

// SetBlockers replaces a pending task's dependency list. Edges that
// would close a cycle are rejected and the previous list is kept.
func (b *Board) SetBlockers(ctx context.Context, taskID string, blockedBy []string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status != StatusPending {
			return fmt.Errorf("%w: set blockers from %s", ErrBadTransition, t.Status)
		}
		for _, dep := range blockedBy {
			if dep == taskID {
				return ErrCycle
			}
			if doc.find(dep) == nil {
				return fmt.Errorf("board: unknown blocker %s: %w", dep, ErrNotFound)
			}
		}
		prev := t.BlockedBy
		t.BlockedBy = append([]string(nil), blockedBy...)
		if hasCycle(doc, t.ID) {
			t.BlockedBy = prev
			return ErrCycle
		}
		return nil
	})
}

// hasCycle walks blocked_by edges from start looking for a way back.
func hasCycle(doc *document, start string) bool {
	seen := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		t := doc.find(id)
		if t == nil {
			return false
		}
		for _, dep := range t.BlockedBy {
			if dep == start || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

// roleMatches decides whether an agent qualifies for a required_role.
func (b *Board) roleMatches(requiredRole, agentID string) bool {
	req := strings.ToLower(requiredRole)
	aid := strings.ToLower(agentID)
	if req == aid {
		return true
	}
	if allowed, strict := b.opts.RoleAgents[req]; strict {
		for _, id := range allowed {
			if id == aid {
				return true
			}
		}
		return false
	}
	// Loose role: substring match keeps "executor-2" eligible for "execute".
	return req == "" || strings.Contains(aid, req) || looseRole(req)
}

// looseRole marks roles claimable by any non-restricted agent.
func looseRole(req string) bool {
	switch req {
	case "implement", "execute", "code":
		return true
	}
	return false
}

// allowedForAgent applies the restricted-claim set.
func (b *Board) allowedForAgent(agentID, requiredRole string) bool {
	roles, restricted := b.opts.RestrictedAgents[strings.ToLower(agentID)]
	if !restricted {
		return true
	}
	req := strings.ToLower(requiredRole)
	for _, r := range roles {
		if r == req {
			return true
		}
	}
	return false
}

// ClaimNext atomically claims the first pending task the agent qualifies
// for, in insertion (FIFO) order. Returns (nil, nil) when nothing is
// claimable.
func (b *Board) ClaimNext(ctx context.Context, agentID string, reputation int) (*Task, error) {
	var claimed *Task
	err := b.mutate(ctx, func(doc *document) error {
		completed := map[string]bool{}
		for _, t := range doc.Tasks {
			if t.Status == StatusCompleted {
				completed[t.ID] = true
			}
		}
	scan:
		for _, t := range doc.Tasks {
			if t.Status != StatusPending {
				continue
			}
			if t.MinReputation > reputation {
				continue
			}
			for _, dep := range t.BlockedBy {
				if !completed[dep] {
					continue scan
				}
			}
			if t.RequiredRole != "" && !b.roleMatches(t.RequiredRole, agentID) {
				continue
			}
			if !b.allowedForAgent(agentID, t.RequiredRole) {
				continue
			}
			t.Status = StatusClaimed
			t.AgentID = agentID
			t.ClaimedAt = nowUnix()
			claimed = t.clone()
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		b.log.Info("task claimed", "agent", agentID, "task", claimed.ID)
	}
	return claimed, nil
}

// SubmitForReview stores the executor's result and moves the task to
// review. Simple tasks never enter review; call Complete instead.
func (b *Board) SubmitForReview(ctx context.Context, taskID, result string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status.Terminal() {
			return ErrTerminal
		}
		if t.Status != StatusClaimed {
			return fmt.Errorf("%w: submit_for_review from %s", ErrBadTransition, t.Status)
		}
		if t.Complexity == protocol.ComplexitySimple {
			return ErrSimpleTask
		}
		t.Result = result
		// Second submission after a critique round exhausts the rework
		// cap: the task force-completes with the latest result.
		if t.CritiqueRound >= 1 {
			t.Status = StatusCompleted
			t.CompletedAt = nowUnix()
			t.AgentID = ""
			return nil
		}
		t.Status = StatusReview
		return nil
	})
}

// Complete marks a task done. Valid from claimed (simple tasks or forced
// synthesis), review (reviewer fallback), or synthesizing (close-out).
func (b *Board) Complete(ctx context.Context, taskID string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status == StatusCompleted {
			return nil // idempotent
		}
		switch t.Status {
		case StatusClaimed, StatusReview, StatusSynthesizing:
		default:
			return fmt.Errorf("%w: complete from %s", ErrBadTransition, t.Status)
		}
		t.Status = StatusCompleted
		t.CompletedAt = nowUnix()
		t.AgentID = ""
		return nil
	})
}

// AddCritique applies the reviewer's verdict to a task in review.
// LGTM completes it; NEEDS_WORK sends it to critique for one revision
// round. A repeated LGTM on an already-completed task is a no-op.
func (b *Board) AddCritique(ctx context.Context, taskID string, c *protocol.Critique) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status == StatusCompleted && c.Verdict == protocol.VerdictLGTM {
			return nil
		}
		if t.Status.Terminal() {
			return ErrTerminal
		}
		if t.Status != StatusReview {
			return fmt.Errorf("%w: add_critique from %s", ErrBadTransition, t.Status)
		}
		t.Critique = c
		if c.Verdict == protocol.VerdictNeedsWork && t.CritiqueRound < 1 {
			t.Status = StatusCritique
			t.CritiqueRound++
			return nil
		}
		t.Status = StatusCompleted
		t.CompletedAt = nowUnix()
		t.AgentID = ""
		return nil
	})
}

// ClaimCritique returns a task of the caller's that was sent back for
// revision, re-asserting the claim. Only the original executor may adopt
// its own critique.
func (b *Board) ClaimCritique(ctx context.Context, agentID string) (*Task, error) {
	var claimed *Task
	err := b.mutate(ctx, func(doc *document) error {
		for _, t := range doc.Tasks {
			if t.Status != StatusCritique {
				continue
			}
			if t.AgentID != agentID {
				continue
			}
			t.Status = StatusClaimed
			t.ClaimedAt = nowUnix()
			claimed = t.clone()
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// StartSynthesis transitions a parent from review to synthesizing,
// claiming exclusive close-out for the calling agent. Returns false when
// another agent already holds it or the task moved on.
func (b *Board) StartSynthesis(ctx context.Context, taskID, agentID string) (bool, error) {
	var ok bool
	err := b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status != StatusReview {
			return nil
		}
		t.Status = StatusSynthesizing
		t.AgentID = agentID
		// Synthesis restarts the stale-claim clock; the review wait that
		// preceded it does not count against the synthesizing agent.
		t.ClaimedAt = nowUnix()
		ok = true
		return nil
	})
	return ok, err
}

// SetResult stores a result without changing status (close-out synthesis).
func (b *Board) SetResult(ctx context.Context, taskID, result string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status.Terminal() && t.Status != StatusCompleted {
			return ErrTerminal
		}
		t.Result = result
		return nil
	})
}

// Fail marks a task failed with a tagged reason.
func (b *Board) Fail(ctx context.Context, taskID, reason string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status.Terminal() {
			return ErrTerminal
		}
		t.Status = StatusFailed
		t.AgentID = ""
		t.Flags = append(t.Flags, "failed:"+reason)
		return nil
	})
}

// Cancel marks a single non-terminal task cancelled.
func (b *Board) Cancel(ctx context.Context, taskID string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status.Terminal() {
			return ErrTerminal
		}
		cancelTask(t)
		return nil
	})
}

// CancelTree cancels a task and, transitively, every non-terminal
// descendant, in one atomic board commit.
func (b *Board) CancelTree(ctx context.Context, rootID string) ([]string, error) {
	var cancelled []string
	err := b.mutate(ctx, func(doc *document) error {
		if doc.find(rootID) == nil {
			return ErrNotFound
		}
		children := map[string][]string{}
		for _, t := range doc.Tasks {
			if t.ParentID != "" {
				children[t.ParentID] = append(children[t.ParentID], t.ID)
			}
		}
		queue := []string{rootID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if t := doc.find(id); t != nil && !t.Status.Terminal() {
				cancelTask(t)
				cancelled = append(cancelled, id)
			}
			queue = append(queue, children[id]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func cancelTask(t *Task) {
	t.Status = StatusCancelled
	t.AgentID = ""
	t.CompletedAt = nowUnix()
}

// Pause parks a pending or claimed task.
func (b *Board) Pause(ctx context.Context, taskID string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status != StatusPending && t.Status != StatusClaimed {
			return fmt.Errorf("%w: pause from %s", ErrBadTransition, t.Status)
		}
		t.Status = StatusPaused
		t.AgentID = ""
		return nil
	})
}

// Resume returns a paused task to the claimable pool.
func (b *Board) Resume(ctx context.Context, taskID string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status != StatusPaused {
			return fmt.Errorf("%w: resume from %s", ErrBadTransition, t.Status)
		}
		t.Status = StatusPending
		return nil
	})
}

// Retry re-queues a failed or cancelled task.
func (b *Board) Retry(ctx context.Context, taskID string) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		if t.Status != StatusFailed && t.Status != StatusCancelled {
			return fmt.Errorf("%w: retry from %s", ErrBadTransition, t.Status)
		}
		t.Status = StatusPending
		t.AgentID = ""
		t.ClaimedAt = 0
		t.CompletedAt = 0
		return nil
	})
}

// SetCost records the model spend attributed to a task.
func (b *Board) SetCost(ctx context.Context, taskID string, costUSD float64) error {
	return b.mutate(ctx, func(doc *document) error {
		t := doc.find(taskID)
		if t == nil {
			return ErrNotFound
		}
		t.CostUSD += costUSD
		return nil
	})
}

// Get returns a snapshot of one task.
func (b *Board) Get(taskID string) (*Task, error) {
	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	t := doc.find(taskID)
	if t == nil {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

// IsCancelled is the cooperative-cancellation check workers poll between
// tool iterations.
func (b *Board) IsCancelled(taskID string) bool {
	t, err := b.Get(taskID)
	return err == nil && t.Status == StatusCancelled
}

// List returns a snapshot of every task in insertion order.
func (b *Board) List() ([]*Task, error) {
	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		out = append(out, t.clone())
	}
	return out, nil
}

// PendingRoles returns the required_role values of currently pending
// tasks, used by the lazy runtime to decide which agents to launch.
func (b *Board) PendingRoles() ([]string, error) {
	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	var roles []string
	for _, t := range doc.Tasks {
		if t.Status == StatusPending && t.RequiredRole != "" {
			roles = append(roles, t.RequiredRole)
		}
	}
	return roles, nil
}

// HasActive reports whether any task is still in flight.
func (b *Board) HasActive() (bool, error) {
	doc, err := b.read()
	if err != nil {
		return false, err
	}
	for _, t := range doc.Tasks {
		switch t.Status {
		case StatusPending, StatusClaimed, StatusReview, StatusCritique, StatusSynthesizing, StatusPaused:
			return true, nil
		}
	}
	return false, nil
}

// HasClaimBy reports whether the agent currently owns any task.
func (b *Board) HasClaimBy(agentID string) (bool, error) {
	doc, err := b.read()
	if err != nil {
		return false, err
	}
	for _, t := range doc.Tasks {
		if t.AgentID == agentID && t.Status.owned() {
			return true, nil
		}
	}
	return false, nil
}

// RoleCandidates maps a required_role to the agent ids that may serve it,
// consulting the strict map first.
func (b *Board) RoleCandidates(requiredRole string) []string {
	req := strings.ToLower(requiredRole)
	if ids, ok := b.opts.RoleAgents[req]; ok {
		return ids
	}
	return nil
}
