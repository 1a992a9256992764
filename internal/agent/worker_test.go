package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
	"github.com/nextlevelbuilder/gocrew/internal/mailbox"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
	"github.com/nextlevelbuilder/gocrew/internal/tools"
)

type fakeCaller struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     int
}

func (f *fakeCaller) Chat(ctx context.Context, agentID, taskID string, req providers.ChatRequest) (*providers.ChatResponse, string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], "fake", nil
	}
	return &providers.ChatResponse{Content: "ok"}, "fake", nil
}

type harness struct {
	board     *board.Board
	bus       *contextbus.Bus
	mail      *mailbox.Box
	closeouts *orchestrator.Closeouts
	cfg       *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	b, err := board.Open(dir, board.DefaultOptions())
	require.NoError(t, err)
	bus, err := contextbus.Open(dir)
	require.NoError(t, err)
	mail, err := mailbox.Open(dir + "/mailboxes")
	require.NoError(t, err)
	closeouts, err := orchestrator.OpenCloseouts(dir)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Runtime.StateDir = dir
	return &harness{board: b, bus: bus, mail: mail, closeouts: closeouts, cfg: cfg}
}

func (h *harness) worker(id string, caller orchestrator.ModelCaller, registry *tools.Registry) *Worker {
	synth := orchestrator.NewSynthesizer(h.board, h.bus, h.closeouts, caller, registry, h.cfg)
	return New(id, h.cfg, Deps{
		Board:  h.board,
		Bus:    h.bus,
		Mail:   h.mail,
		Caller: caller,
		Tools:  registry,
		Synth:  synth,
	})
}

func claim(t *testing.T, b *board.Board, agentID string) *board.Task {
	t.Helper()
	task, err := b.ClaimNext(context.Background(), agentID, 100)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestExecutorSubmitsForReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker("executor", &fakeCaller{responses: []*providers.ChatResponse{{Content: "built it"}}}, nil)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "build the thing", RequiredRole: "implement"})
	require.NoError(t, err)
	task := claim(t, h.board, "executor")
	w.runTask(ctx, task)

	got, err := h.board.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, board.StatusReview, got.Status)
	assert.Equal(t, "built it", got.Result)

	msgs, err := h.mail.Drain(ctx, "reviewer")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, mailbox.TypeCritiqueRequest, msgs[0].Type)
	assert.Equal(t, task.ID, msgs[0].TaskID)
	assert.Equal(t, "built it", msgs[0].Payload["result"])
}

func TestSimpleTaskAutoCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker("executor", &fakeCaller{responses: []*providers.ChatResponse{{Content: "listed"}}}, nil)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "list directory", RequiredRole: "implement", Complexity: "simple"})
	require.NoError(t, err)
	task := claim(t, h.board, "executor")
	w.runTask(ctx, task)

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusCompleted, got.Status)
	assert.Equal(t, "listed", got.Result)
	assert.False(t, h.mail.Pending("reviewer"))
}

func TestPlannerDirectAnswer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker("planner", &fakeCaller{responses: []*providers.ChatResponse{
		{Content: "ROUTE: DIRECT_ANSWER\nA goroutine is a lightweight thread."},
	}}, nil)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "what is a goroutine?", RequiredRole: "planner"})
	require.NoError(t, err)
	task := claim(t, h.board, "planner")
	w.runTask(ctx, task)

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusCompleted, got.Status)
	assert.Contains(t, got.Result, "lightweight thread")
	assert.False(t, h.closeouts.HasPending())
}

func TestPlannerCreatesSubtasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := "ROUTE: PIPELINE\n" +
		"```subtask\n{\"objective\": \"fetch the data\"}\n```\n" +
		"```subtask\n{\"objective\": \"summarize the data\"}\n```\n"
	w := h.worker("planner", &fakeCaller{responses: []*providers.ChatResponse{{Content: out}}}, nil)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "research and report on X", RequiredRole: "planner"})
	require.NoError(t, err)
	task := claim(t, h.board, "planner")
	w.runTask(ctx, task)

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusReview, got.Status, "parent parks in review until close-out")
	assert.True(t, h.closeouts.HasPending())

	all, err := h.board.List()
	require.NoError(t, err)
	var children int
	for _, c := range all {
		if c.ParentID == task.ID {
			children++
			assert.Equal(t, board.StatusPending, c.Status)
		}
	}
	assert.Equal(t, 2, children)
}

func TestPlannerFallbackDelegation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker("planner", &fakeCaller{responses: []*providers.ChatResponse{
		{Content: "Here is a detailed plan without any machine-readable blocks in it."},
	}}, nil)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "write and deploy the server", RequiredRole: "planner"})
	require.NoError(t, err)
	task := claim(t, h.board, "planner")
	w.runTask(ctx, task)

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusReview, got.Status)
	assert.True(t, h.closeouts.HasPending())

	all, _ := h.board.List()
	var fallback *board.Task
	for _, c := range all {
		if c.ParentID == task.ID {
			fallback = c
		}
	}
	require.NotNil(t, fallback)
	assert.Equal(t, "implement", fallback.RequiredRole)
	assert.Contains(t, fallback.Description, "planner fallback delegation")
}

func TestPlannerFallbackRecursionGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker("planner", &fakeCaller{responses: []*providers.ChatResponse{
		{Content: "Another plan, still without any subtask blocks anywhere."},
	}}, nil)

	desc := "Execute the following task (planner fallback delegation):\nOriginal request: deploy it"
	_, err := h.board.Create(ctx, board.CreateRequest{Description: desc, RequiredRole: "planner"})
	require.NoError(t, err)
	task := claim(t, h.board, "planner")
	w.runTask(ctx, task)

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusCompleted, got.Status)

	all, _ := h.board.List()
	assert.Len(t, all, 1, "no fallback-of-fallback may be created")
}

// reviewTask puts a task into review owned by "executor".
func reviewTask(t *testing.T, h *harness, desc string) *board.Task {
	t.Helper()
	ctx := context.Background()
	_, err := h.board.Create(ctx, board.CreateRequest{Description: desc, RequiredRole: "implement"})
	require.NoError(t, err)
	task := claim(t, h.board, "executor")
	require.NoError(t, h.board.SubmitForReview(ctx, task.ID, "first attempt"))
	return task
}

func critiqueJSON(accuracy int, verdict string, items string) string {
	return fmt.Sprintf(`{"dimensions": {"accuracy": %d, "completeness": 9, "technical": 9, "calibration": 9, "efficiency": 9}, "verdict": "%s", "items": [%s], "confidence": 0.9}`,
		accuracy, verdict, items)
}

func TestCritiqueLGTMCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	task := reviewTask(t, h, "make a widget")
	w := h.worker("reviewer", &fakeCaller{responses: []*providers.ChatResponse{
		{Content: "Looks good.\n" + critiqueJSON(9, "LGTM", "")},
	}}, nil)

	w.handleCritique(ctx, mailbox.Message{
		Type:    mailbox.TypeCritiqueRequest,
		From:    "executor",
		To:      "reviewer",
		TaskID:  task.ID,
		Payload: map[string]any{"description": "make a widget", "result": "first attempt"},
	})

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusCompleted, got.Status)
	require.NotNil(t, got.Critique)
	assert.Equal(t, "reviewer", got.Critique.ReviewerID)
}

func TestCritiqueNeedsWorkThenRevisionForceCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	task := reviewTask(t, h, "make a widget")

	reviewer := h.worker("reviewer", &fakeCaller{responses: []*providers.ChatResponse{
		{Content: critiqueJSON(4, "NEEDS_WORK", `{"dimension": "accuracy", "issue": "wrong", "suggestion": "fix the math"}`)},
	}}, nil)
	reviewer.handleCritique(ctx, mailbox.Message{
		Type:    mailbox.TypeCritiqueRequest,
		TaskID:  task.ID,
		Payload: map[string]any{"description": "make a widget", "result": "first attempt"},
	})

	got, _ := h.board.Get(task.ID)
	require.Equal(t, board.StatusCritique, got.Status)
	require.Equal(t, 1, got.CritiqueRound)

	executor := h.worker("executor", &fakeCaller{responses: []*providers.ChatResponse{{Content: "fixed attempt"}}}, nil)
	revision, err := h.board.ClaimCritique(ctx, "executor")
	require.NoError(t, err)
	require.NotNil(t, revision)
	assert.Equal(t, []string{"fix the math"}, revision.Critique.Suggestions())
	executor.reviseTask(ctx, revision)

	got, _ = h.board.Get(task.ID)
	assert.Equal(t, board.StatusCompleted, got.Status)
	assert.Equal(t, "fixed attempt", got.Result)
}

func TestCritiqueFallbackOnGarbageOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	task := reviewTask(t, h, "make a widget")
	w := h.worker("reviewer", &fakeCaller{responses: []*providers.ChatResponse{{Content: "I refuse to emit JSON."}}}, nil)

	w.handleCritique(ctx, mailbox.Message{
		Type:    mailbox.TypeCritiqueRequest,
		TaskID:  task.ID,
		Payload: map[string]any{"description": "make a widget", "result": "first attempt"},
	})

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusCompleted, got.Status, "fallback critique must pass the task through")
}

type stubTool struct {
	lastArgs map[string]interface{}
}

func (s *stubTool) Name() string                       { return "stub" }
func (s *stubTool) Description() string                { return "records its arguments" }
func (s *stubTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	s.lastArgs = args
	return tools.NewResult("stub says hi")
}

func TestToolLoopFeedsResultsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stub := &stubTool{}
	registry := tools.NewRegistry("")
	registry.Register(stub)

	caller := &fakeCaller{responses: []*providers.ChatResponse{
		{Content: "", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "stub", Arguments: map[string]interface{}{"q": "x"}}}},
		{Content: "final answer using the tool"},
	}}
	w := h.worker("executor", caller, registry)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "use the stub", RequiredRole: "implement", Complexity: "simple"})
	require.NoError(t, err)
	task := claim(t, h.board, "executor")
	w.runTask(ctx, task)

	assert.Equal(t, 2, caller.calls)
	assert.Equal(t, map[string]interface{}{"q": "x"}, stub.lastArgs)
	got, _ := h.board.Get(task.ID)
	assert.Equal(t, "final answer using the tool", got.Result)
}

func TestRunTaskAbortsWhenCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	caller := &fakeCaller{}
	w := h.worker("executor", caller, nil)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "doomed work", RequiredRole: "implement"})
	require.NoError(t, err)
	task := claim(t, h.board, "executor")
	_, err = h.board.CancelTree(ctx, task.ID)
	require.NoError(t, err)

	w.runTask(ctx, task)
	assert.Equal(t, 0, caller.calls, "no model call after cancellation")
	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusCancelled, got.Status)
}

func TestModelFailureMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker("executor", &fakeCaller{errs: []error{fmt.Errorf("all providers down")}}, nil)

	_, err := h.board.Create(ctx, board.CreateRequest{Description: "fragile work", RequiredRole: "implement"})
	require.NoError(t, err)
	task := claim(t, h.board, "executor")
	w.runTask(ctx, task)

	got, _ := h.board.Get(task.ID)
	assert.Equal(t, board.StatusFailed, got.Status)
	assert.Contains(t, got.Flags, "failed:all providers down")
}

func TestRunExitsOnShutdownMail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker("executor", &fakeCaller{}, nil)

	require.NoError(t, h.mail.Send(ctx, mailbox.Message{
		Type: mailbox.TypeShutdown, From: "runtime", To: "executor",
	}))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on shutdown message")
	}
}

func TestRunExitsAfterIdleLimit(t *testing.T) {
	h := newHarness(t)
	h.cfg.Agents.Defaults.MaxIdleCycles = 1
	w := h.worker("executor", &fakeCaller{}, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit when idle")
	}
}

func TestShortTermWindowTrims(t *testing.T) {
	h := newHarness(t)
	w := h.worker("executor", &fakeCaller{}, nil)

	for i := 0; i < 15; i++ {
		w.appendWindow(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	win := w.loadWindow()
	require.Len(t, win, shortTermCap)
	assert.Equal(t, "q5", win[0].Content)
	assert.Equal(t, "a14", win[len(win)-1].Content)
}
