package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/mailbox"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
	"github.com/nextlevelbuilder/gocrew/internal/protocol"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
	"github.com/nextlevelbuilder/gocrew/internal/router"
	"github.com/nextlevelbuilder/gocrew/internal/tracing"
)

// fallbackMarker tags delegated tasks so a fallback-of-fallback is
// auto-completed instead of cascading forever.
const fallbackMarker = "planner fallback delegation"

var errTaskCancelled = errors.New("task cancelled")

// runTask executes one claimed task end to end and moves it to its next
// board state. Model or tool failures mark the task failed; a
// cancellation observed mid-loop aborts silently.
func (w *Worker) runTask(ctx context.Context, t *board.Task) {
	ctx, span := tracing.StartTaskRun(ctx, w.id, t.ID, w.spec.Role)
	out, err := w.toolLoop(ctx, t, w.buildMessages(t))
	if err != nil {
		if errors.Is(err, errTaskCancelled) {
			w.log.Info("task cancelled mid-run", "task", t.ID)
			tracing.EndTaskRun(span, string(board.StatusCancelled), nil)
			return
		}
		w.log.Error("task run failed", "task", t.ID, "error", err)
		if ferr := w.deps.Board.Fail(ctx, t.ID, err.Error()); ferr != nil {
			w.log.Error("mark task failed", "task", t.ID, "error", ferr)
		}
		tracing.EndTaskRun(span, string(board.StatusFailed), err)
		return
	}
	w.appendWindow(t.Description, out)

	if strings.EqualFold(w.spec.Role, "planner") {
		w.finishPlannerTask(ctx, t, out)
	} else {
		w.finishExecutorTask(ctx, t, out)
	}
	status := ""
	if got, gerr := w.deps.Board.Get(t.ID); gerr == nil {
		status = string(got.Status)
	}
	tracing.EndTaskRun(span, status, nil)
}

// toolLoop drives the model/tool conversation until the model stops
// requesting tools or the iteration cap is hit. The board's cancel flag
// is checked before every model call.
func (w *Worker) toolLoop(ctx context.Context, t *board.Task, messages []providers.Message) (string, error) {
	maxIter := w.defaults.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}
	req := providers.ChatRequest{
		Model:          w.defaults.Model,
		FallbackModels: w.defaults.FallbackModels,
		Messages:       messages,
		Options:        map[string]interface{}{},
	}
	if w.defaults.MaxTokens > 0 {
		req.Options[providers.OptMaxTokens] = w.defaults.MaxTokens
	}
	if w.defaults.Temperature > 0 {
		req.Options[providers.OptTemperature] = w.defaults.Temperature
	}
	if w.deps.Tools != nil {
		req.Tools = w.deps.Tools.Definitions()
	}

	var resp *providers.ChatResponse
	for iter := 0; iter < maxIter; iter++ {
		if w.deps.Board.IsCancelled(t.ID) {
			return "", errTaskCancelled
		}
		mctx, span := tracing.StartModelCall(ctx, w.id, req.Model)
		var provider string
		var err error
		resp, provider, err = w.deps.Caller.Chat(mctx, w.id, t.ID, req)
		tracing.EndModelCall(span, resp, provider, err)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 || w.deps.Tools == nil {
			return orchestrator.StripThink(resp.Content), nil
		}
		req.Messages = append(req.Messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			res := w.deps.Tools.Execute(ctx, w.id, call)
			req.Messages = append(req.Messages, providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: call.ID,
			})
		}
	}
	w.log.Warn("tool iteration cap reached", "task", t.ID, "cap", maxIter)
	return orchestrator.StripThink(resp.Content), nil
}

// finishPlannerTask routes the planner's output: answer directly,
// decompose into sub-tasks, or fall back to a single delegated task.
func (w *Worker) finishPlannerTask(ctx context.Context, t *board.Task, out string) {
	if router.Decide(t.Description, out) == protocol.RouteDirectAnswer {
		w.completeWithResult(ctx, t.ID, orchestrator.StripToolBlocks(out))
		w.log.Info("direct answer, task completed by planner", "task", t.ID)
		return
	}

	specs := orchestrator.ExtractSpecs(out)
	if len(specs) > 0 {
		ids, err := orchestrator.CreateSubtasks(ctx, w.deps.Board, t, specs, w.cfg.Pipeline.SubtaskCap())
		if err != nil {
			w.log.Error("subtask creation failed", "task", t.ID, "error", err)
		}
		if len(ids) > 0 {
			w.registerAndPark(ctx, t, out, ids)
			w.log.Info("planner created subtasks, waiting for close-out",
				"task", t.ID, "subtasks", len(ids))
			return
		}
	}

	// No usable sub-task blocks. Content-bearing output is delegated to
	// an executor once; a fallback-of-fallback auto-completes.
	stripped := strings.TrimSpace(out)
	if len(stripped) > 20 && !strings.Contains(t.Description, fallbackMarker) {
		desc := fmt.Sprintf("Execute the following task (%s):\nOriginal request: %s\nReference plan: %s",
			fallbackMarker, truncateRunes(t.Description, 500), truncateRunes(stripped, 1500))
		child, err := w.deps.Board.Create(ctx, board.CreateRequest{
			Description:  desc,
			RequiredRole: "implement",
			ParentID:     t.ID,
			Complexity:   protocol.ComplexityNormal,
			Source:       t.Source,
		})
		if err != nil {
			w.log.Error("fallback delegation failed", "task", t.ID, "error", err)
			w.completeWithResult(ctx, t.ID, orchestrator.StripToolBlocks(out))
			return
		}
		w.registerAndPark(ctx, t, out, []string{child.ID})
		w.log.Warn("planner output had no subtask blocks, auto-delegated",
			"task", t.ID, "fallback", child.ID)
		return
	}

	if strings.Contains(t.Description, fallbackMarker) {
		w.log.Warn("recursive fallback suppressed, auto-completing", "task", t.ID)
	}
	w.completeWithResult(ctx, t.ID, orchestrator.StripToolBlocks(out))
}

// registerAndPark stores the plan result, parks the parent in review
// until close-out, and wakes executors for the new sub-tasks.
func (w *Worker) registerAndPark(ctx context.Context, t *board.Task, out string, children []string) {
	if w.deps.Synth != nil {
		if err := w.deps.Synth.Register(ctx, t.ID, children); err != nil {
			w.log.Error("closeout register failed", "task", t.ID, "error", err)
		}
	}
	if err := w.deps.Board.SubmitForReview(ctx, t.ID, out); err != nil {
		if errors.Is(err, board.ErrSimpleTask) {
			w.completeWithResult(ctx, t.ID, out)
		} else {
			w.log.Error("park planner task", "task", t.ID, "error", err)
		}
	}
	w.notifyWake("subtasks")
}

// finishExecutorTask submits the result for review, or completes
// outright for simple tasks and when no reviewer exists.
func (w *Worker) finishExecutorTask(ctx context.Context, t *board.Task, out string) {
	if t.Complexity == protocol.ComplexitySimple {
		w.completeWithResult(ctx, t.ID, out)
		w.log.Info("simple task auto-completed, review skipped", "task", t.ID)
		return
	}
	if err := w.deps.Board.SubmitForReview(ctx, t.ID, out); err != nil {
		w.log.Error("submit for review", "task", t.ID, "error", err)
		return
	}
	if !w.sendCritiqueRequests(ctx, t, out) {
		w.log.Warn("no reviewers available, auto-completing", "task", t.ID)
		if err := w.deps.Board.Complete(ctx, t.ID); err != nil {
			w.log.Error("auto-complete without reviewer", "task", t.ID, "error", err)
		}
	}
}

func (w *Worker) completeWithResult(ctx context.Context, taskID, result string) {
	if err := w.deps.Board.SetResult(ctx, taskID, result); err != nil {
		w.log.Error("store result", "task", taskID, "error", err)
	}
	if err := w.deps.Board.Complete(ctx, taskID); err != nil {
		w.log.Error("complete task", "task", taskID, "error", err)
	}
}

// sendCritiqueRequests mails every configured reviewer except the
// sender. Reports whether at least one request went out.
func (w *Worker) sendCritiqueRequests(ctx context.Context, t *board.Task, result string) bool {
	sent := false
	for _, reviewer := range w.deps.Board.RoleCandidates("review") {
		if reviewer == w.id {
			continue
		}
		err := w.deps.Mail.Send(ctx, mailbox.Message{
			Type:   mailbox.TypeCritiqueRequest,
			From:   w.id,
			To:     reviewer,
			TaskID: t.ID,
			Payload: map[string]any{
				"description": t.Description,
				"result":      result,
			},
		})
		if err != nil {
			w.log.Error("send critique request", "to", reviewer, "error", err)
			continue
		}
		sent = true
	}
	if sent {
		w.notifyWake("critique")
	}
	return sent
}

// reviseTask reworks a task sent back by the reviewer. The board's
// critique-round cap makes the resubmission force-complete, so a second
// bounce is structurally impossible.
func (w *Worker) reviseTask(ctx context.Context, t *board.Task) {
	var suggestions []string
	if t.Critique != nil {
		suggestions = t.Critique.Suggestions()
	}
	prompt := "You previously submitted this result:\n" + t.Result +
		"\n\nThe reviewer asked for these revisions:\n"
	for _, s := range suggestions {
		prompt += "- " + s + "\n"
	}
	prompt += "\nFix only the parts these suggestions cover and return the full corrected result."

	messages := append(w.systemMessages(), providers.Message{Role: "user", Content: prompt})
	out, err := w.toolLoop(ctx, t, messages)
	if err != nil {
		if errors.Is(err, errTaskCancelled) {
			return
		}
		w.log.Error("critique revision failed, force-completing", "task", t.ID, "error", err)
		if cerr := w.deps.Board.Complete(ctx, t.ID); cerr != nil {
			w.log.Error("force-complete after failed revision", "task", t.ID, "error", cerr)
		}
		return
	}
	if err := w.deps.Board.SubmitForReview(ctx, t.ID, out); err != nil {
		w.log.Error("resubmit after revision", "task", t.ID, "error", err)
		return
	}
	w.log.Info("revision submitted", "task", t.ID, "round", t.CritiqueRound)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
