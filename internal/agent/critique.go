package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/mailbox"
	"github.com/nextlevelbuilder/gocrew/internal/orchestrator"
	"github.com/nextlevelbuilder/gocrew/internal/protocol"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
)

// handleCritique scores another agent's task result. The reviewer is an
// advisor, never a gate: when the model call or parsing fails, a neutral
// fallback critique passes the task through.
func (w *Worker) handleCritique(ctx context.Context, msg mailbox.Message) {
	taskID := msg.TaskID
	if taskID == "" {
		if v, ok := msg.Payload["task_id"].(string); ok {
			taskID = v
		}
	}
	description, _ := msg.Payload["description"].(string)
	result, _ := msg.Payload["result"].(string)
	if taskID == "" {
		w.log.Error("critique request without task id", "from", msg.From)
		return
	}

	critique := w.scoreResult(ctx, taskID, description, result)
	critique.TaskID = taskID
	critique.ReviewerID = w.id
	critique.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)

	err := w.deps.Board.AddCritique(ctx, taskID, critique)
	switch {
	case err == nil:
		w.log.Info("task scored", "task", taskID,
			"composite", fmt.Sprintf("%.1f", critique.Composite()),
			"verdict", critique.Verdict, "items", len(critique.Items))
	case errors.Is(err, board.ErrTerminal), errors.Is(err, board.ErrBadTransition), errors.Is(err, board.ErrNotFound):
		// The task moved on (stale recovery, cancellation) before the
		// verdict landed. Benign.
		w.log.Debug("critique arrived late", "task", taskID, "error", err)
	default:
		w.log.Error("apply critique", "task", taskID, "error", err)
	}
}

// scoreResult asks the model for a structured five-dimension critique.
func (w *Worker) scoreResult(ctx context.Context, taskID, description, result string) *protocol.Critique {
	intentContext := ""
	if t, err := w.deps.Board.Get(taskID); err == nil && t.ParentID != "" && w.deps.Bus != nil {
		if entry, ok, _ := w.deps.Bus.Get("system", orchestrator.IntentKey(t.ParentID)); ok {
			if v, _ := entry.Value.(string); v != "" {
				intentContext = "## Original User Intent\n" + v + "\n\n"
			}
		}
	}

	prompt := "Score this subtask output using 5 dimensions (1-10 each).\n\n" +
		intentContext +
		"## Subtask\n" + description + "\n\n" +
		"## Output\n" + result + "\n\n" +
		"This is a SUBTASK result, not a final user-facing answer; the planner " +
		"synthesizes the final response. Judge each dimension independently.\n\n" +
		"Respond with JSON:\n" +
		`{"dimensions": {"accuracy": <1-10>, "completeness": <1-10>, ` +
		`"technical": <1-10>, "calibration": <1-10>, "efficiency": <1-10>}, ` +
		`"verdict": "LGTM" or "NEEDS_WORK", ` +
		`"items": [{"dimension": "...", "issue": "...", "suggestion": "..."}], ` +
		`"confidence": <0.0-1.0>}` + "\n\n" +
		"Rules:\n" +
		"- If ALL scores >= 8: verdict MUST be LGTM with empty items.\n" +
		"- Max 3 items, only for dimensions scoring < 8.\n" +
		"- Any score < 5: verdict MUST be NEEDS_WORK with an item for that dimension.\n"

	messages := append(w.systemMessages(), providers.Message{Role: "user", Content: prompt})
	resp, _, err := w.deps.Caller.Chat(ctx, w.id, taskID, providers.ChatRequest{
		Model:          w.defaults.Model,
		FallbackModels: w.defaults.FallbackModels,
		Messages:       messages,
	})
	if err != nil {
		w.log.Error("critique model call failed", "task", taskID, "error", err)
		return protocol.FallbackCritique("critique failed: " + err.Error())
	}
	critique, err := protocol.ParseCritique(resp.Content)
	if err != nil {
		w.log.Warn("critique output unparseable, passing through", "task", taskID, "error", err)
		return protocol.FallbackCritique("unparseable critique: " + err.Error())
	}
	return critique
}
