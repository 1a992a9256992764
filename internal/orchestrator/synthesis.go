package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/contextbus"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
	"github.com/nextlevelbuilder/gocrew/internal/tools"
)

// ModelCaller is the slice of the resilient client the orchestration
// layer needs. Satisfied by *resilience.Caller.
type ModelCaller interface {
	Chat(ctx context.Context, agentID, taskID string, req providers.ChatRequest) (*providers.ChatResponse, string, error)
}

// IntentKey is the context-bus key anchoring the user's original text
// for a root task, published at submit time under the system namespace.
func IntentKey(taskID string) string { return "intent:" + taskID }

const maxSynthesisToolRounds = 3

var (
	fileKeywords = []string{"文件", "文档", "file", "document", "pdf", "docx", "excel", "word", "generate_doc"}
	filePathRe   = regexp.MustCompile(`/tmp/doc_\w+\.\w+|"path"\s*:\s*"[^"]+"`)
)

// Synthesizer drives planner close-outs: once every child of a
// registered parent completes, it claims exclusive synthesis on the
// board, asks the planner model for one final answer, and completes the
// parent. Any worker may trigger a check; the board's synthesizing
// status keeps the work single-writer.
type Synthesizer struct {
	board     *board.Board
	bus       *contextbus.Bus
	closeouts *Closeouts
	caller    ModelCaller
	tools     *tools.Registry // nil disables the synthesis tool loop
	cfg       *config.Config
	log       *slog.Logger
}

// NewSynthesizer wires a close-out synthesizer. registry may be nil.
func NewSynthesizer(b *board.Board, bus *contextbus.Bus, closeouts *Closeouts,
	caller ModelCaller, registry *tools.Registry, cfg *config.Config) *Synthesizer {
	return &Synthesizer{
		board:     b,
		bus:       bus,
		closeouts: closeouts,
		caller:    caller,
		tools:     registry,
		cfg:       cfg,
		log:       slog.Default().With("component", "closeout"),
	}
}

// HasPending reports outstanding close-outs.
func (s *Synthesizer) HasPending() bool { return s.closeouts.HasPending() }

// Register records a parent's children for close-out tracking.
func (s *Synthesizer) Register(ctx context.Context, parentID string, children []string) error {
	return s.closeouts.Register(ctx, parentID, children)
}

// CheckCloseouts scans registered parents and synthesizes every one
// whose children are all completed. agentID is stamped as the synthesis
// owner on the board.
func (s *Synthesizer) CheckCloseouts(ctx context.Context, agentID string) error {
	mapping, err := s.closeouts.Snapshot()
	if err != nil {
		return fmt.Errorf("closeouts snapshot: %w", err)
	}
	if len(mapping) == 0 {
		return nil
	}

	var finished []string
	for parentID, children := range mapping {
		parent, err := s.board.Get(parentID)
		if errors.Is(err, board.ErrNotFound) {
			finished = append(finished, parentID)
			continue
		}
		if err != nil {
			return err
		}
		if parent.Status.Terminal() {
			finished = append(finished, parentID)
			continue
		}
		if !s.childrenCompleted(children) {
			continue
		}
		ok, err := s.board.StartSynthesis(ctx, parentID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			// Another agent holds synthesis, or the parent moved on.
			continue
		}
		s.log.Info("all subtasks completed, synthesizing close-out",
			"parent", parentID, "children", len(children), "agent", agentID)
		s.synthesize(ctx, agentID, parent)
		finished = append(finished, parentID)
	}
	if len(finished) > 0 {
		return s.closeouts.Remove(ctx, finished...)
	}
	return nil
}

func (s *Synthesizer) childrenCompleted(children []string) bool {
	for _, id := range children {
		t, err := s.board.Get(id)
		if err != nil || t.Status != board.StatusCompleted {
			return false
		}
	}
	return true
}

// synthesize produces and stores the parent's final answer. Failures
// degrade to the concatenated child results: a close-out never leaves
// the parent stuck in synthesizing.
func (s *Synthesizer) synthesize(ctx context.Context, agentID string, parent *board.Task) {
	children, err := s.board.CollectResults(parent.ID)
	if err != nil {
		s.log.Error("collect results failed", "parent", parent.ID, "error", err)
		children = nil
	}
	resultsText := formatChildResults(children)
	critiqueText := s.formatCritiques(children)

	final, err := s.runSynthesis(ctx, agentID, parent, resultsText, critiqueText)
	if err != nil {
		s.log.Error("close-out synthesis failed, storing raw results",
			"parent", parent.ID, "error", err)
		final = resultsText
	}
	if err := s.board.SetResult(ctx, parent.ID, final); err != nil {
		s.log.Error("store close-out result", "parent", parent.ID, "error", err)
	}
	if err := s.board.Complete(ctx, parent.ID); err != nil {
		s.log.Error("complete parent after close-out", "parent", parent.ID, "error", err)
		return
	}
	s.log.Info("planner close-out completed", "parent", parent.ID)
}

func (s *Synthesizer) runSynthesis(ctx context.Context, agentID string,
	parent *board.Task, resultsText, critiqueText string) (string, error) {
	id, defaults, spec := s.plannerIdentity()

	intentText := ""
	if entry, ok, _ := s.bus.Get("system", IntentKey(parent.ID)); ok {
		if v, _ := entry.Value.(string); v != "" && v != parent.Description {
			intentText = "## Original User Intent (anchored)\n" + v + "\n\n"
		}
	}

	prompt := "You are synthesizing the FINAL answer for the user.\n\n" +
		intentText +
		"## Original User Request\n" + parent.Description + "\n\n" +
		"## Subtask Results\n" + resultsText + "\n\n" +
		fileWarning(parent.Description, resultsText) +
		"## Reviewer Feedback\n" + critiqueText + "\n\n" +
		"## Instructions\n" +
		"1. Synthesize ALL subtask results into ONE coherent, polished response.\n" +
		"2. Consider reviewer suggestions and fold in valid improvements.\n" +
		"3. Remove all internal task ids, agent references, and metadata.\n" +
		"4. Answer the user's original question directly, in the user's language.\n" +
		"5. Only claim a file was delivered when a subtask result contains its path; otherwise report the problem honestly.\n" +
		"6. Never emit TASK: or COMPLEXITY: lines.\n"

	system := "You are " + id + ".\n\n## Role\n" + spec.SystemPrompt + "\n\n" +
		"## IMPORTANT\nYou are in the close-out synthesis phase. Produce one " +
		"polished answer from the subtask results. Do not decompose further.\n"

	req := providers.ChatRequest{
		Model:          defaults.Model,
		FallbackModels: defaults.FallbackModels,
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	}
	if s.tools != nil {
		req.Tools = s.tools.Definitions()
	}

	resp, _, err := s.caller.Chat(ctx, agentID, parent.ID, req)
	if err != nil {
		return "", err
	}

	for round := 0; round < maxSynthesisToolRounds && len(resp.ToolCalls) > 0 && s.tools != nil; round++ {
		s.log.Info("close-out tool round", "round", round+1, "calls", len(resp.ToolCalls))
		req.Messages = append(req.Messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			res := s.tools.Execute(ctx, agentID, call)
			req.Messages = append(req.Messages, providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: call.ID,
			})
		}
		req.Messages = append(req.Messages, providers.Message{
			Role: "user",
			Content: "Based on the tool results above, write your FINAL polished " +
				"answer for the user. Do not invoke more tools.",
		})
		resp, _, err = s.caller.Chat(ctx, agentID, parent.ID, req)
		if err != nil {
			return "", err
		}
	}
	return StripToolBlocks(resp.Content), nil
}

// plannerIdentity finds the configured planner roster entry, falling
// back to agent defaults when none is declared.
func (s *Synthesizer) plannerIdentity() (string, config.AgentDefaults, config.AgentSpec) {
	for _, id := range s.cfg.AgentIDs() {
		defaults, spec := s.cfg.ResolveAgent(id)
		if strings.EqualFold(spec.Role, "planner") {
			return id, defaults, spec
		}
	}
	defaults, spec := s.cfg.ResolveAgent("planner")
	return "planner", defaults, spec
}

func formatChildResults(children []board.ChildResult) string {
	if len(children) == 0 {
		return "(no subtask results)"
	}
	var b strings.Builder
	for i, c := range children {
		fmt.Fprintf(&b, "### Subtask %d [%s]\n%s\n\n%s\n\n", i+1, c.Status, c.Description, c.Result)
	}
	return strings.TrimSpace(b.String())
}

func (s *Synthesizer) formatCritiques(children []board.ChildResult) string {
	var b strings.Builder
	for _, c := range children {
		t, err := s.board.Get(c.TaskID)
		if err != nil || t.Critique == nil {
			continue
		}
		fmt.Fprintf(&b, "- score %.1f [%s]", t.Critique.Composite(), t.Critique.Verdict)
		for _, item := range t.Critique.Items {
			if item.Suggestion != "" {
				fmt.Fprintf(&b, "; %s", item.Suggestion)
			}
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(no reviewer feedback)"
	}
	return strings.TrimSpace(b.String())
}

// fileWarning flags file-generation requests whose subtask results carry
// no file path, so the synthesis never claims a phantom delivery.
func fileWarning(parentDesc, resultsText string) string {
	lower := strings.ToLower(parentDesc)
	for _, kw := range fileKeywords {
		if strings.Contains(lower, kw) {
			if !filePathRe.MatchString(resultsText) {
				return "## WARNING\nNo file path found in subtask results. The file " +
					"may not have been generated. Do not tell the user it was sent; " +
					"report the issue honestly.\n\n"
			}
			break
		}
	}
	return ""
}
