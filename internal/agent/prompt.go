package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/fsutil"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
)

const (
	shortTermCap       = 20
	contextSectionCap  = 4000
	plannerOutputRules = "## Output contract\n" +
		"First line: `ROUTE: DIRECT_ANSWER` when you can answer the request " +
		"yourself, or `ROUTE: PIPELINE` when it needs execution.\n" +
		"For PIPELINE, emit up to 3 sub-tasks, each as a fenced block:\n" +
		"```subtask\n{\"objective\": \"...\", \"complexity\": \"normal\", \"tool_hint\": []}\n```\n" +
		"Never emit sub-task blocks for DIRECT_ANSWER."
)

// systemMessages builds the worker's system prompt: identity, role
// prompt, the planner output contract when applicable, and a bounded
// context-bus snapshot.
func (w *Worker) systemMessages() []providers.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n\n", w.id)
	role := w.spec.SystemPrompt
	if role == "" {
		role = w.spec.Role
	}
	fmt.Fprintf(&b, "## Role\n%s\n", role)
	if strings.EqualFold(w.spec.Role, "planner") {
		b.WriteString("\n" + plannerOutputRules + "\n")
	}
	if section := w.contextSection(); section != "" {
		b.WriteString("\n## Shared context\n" + section)
	}
	return []providers.Message{{Role: "system", Content: b.String()}}
}

// contextSection renders the context-bus snapshot, truncated so a noisy
// bus never crowds out the task itself.
func (w *Worker) contextSection() string {
	if w.deps.Bus == nil {
		return ""
	}
	snapshot, err := w.deps.Bus.Snapshot()
	if err != nil || len(snapshot) == 0 {
		return ""
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, snapshot[k].Value)
		if b.Len() > contextSectionCap {
			b.WriteString("- ... (truncated)\n")
			break
		}
	}
	return b.String()
}

// buildMessages assembles the conversation for a fresh task run: system
// prompt, the persisted short-term window, then the task itself.
func (w *Worker) buildMessages(t *board.Task) []providers.Message {
	messages := w.systemMessages()
	messages = append(messages, w.loadWindow()...)
	messages = append(messages, providers.Message{Role: "user", Content: t.Description})
	return messages
}

type shortTermWindow struct {
	Messages []providers.Message `json:"messages"`
}

func (w *Worker) windowPath() string {
	return filepath.Join(w.cfg.StateDir(), "shortterm", w.id+".json")
}

// loadWindow returns the persisted conversation window, empty on any
// read problem.
func (w *Worker) loadWindow() []providers.Message {
	var win shortTermWindow
	err := fsutil.ReadJSON(w.windowPath(), &win)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("short-term window unreadable, starting fresh", "error", err)
		}
		return nil
	}
	return win.Messages
}

// appendWindow persists the latest exchange, trimming to the message cap.
func (w *Worker) appendWindow(userText, assistantText string) {
	win := shortTermWindow{Messages: w.loadWindow()}
	win.Messages = append(win.Messages,
		providers.Message{Role: "user", Content: userText},
		providers.Message{Role: "assistant", Content: assistantText},
	)
	if n := len(win.Messages); n > shortTermCap {
		win.Messages = win.Messages[n-shortTermCap:]
	}
	path := w.windowPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.log.Warn("short-term window dir", "error", err)
		return
	}
	if err := fsutil.WriteJSONAtomic(path, win); err != nil {
		w.log.Warn("short-term window write", "error", err)
	}
}
