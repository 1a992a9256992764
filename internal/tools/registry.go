// Package tools hosts the built-in tools agents can call during a task
// and the registry that dispatches to them. Every execution is appended
// to an audit log so tool activity is reconstructable after the fact.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/providers"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tools available to one agent.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	auditPath string
	log       *slog.Logger
}

// NewRegistry creates an empty registry. auditPath may be empty to
// disable the audit log.
func NewRegistry(auditPath string) *Registry {
	return &Registry{
		tools:     map[string]Tool{},
		auditPath: auditPath,
		log:       slog.Default().With("component", "tools"),
	}
}

// Register adds a tool, replacing any previous one with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Definitions returns the tool schemas in the provider wire format,
// sorted by name for stable prompts.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute dispatches one tool call and records it in the audit log.
func (r *Registry) Execute(ctx context.Context, agentID string, call providers.ToolCall) *Result {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()

	var res *Result
	start := time.Now()
	if !ok {
		res = ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	} else {
		res = t.Execute(ctx, call.Arguments)
	}
	r.audit(agentID, call, res, time.Since(start))
	return res
}

type auditEntry struct {
	Timestamp float64                `json:"timestamp"`
	AgentID   string                 `json:"agent_id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	IsError   bool                   `json:"is_error"`
	Millis    int64                  `json:"ms"`
}

func (r *Registry) audit(agentID string, call providers.ToolCall, res *Result, d time.Duration) {
	if r.auditPath == "" {
		return
	}
	entry := auditEntry{
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		AgentID:   agentID,
		Tool:      call.Name,
		Arguments: call.Arguments,
		IsError:   res.IsError,
		Millis:    d.Milliseconds(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.auditPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(r.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		r.log.Warn("open tool audit log", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
