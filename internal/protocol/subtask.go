// Package protocol defines the data contracts exchanged between agents:
// sub-task tickets, structured critiques, and routing decisions. Pure data,
// no runtime dependencies.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Complexity gates the critique stage: simple tasks skip review entirely.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityNormal  Complexity = "normal"
	ComplexityComplex Complexity = "complex"
)

// ParseComplexity normalizes a complexity string, defaulting to normal.
func ParseComplexity(s string) Complexity {
	switch Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case ComplexitySimple:
		return ComplexitySimple
	case ComplexityComplex:
		return ComplexityComplex
	default:
		return ComplexityNormal
	}
}

// OutputFormat values accepted in SubTaskSpec.OutputFormat.
const (
	FormatText          = "text"
	FormatMarkdownTable = "markdown_table"
	FormatJSON          = "json"
	FormatCode          = "code"
	FormatFile          = "file"
)

// SubTaskSpec is the structured ticket the planner hands to an executor.
// It serializes into (and parses back out of) a task's description field.
type SubTaskSpec struct {
	Objective    string            `json:"objective"`
	Constraints  []string          `json:"constraints,omitempty"`
	Input        map[string]any    `json:"input,omitempty"`
	OutputFormat string            `json:"output_format,omitempty"`
	ToolHint     []string          `json:"tool_hint,omitempty"`
	Complexity   Complexity        `json:"complexity,omitempty"`
	ParentIntent string            `json:"parent_intent,omitempty"`
	A2AHint      map[string]string `json:"a2a_hint,omitempty"`
}

// Normalize fills defaults so serialize→parse→serialize round-trips.
func (s *SubTaskSpec) Normalize() {
	s.Objective = strings.TrimSpace(s.Objective)
	s.Complexity = ParseComplexity(string(s.Complexity))
	if s.OutputFormat == "" {
		s.OutputFormat = FormatText
	}
}

// Validate rejects specs that cannot become tasks.
func (s *SubTaskSpec) Validate() error {
	if strings.TrimSpace(s.Objective) == "" {
		return fmt.Errorf("subtask spec: empty objective")
	}
	switch s.OutputFormat {
	case "", FormatText, FormatMarkdownTable, FormatJSON, FormatCode, FormatFile:
	default:
		return fmt.Errorf("subtask spec: unknown output_format %q", s.OutputFormat)
	}
	return nil
}

// MarshalSpec serializes a spec to its canonical JSON form.
func (s SubTaskSpec) MarshalSpec() (string, error) {
	s.Normalize()
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal subtask spec: %w", err)
	}
	return string(raw), nil
}

// ParseSubTaskSpec decodes one spec from JSON and normalizes it.
func ParseSubTaskSpec(raw string) (*SubTaskSpec, error) {
	var s SubTaskSpec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse subtask spec: %w", err)
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromLegacyTask wraps a bare TASK: line description into a spec.
func FromLegacyTask(description string, complexity Complexity) *SubTaskSpec {
	s := &SubTaskSpec{
		Objective:  strings.TrimSpace(description),
		Complexity: complexity,
	}
	s.Normalize()
	return s
}

// TaskDescription renders the spec into the human-readable + parseable
// description stored on the board.
func (s *SubTaskSpec) TaskDescription() string {
	lines := []string{"[SubTaskSpec] " + s.Objective}
	if len(s.Constraints) > 0 {
		lines = append(lines, "Constraints: "+strings.Join(s.Constraints, "; "))
	}
	if s.OutputFormat != "" && s.OutputFormat != FormatText {
		lines = append(lines, "Output format: "+s.OutputFormat)
	}
	if len(s.ToolHint) > 0 {
		lines = append(lines, "Tool categories: "+strings.Join(s.ToolHint, ", "))
	}
	return strings.Join(lines, "\n")
}
