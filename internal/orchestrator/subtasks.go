package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/protocol"
)

// Fenced ```subtask block patterns, most specific first. Models routinely
// drift from the exact fence format, so each pattern is tried in turn and
// the first one that yields specs wins.
var subtaskFenceRes = []*regexp.Regexp{
	regexp.MustCompile("(?s)```subtask\\s*\n(.*?)\n\\s*```"),
	regexp.MustCompile("(?s)```\\s*subtask\\s*\n(.*?)\n\\s*```"),
	regexp.MustCompile("(?s)```subtask\\s*(\\{.*?\\})\\s*```"),
}

// Bare {"objective": ...} objects without fences, last-ditch before the
// legacy line format.
var bareSpecRe = regexp.MustCompile(`\{[^{}]*"objective"\s*:\s*"[^"]+?"[^{}]*\}`)

var complexityTagRe = regexp.MustCompile(`(?i)complexity:\s*(simple|normal|complex)`)

// ExtractSpecs parses planner output into sub-task specs. Three phases:
// fenced JSON blocks, bare JSON objects, then legacy TASK:/COMPLEXITY:
// lines. Malformed JSON gets one quote-repair pass before being dropped.
func ExtractSpecs(plannerOutput string) []*protocol.SubTaskSpec {
	log := slog.Default().With("component", "orchestrator")

	for _, re := range subtaskFenceRes {
		var specs []*protocol.SubTaskSpec
		for _, m := range re.FindAllStringSubmatch(plannerOutput, -1) {
			raw := strings.TrimSpace(m[1])
			spec, err := protocol.ParseSubTaskSpec(raw)
			if err != nil {
				log.Warn("subtask spec parse failed", "error", err)
				spec = repairSpec(raw)
				if spec == nil {
					continue
				}
				log.Info("repaired malformed subtask JSON", "objective", spec.Objective)
			}
			specs = append(specs, spec)
		}
		if len(specs) > 0 {
			return specs
		}
	}

	var specs []*protocol.SubTaskSpec
	for _, m := range bareSpecRe.FindAllString(plannerOutput, -1) {
		if spec, err := protocol.ParseSubTaskSpec(m); err == nil {
			specs = append(specs, spec)
		}
	}
	if len(specs) > 0 {
		return specs
	}

	return extractLegacySpecs(plannerOutput)
}

// extractLegacySpecs handles the TASK:/COMPLEXITY: line format. A
// COMPLEXITY: line binds to the TASK: line immediately before it;
// a TASK: line without one falls back to the content heuristic.
func extractLegacySpecs(plannerOutput string) []*protocol.SubTaskSpec {
	var specs []*protocol.SubTaskSpec
	var pending string

	flush := func(explicit protocol.Complexity) {
		if pending == "" {
			return
		}
		c := explicit
		if c == "" {
			c = InferComplexity(pending)
		}
		specs = append(specs, protocol.FromLegacyTask(pending, c))
		pending = ""
	}

	for _, line := range strings.Split(plannerOutput, "\n") {
		stripped := strings.TrimSpace(line)
		for _, prefix := range []string{"- ", "* ", "• "} {
			if strings.HasPrefix(stripped, prefix) {
				stripped = strings.TrimPrefix(stripped, prefix)
				break
			}
		}
		upper := strings.ToUpper(stripped)

		if strings.HasPrefix(upper, "COMPLEXITY:") && pending != "" {
			c := protocol.ParseComplexity(stripped[len("COMPLEXITY:"):])
			// Legacy simple is untrusted: route through review anyway.
			if c == protocol.ComplexitySimple {
				c = protocol.ComplexityNormal
			}
			flush(c)
			continue
		}
		flush("")
		if strings.HasPrefix(upper, "TASK:") {
			if desc := strings.TrimSpace(stripped[len("TASK:"):]); desc != "" {
				pending = desc
			}
		}
	}
	flush("")
	return specs
}

// repairSpec attempts to recover a spec from JSON with unescaped inner
// quotes, the most common planner serialization mistake.
func repairSpec(raw string) *protocol.SubTaskSpec {
	fixed, ok := RepairJSONQuotes(raw)
	if !ok {
		return nil
	}
	spec, err := protocol.ParseSubTaskSpec(fixed)
	if err != nil {
		return nil
	}
	return spec
}

// RepairJSONQuotes fixes JSON whose string values contain unescaped
// quotes by walking back from each decode-error offset and escaping the
// quote found there. Up to 20 repair rounds; returns ("", false) when the
// document stays unparseable.
func RepairJSONQuotes(raw string) (string, bool) {
	s := raw
	for i := 0; i < 20; i++ {
		var probe map[string]any
		err := json.Unmarshal([]byte(s), &probe)
		if err == nil {
			return s, true
		}
		var syn *json.SyntaxError
		if !asSyntaxError(err, &syn) || syn.Offset <= 0 {
			return "", false
		}
		p := int(syn.Offset)
		if p > len(s)-1 {
			p = len(s) - 1
		}
		for p >= 0 && s[p] != '"' {
			p--
		}
		if p <= 0 || s[p-1] == '\\' {
			return "", false
		}
		s = s[:p] + `\` + s[p:]
	}
	return "", false
}

func asSyntaxError(err error, target **json.SyntaxError) bool {
	if syn, ok := err.(*json.SyntaxError); ok {
		*target = syn
		return true
	}
	return false
}

// Role inference keyword tables. Review beats planner beats implement so
// "review the plan" lands on the reviewer.
var (
	reviewRoleSignals  = []string{"review", "evaluate", "audit", "verify"}
	plannerRoleSignals = []string{"plan", "decompose", "architect", "outline", "synthesize", "summary", "综合", "总结"}
)

// InferRole maps a sub-task objective to the required_role keyword the
// board matches agents against.
func InferRole(objective string) string {
	lower := strings.ToLower(objective)
	for _, kw := range reviewRoleSignals {
		if strings.Contains(lower, kw) {
			return "review"
		}
	}
	for _, kw := range plannerRoleSignals {
		if strings.Contains(lower, kw) {
			return "planner"
		}
	}
	return "implement"
}

// Complexity inference keyword tables. Conservative: the default is
// normal, which routes through review; simple is reserved for trivially
// verifiable read-only asks.
var (
	complexSignals = []string{
		"review", "audit", "verify", "analyze", "evaluate", "compare",
		"research", "investigate", "design", "architect", "plan",
	}
	simpleSignals = []string{"print hello", "echo ", "list directory"}
)

// InferComplexity classifies a description, honoring an explicit
// "COMPLEXITY: x" tag embedded anywhere in the text first.
func InferComplexity(description string) protocol.Complexity {
	lower := strings.ToLower(description)
	if m := complexityTagRe.FindStringSubmatch(lower); m != nil {
		return protocol.ParseComplexity(m[1])
	}
	for _, kw := range complexSignals {
		if strings.Contains(lower, kw) {
			return protocol.ComplexityComplex
		}
	}
	for _, kw := range simpleSignals {
		if strings.Contains(lower, kw) {
			return protocol.ComplexitySimple
		}
	}
	return protocol.ComplexityNormal
}

// CreateSubtasks publishes specs as child tasks of parent, capped at
// maxSubtasks. Overflow objectives are folded into the first spec as a
// MERGE_NOTE instead of silently vanishing. Returns created task ids.
func CreateSubtasks(ctx context.Context, b *board.Board, parent *board.Task,
	specs []*protocol.SubTaskSpec, maxSubtasks int) ([]string, error) {
	if maxSubtasks <= 0 {
		maxSubtasks = 3
	}
	if len(specs) > maxSubtasks {
		var merged []string
		for _, s := range specs[maxSubtasks:] {
			merged = append(merged, s.Objective)
		}
		specs = specs[:maxSubtasks]
		specs[0].Constraints = append(specs[0].Constraints,
			"MERGE_NOTE: also cover: "+strings.Join(merged, "; "))
	}

	var ids []string
	for _, spec := range specs {
		if spec.ParentIntent == "" {
			spec.ParentIntent = parent.Description
		}
		raw, err := spec.MarshalSpec()
		if err != nil {
			return ids, err
		}
		t, err := b.Create(ctx, board.CreateRequest{
			Description:  spec.TaskDescription(),
			RequiredRole: InferRole(spec.Objective),
			ParentID:     parent.ID,
			Complexity:   spec.Complexity,
			Spec:         raw,
			Source:       parent.Source,
		})
		if err != nil {
			return ids, fmt.Errorf("create subtask: %w", err)
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}
