package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the reviewer's overall call. The reviewer never blocks:
// NEEDS_WORK drives at most one revision round.
type Verdict string

const (
	VerdictLGTM      Verdict = "LGTM"
	VerdictNeedsWork Verdict = "NEEDS_WORK"
)

// Dimension weights for the composite score.
var critiqueWeights = []struct {
	name   string
	weight float64
}{
	{"accuracy", 0.30},
	{"completeness", 0.20},
	{"technical", 0.20},
	{"calibration", 0.20},
	{"efficiency", 0.10},
}

// Dimensions holds the five 1-10 review scores.
type Dimensions struct {
	Accuracy     int `json:"accuracy"`
	Completeness int `json:"completeness"`
	Technical    int `json:"technical"`
	Calibration  int `json:"calibration"`
	Efficiency   int `json:"efficiency"`
}

func (d Dimensions) get(name string) int {
	switch name {
	case "accuracy":
		return d.Accuracy
	case "completeness":
		return d.Completeness
	case "technical":
		return d.Technical
	case "calibration":
		return d.Calibration
	case "efficiency":
		return d.Efficiency
	}
	return 0
}

// Composite returns the weighted sum, in [1,10] for valid dimensions.
func (d Dimensions) Composite() float64 {
	var sum float64
	for _, w := range critiqueWeights {
		sum += float64(d.get(w.name)) * w.weight
	}
	return sum
}

// AllHigh reports whether every dimension scored >= 8.
func (d Dimensions) AllHigh() bool {
	for _, w := range critiqueWeights {
		if d.get(w.name) < 8 {
			return false
		}
	}
	return true
}

// lowDimensions returns the names of dimensions scoring < 5.
func (d Dimensions) lowDimensions() []string {
	var low []string
	for _, w := range critiqueWeights {
		if d.get(w.name) < 5 {
			low = append(low, w.name)
		}
	}
	return low
}

// CritiqueItem is one actionable fix, tied to the dimension it repairs.
type CritiqueItem struct {
	Dimension  string `json:"dimension,omitempty"`
	Issue      string `json:"issue,omitempty"`
	Suggestion string `json:"suggestion"`
}

// Critique is the reviewer's structured output for one task result.
type Critique struct {
	Dimensions Dimensions     `json:"dimensions"`
	Verdict    Verdict        `json:"verdict"`
	Items      []CritiqueItem `json:"items"`
	Confidence float64        `json:"confidence"`
	TaskID     string         `json:"task_id,omitempty"`
	ReviewerID string         `json:"reviewer_id,omitempty"`
	Timestamp  float64        `json:"timestamp,omitempty"`
}

// Composite is the weighted dimension score.
func (c *Critique) Composite() float64 { return c.Dimensions.Composite() }

// Simplify enforces the structural rules: all dims >= 8 forces LGTM with
// no items; more than three items are truncated.
func (c *Critique) Simplify() {
	if c.Dimensions.AllHigh() {
		c.Verdict = VerdictLGTM
		c.Items = nil
	}
	if len(c.Items) > 3 {
		c.Items = c.Items[:3]
	}
}

// Validate checks dimension ranges and the low-dimension rule.
func (c *Critique) Validate() error {
	for _, w := range critiqueWeights {
		v := c.Dimensions.get(w.name)
		if v < 1 || v > 10 {
			return fmt.Errorf("critique: dimension %s=%d out of [1,10]", w.name, v)
		}
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("critique: confidence %.2f out of [0,1]", c.Confidence)
	}
	switch c.Verdict {
	case VerdictLGTM, VerdictNeedsWork:
	default:
		return fmt.Errorf("critique: unknown verdict %q", c.Verdict)
	}
	if low := c.Dimensions.lowDimensions(); len(low) > 0 {
		if c.Verdict != VerdictNeedsWork {
			return fmt.Errorf("critique: dimension %s < 5 requires NEEDS_WORK", low[0])
		}
		for _, dim := range low {
			if !c.hasItemFor(dim) {
				return fmt.Errorf("critique: dimension %s < 5 requires an item", dim)
			}
		}
	}
	return nil
}

func (c *Critique) hasItemFor(dim string) bool {
	for _, it := range c.Items {
		if it.Dimension == dim {
			return true
		}
	}
	return false
}

// Suggestions flattens item suggestions for revision prompts.
func (c *Critique) Suggestions() []string {
	var out []string
	for _, it := range c.Items {
		if it.Suggestion != "" {
			out = append(out, it.Suggestion)
		}
	}
	return out
}

// ParseCritique extracts the first JSON object from raw reviewer output
// (tolerating prose preamble and markdown fences), decodes, simplifies,
// and validates it.
func ParseCritique(raw string) (*Critique, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("parse critique: no JSON object in output")
	}
	var c Critique
	if err := json.Unmarshal([]byte(raw[start:end+1]), &c); err != nil {
		return nil, fmt.Errorf("parse critique: %w", err)
	}
	if c.Confidence == 0 {
		c.Confidence = 0.8
	}
	c.Simplify()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FallbackCritique builds a neutral pass-through critique used when the
// reviewer's output is unusable. The pipeline must never block on review.
func FallbackCritique(comment string) *Critique {
	c := &Critique{
		Dimensions: Dimensions{Accuracy: 7, Completeness: 7, Technical: 7, Calibration: 7, Efficiency: 7},
		Verdict:    VerdictLGTM,
		Confidence: 0.3,
	}
	if comment != "" {
		c.Items = []CritiqueItem{{Issue: comment, Suggestion: ""}}
		c.Simplify()
	}
	return c
}
