// Package board implements the durable, file-locked task state machine
// shared by every agent process. The board file is a single JSON document;
// every mutation happens under an exclusive advisory lock and is written
// back with an atomic temp-file rename.
package board

import (
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/protocol"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusClaimed      Status = "claimed"
	StatusReview       Status = "review"
	StatusCritique     Status = "critique"
	StatusSynthesizing Status = "synthesizing"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether a status never transitions again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// owned reports whether the status implies a live agent owner.
func (s Status) owned() bool {
	return s == StatusClaimed || s == StatusReview || s == StatusCritique || s == StatusSynthesizing
}

// Source records where a task came from, inherited by sub-tasks.
type Source struct {
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Task is one unit of work on the board. Timestamps are Unix seconds.
type Task struct {
	ID            string              `json:"id"`
	Description   string              `json:"description"`
	Status        Status              `json:"status"`
	RequiredRole  string              `json:"required_role,omitempty"`
	AgentID       string              `json:"agent_id,omitempty"`
	ParentID      string              `json:"parent_id,omitempty"`
	BlockedBy     []string            `json:"blocked_by,omitempty"`
	MinReputation int                 `json:"min_reputation,omitempty"`
	Complexity    protocol.Complexity `json:"complexity,omitempty"`
	Spec          string              `json:"spec,omitempty"` // serialized SubTaskSpec, if any
	Result        string              `json:"result,omitempty"`
	Critique      *protocol.Critique  `json:"critique,omitempty"`
	CritiqueRound int                 `json:"critique_round,omitempty"`
	Flags         []string            `json:"evolution_flags,omitempty"`
	CostUSD       float64             `json:"cost_usd,omitempty"`
	CreatedAt     float64             `json:"created_at"`
	ClaimedAt     float64             `json:"claimed_at,omitempty"`
	CompletedAt   float64             `json:"completed_at,omitempty"`
	Source        Source              `json:"source,omitempty"`
}

// clone returns a deep-enough copy safe to hand outside the lock.
func (t *Task) clone() *Task {
	cp := *t
	cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	cp.Flags = append([]string(nil), t.Flags...)
	if t.Critique != nil {
		c := *t.Critique
		c.Items = append([]protocol.CritiqueItem(nil), t.Critique.Items...)
		cp.Critique = &c
	}
	return &cp
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
