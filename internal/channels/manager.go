package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/board"
)

// Manager owns every registered channel: lifecycle, inbound submission
// and outbound routing by source channel name.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	pipeline Pipeline
	log      *slog.Logger
}

// NewManager creates a manager over the given pipeline. Channels are
// registered before StartAll.
func NewManager(pipeline Pipeline) *Manager {
	return &Manager{
		channels: map[string]Channel{},
		pipeline: pipeline,
		log:      slog.Default().With("component", "channels"),
	}
}

// Register adds a channel, replacing any previous one with the same name.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// StartAll starts every registered channel; the first failure aborts.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		m.log.Warn("no channels enabled")
		return nil
	}
	for name, c := range m.channels {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		m.log.Info("channel started", "channel", name)
	}
	return nil
}

// StopAll stops every registered channel, logging but not propagating
// individual failures.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.channels {
		if err := c.Stop(ctx); err != nil {
			m.log.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
}

// Deliver routes text to the channel named in source. Unknown channels
// are logged and dropped; callers treat delivery as best effort.
func (m *Manager) Deliver(ctx context.Context, source board.Source, text string) {
	c, ok := m.Get(source.Channel)
	if !ok {
		m.log.Warn("no channel for delivery", "channel", source.Channel)
		return
	}
	if err := c.DeliverText(ctx, source.ChatID, text); err != nil {
		m.log.Error("delivery failed", "channel", source.Channel, "chat", source.ChatID, "error", err)
	}
}

// HandleInbound submits user text and follows the task to completion in
// the background, delivering progress notes and the final result to the
// originating chat. Returns the root task id.
func (m *Manager) HandleInbound(ctx context.Context, source board.Source, text string) (string, error) {
	taskID, err := m.pipeline.Submit(ctx, text, source)
	if err != nil {
		return "", err
	}
	go m.follow(ctx, taskID, source)
	return taskID, nil
}

// CancelTask cancels a previously submitted task tree.
func (m *Manager) CancelTask(ctx context.Context, taskID string) ([]string, error) {
	return m.pipeline.Cancel(ctx, taskID)
}

func (m *Manager) follow(ctx context.Context, taskID string, source board.Source) {
	onProgress := func(t *board.Task, waited time.Duration) {
		m.Deliver(ctx, source, fmt.Sprintf("Still working (%s, %s elapsed)...",
			t.Status, waited.Round(time.Second)))
	}
	res, err := m.pipeline.Wait(ctx, taskID, onProgress)
	if err != nil {
		m.Deliver(ctx, source, "Something went wrong while processing your request.")
		m.log.Error("wait on task failed", "task", taskID, "error", err)
		return
	}
	switch {
	case res.TimedOut:
		m.Deliver(ctx, source, "The task is taking too long and was abandoned.")
	case res.Task.Status == board.StatusCompleted:
		m.Deliver(ctx, source, res.Task.Result)
	case res.Task.Status == board.StatusCancelled:
		m.Deliver(ctx, source, "Task cancelled.")
	default:
		m.Deliver(ctx, source, fmt.Sprintf("The task ended without a result (%s).", res.Task.Status))
	}
}
