// Package heartbeat tracks agent liveness through per-agent files that
// each worker rewrites atomically on a short interval. Readers judge
// liveness purely from file freshness, so a killed process goes offline
// without any cleanup step.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/fsutil"
)

const (
	// Interval is how often a writer refreshes its file.
	Interval = 2 * time.Second
	// OfflineAfter is the staleness threshold readers apply.
	OfflineAfter = 8 * time.Second
)

// Beat is one agent's liveness record.
type Beat struct {
	AgentID   string  `json:"agent_id"`
	PID       int     `json:"pid"`
	Status    string  `json:"status"` // idle, working, shutting_down
	TaskID    string  `json:"task_id,omitempty"`
	UpdatedAt float64 `json:"updated_at"`
}

// Age returns how long ago the beat was written.
func (b Beat) Age() time.Duration {
	return time.Since(time.Unix(0, int64(b.UpdatedAt*float64(time.Second))))
}

// Online reports whether the beat is fresh enough to count as alive.
func (b Beat) Online() bool { return b.Age() < OfflineAfter }

// Monitor reads and writes the heartbeat directory.
type Monitor struct {
	dir string
}

// Open creates a monitor rooted at dir.
func Open(dir string) (*Monitor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create heartbeat dir: %w", err)
	}
	return &Monitor{dir: dir}, nil
}

func (m *Monitor) path(agentID string) string {
	return filepath.Join(m.dir, agentID+".json")
}

// Write refreshes one agent's beat.
func (m *Monitor) Write(agentID, status, taskID string) error {
	beat := Beat{
		AgentID:   agentID,
		PID:       os.Getpid(),
		Status:    status,
		TaskID:    taskID,
		UpdatedAt: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	return fsutil.WriteJSONAtomic(m.path(agentID), beat)
}

// Read returns one agent's last beat. Missing file means never seen.
func (m *Monitor) Read(agentID string) (Beat, error) {
	var b Beat
	err := fsutil.ReadJSON(m.path(agentID), &b)
	return b, err
}

// All returns the latest beat for every known agent.
func (m *Monitor) All() ([]Beat, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read heartbeat dir: %w", err)
	}
	var beats []Beat
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var b Beat
		if err := fsutil.ReadJSON(filepath.Join(m.dir, e.Name()), &b); err != nil {
			continue // torn or mid-rename, skip this cycle
		}
		beats = append(beats, b)
	}
	return beats, nil
}

// Online reports whether the agent's beat exists and is fresh.
func (m *Monitor) Online(agentID string) bool {
	b, err := m.Read(agentID)
	return err == nil && b.Online()
}

// Remove deletes an agent's beat file, used on clean shutdown.
func (m *Monitor) Remove(agentID string) error {
	err := os.Remove(m.path(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Run writes a beat on every tick until ctx is cancelled, then removes
// the file. statusFn is sampled at each tick.
func (m *Monitor) Run(ctx context.Context, agentID string, statusFn func() (status, taskID string)) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	write := func() {
		status, taskID := statusFn()
		_ = m.Write(agentID, status, taskID)
	}
	write()
	for {
		select {
		case <-ctx.Done():
			_ = m.Remove(agentID)
			return
		case <-ticker.C:
			write()
		}
	}
}
