package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/gocrew/internal/fsutil"
)

// Closeouts is the file-locked parent→children registry behind planner
// close-out tracking. Entries live from sub-task creation until the
// parent's synthesized result lands; any agent process may consult it.
type Closeouts struct {
	path     string
	lockPath string
}

// OpenCloseouts roots the registry in dir.
func OpenCloseouts(dir string) (*Closeouts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create closeouts dir: %w", err)
	}
	return &Closeouts{
		path:     filepath.Join(dir, "subtasks.json"),
		lockPath: filepath.Join(dir, ".subtasks.lock"),
	}, nil
}

func (c *Closeouts) read() (map[string][]string, error) {
	m := map[string][]string{}
	err := fsutil.ReadJSON(c.path, &m)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Register records parentID's children, replacing any previous entry.
func (c *Closeouts) Register(ctx context.Context, parentID string, children []string) error {
	return fsutil.WithLock(ctx, c.lockPath, func() error {
		m, err := c.read()
		if err != nil {
			return err
		}
		m[parentID] = append([]string(nil), children...)
		return fsutil.WriteJSONAtomic(c.path, m)
	})
}

// Snapshot returns the current mapping without taking the lock; callers
// that act on it re-verify under the board lock.
func (c *Closeouts) Snapshot() (map[string][]string, error) {
	return c.read()
}

// Remove drops finished parents from the registry.
func (c *Closeouts) Remove(ctx context.Context, parentIDs ...string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	return fsutil.WithLock(ctx, c.lockPath, func() error {
		m, err := c.read()
		if err != nil {
			return err
		}
		for _, id := range parentIDs {
			delete(m, id)
		}
		return fsutil.WriteJSONAtomic(c.path, m)
	})
}

// HasPending reports whether any close-out is still outstanding. Workers
// refuse to idle-exit while this holds, so a planner waiting on
// synthesis is never orphaned.
func (c *Closeouts) HasPending() bool {
	m, err := c.read()
	return err == nil && len(m) > 0
}
