// Package wakeup implements the cross-process nudge bus. Producers drop
// write-once zero-byte files into a signals directory; consumers watch
// the directory with inotify and coalesce bursts into a single wake.
// Losing a signal is acceptable: every consumer also polls on a timer.
package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// janitorInterval bounds how long consumed or orphaned signal files live.
const janitorInterval = 60 * time.Second

// Bus is one process's handle on the shared signals directory.
type Bus struct {
	dir string
	log *slog.Logger
}

// New opens (and creates if needed) the signals directory.
func New(dir string) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	return &Bus{dir: dir, log: slog.Default().With("component", "wakeup")}, nil
}

// Notify drops a signal file. The kind is embedded in the name purely for
// debuggability; consumers only care that something happened.
func (b *Bus) Notify(kind string) error {
	name := fmt.Sprintf("%d_%s_%s", time.Now().UnixNano(), sanitize(kind), uuid.NewString()[:8])
	f, err := os.OpenFile(filepath.Join(b.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("emit wakeup signal: %w", err)
	}
	return f.Close()
}

func sanitize(kind string) string {
	kind = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, kind)
	if kind == "" {
		kind = "wake"
	}
	return kind
}

// Watch returns a channel that receives at least one value after each
// Notify, until ctx is cancelled. Bursts coalesce; the channel has a
// buffer of one. Consumed signal files are deleted, and a janitor sweeps
// leftovers so the directory never grows unbounded.
func (b *Bus) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start signal watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", b.dir, err)
	}

	ch := make(chan struct{}, 1)
	// Signals written before the watch started still count.
	if b.drain() > 0 {
		ch <- struct{}{}
	}

	go func() {
		defer watcher.Close()
		janitor := time.NewTicker(janitorInterval)
		defer janitor.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create == 0 {
					continue
				}
				os.Remove(ev.Name)
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.log.Warn("signal watcher error", "error", err)
			case <-janitor.C:
				b.sweep()
			}
		}
	}()
	return ch, nil
}

// drain removes every existing signal file and returns how many there were.
func (b *Bus) drain() int {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if os.Remove(filepath.Join(b.dir, e.Name())) == nil {
			n++
		}
	}
	return n
}

// sweep deletes signal files older than the janitor interval. These are
// signals nobody consumed (no watcher was running) or leftovers from a
// crashed consumer.
func (b *Bus) sweep() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-janitorInterval)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(b.dir, e.Name()))
		}
	}
}
