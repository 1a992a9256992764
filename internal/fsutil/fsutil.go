// Package fsutil provides the two primitives every file-backed store in
// gocrew is built on: exclusive OS advisory locks and atomic JSON rewrites.
package fsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockPollInterval is how often a blocked locker re-attempts the flock.
const lockPollInterval = 25 * time.Millisecond

// WithLock acquires an exclusive advisory lock on lockPath, runs fn, and
// releases the lock. The lock file is created if missing. ctx bounds the
// acquisition wait, not fn itself.
func WithLock(ctx context.Context, lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(lockPath)
	ok, err := fl.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !ok {
		return fmt.Errorf("acquire lock %s: not acquired", lockPath)
	}
	defer fl.Unlock()
	return fn()
}

// WriteFileAtomic writes data to path via a temp file + rename so readers
// never observe a torn document. A crash mid-write leaves the previous
// file intact.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v (indented, stable across runs) and writes it
// atomically to path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// ReadJSON unmarshals path into v. A missing file leaves v untouched and
// returns os.ErrNotExist; a corrupt file returns the decode error so
// callers fail loud instead of silently resetting state.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
