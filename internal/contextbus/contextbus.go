// Package contextbus is the shared blackboard agents use to exchange
// facts between turns. Entries are namespaced by publisher, carry a
// retention layer, and expire lazily: nothing deletes on a timer, stale
// entries are dropped whenever the bus file is next opened for writing.
package contextbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/fsutil"
)

// Layer is an entry's retention class.
type Layer string

const (
	// LayerTask lives until the task that produced it is cleared.
	LayerTask Layer = "task"
	// LayerSession expires an hour after the last write.
	LayerSession Layer = "session"
	// LayerShort expires a day after the last write.
	LayerShort Layer = "short_term"
	// LayerLong never expires on its own.
	LayerLong Layer = "long_term"
)

// TTL returns the layer's retention window, 0 meaning unbounded.
func (l Layer) TTL() time.Duration {
	switch l {
	case LayerSession:
		return time.Hour
	case LayerShort:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseLayer normalizes a layer name, defaulting to session.
func ParseLayer(s string) Layer {
	switch Layer(strings.ToLower(strings.TrimSpace(s))) {
	case LayerTask:
		return LayerTask
	case LayerShort:
		return LayerShort
	case LayerLong:
		return LayerLong
	default:
		return LayerSession
	}
}

// Provenance records where an entry came from.
type Provenance struct {
	Kind          string `json:"kind,omitempty"` // user, agent, system
	SourceChannel string `json:"source_channel,omitempty"`
	SourceTaskID  string `json:"source_task_id,omitempty"`
}

// Entry is one published fact. TTLSeconds, when positive, overrides the
// layer's retention window.
type Entry struct {
	Value      any        `json:"value"`
	Layer      Layer      `json:"layer"`
	AgentID    string     `json:"agent_id"`
	UpdatedAt  float64    `json:"updated_at"`
	TTLSeconds int        `json:"ttl_seconds,omitempty"`
	Provenance Provenance `json:"provenance,omitempty"`
}

type document struct {
	Entries map[string]Entry `json:"entries"`
}

// Bus is a handle on the shared context file.
type Bus struct {
	path     string
	lockPath string
}

// Open creates a bus handle rooted at dir.
func Open(dir string) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}
	return &Bus{
		path:     filepath.Join(dir, "context_bus.json"),
		lockPath: filepath.Join(dir, ".context_bus.lock"),
	}, nil
}

func (b *Bus) read() (*document, error) {
	doc := &document{Entries: map[string]Entry{}}
	err := fsutil.ReadJSON(b.path, doc)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if doc.Entries == nil {
		doc.Entries = map[string]Entry{}
	}
	return doc, nil
}

func (b *Bus) mutate(ctx context.Context, fn func(doc *document) error) error {
	return fsutil.WithLock(ctx, b.lockPath, func() error {
		doc, err := b.read()
		if err != nil {
			return err
		}
		pruneExpired(doc, time.Now())
		if err := fn(doc); err != nil {
			return err
		}
		return fsutil.WriteJSONAtomic(b.path, doc)
	})
}

func pruneExpired(doc *document, now time.Time) {
	for key, e := range doc.Entries {
		ttl := e.Layer.TTL()
		if e.TTLSeconds > 0 {
			ttl = time.Duration(e.TTLSeconds) * time.Second
		}
		if ttl == 0 {
			continue
		}
		age := now.Sub(time.Unix(0, int64(e.UpdatedAt*float64(time.Second))))
		if age > ttl {
			delete(doc.Entries, key)
		}
	}
}

// FullKey is the namespaced form every entry is stored under.
func FullKey(agentID, key string) string {
	return agentID + ":" + key
}

// Publish writes a fact under the publisher's namespace, replacing any
// previous value and refreshing the retention clock.
func (b *Bus) Publish(ctx context.Context, agentID, key string, value any, layer Layer) error {
	return b.PublishWith(ctx, agentID, key, value, layer, 0, Provenance{})
}

// PublishWith is Publish with an explicit TTL override (0 keeps the
// layer default) and provenance.
func (b *Bus) PublishWith(ctx context.Context, agentID, key string, value any, layer Layer, ttl time.Duration, prov Provenance) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("contextbus: empty key")
	}
	return b.mutate(ctx, func(doc *document) error {
		doc.Entries[FullKey(agentID, key)] = Entry{
			Value:      value,
			Layer:      layer,
			AgentID:    agentID,
			UpdatedAt:  float64(time.Now().UnixNano()) / float64(time.Second),
			TTLSeconds: int(ttl / time.Second),
			Provenance: prov,
		}
		return nil
	})
}

// Get resolves a key. A bare key is tried under the reader's own
// namespace first, then as a literal (already namespaced) key. Expired
// entries read as absent.
func (b *Bus) Get(readerID, key string) (Entry, bool, error) {
	doc, err := b.read()
	if err != nil {
		return Entry{}, false, err
	}
	pruneExpired(doc, time.Now())
	if e, ok := doc.Entries[FullKey(readerID, key)]; ok {
		return e, true, nil
	}
	e, ok := doc.Entries[key]
	return e, ok, nil
}

// Snapshot returns every live entry, keyed by full namespaced key, in a
// copy safe for prompt assembly.
func (b *Bus) Snapshot() (map[string]Entry, error) {
	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	pruneExpired(doc, time.Now())
	out := make(map[string]Entry, len(doc.Entries))
	for k, v := range doc.Entries {
		out[k] = v
	}
	return out, nil
}

// Keys returns the live full keys in sorted order.
func (b *Bus) Keys() ([]string, error) {
	snap, err := b.Snapshot()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ClearTaskLayer drops every task-layer entry. Called when a pipeline
// run finishes so per-task scratch state never leaks into the next run.
func (b *Bus) ClearTaskLayer(ctx context.Context) error {
	return b.mutate(ctx, func(doc *document) error {
		for key, e := range doc.Entries {
			if e.Layer == LayerTask {
				delete(doc.Entries, key)
			}
		}
		return nil
	})
}

// ClearTaskEntries drops the task-layer entries produced for one task,
// identified by provenance. Entries without a source task are kept.
func (b *Bus) ClearTaskEntries(ctx context.Context, taskID string) error {
	return b.mutate(ctx, func(doc *document) error {
		for key, e := range doc.Entries {
			if e.Layer == LayerTask && e.Provenance.SourceTaskID == taskID {
				delete(doc.Entries, key)
			}
		}
		return nil
	})
}

// Delete removes one entry by full key. Missing keys are not an error.
func (b *Bus) Delete(ctx context.Context, fullKey string) error {
	return b.mutate(ctx, func(doc *document) error {
		delete(doc.Entries, fullKey)
		return nil
	})
}
