// Package mailbox gives every agent a durable, crash-safe inbox. Each
// recipient owns one JSONL file; senders append a line under the inbox
// lock, and the recipient drains by renaming the file aside before
// parsing, so a crash mid-drain re-delivers instead of losing mail.
package mailbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/fsutil"
)

// Well-known message types.
const (
	TypeShutdown        = "shutdown"
	TypeCritiqueRequest = "critique_request"
	TypeWakeup          = "wakeup"
	TypeInfo            = "info"
)

// Message is one mailbox entry.
type Message struct {
	Type      string         `json:"type"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// Box is a handle on one mail directory shared by all agents.
type Box struct {
	dir string
}

// Open creates a mailbox handle rooted at dir.
func Open(dir string) (*Box, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mailbox dir: %w", err)
	}
	return &Box{dir: dir}, nil
}

func (b *Box) inboxPath(agentID string) string {
	return filepath.Join(b.dir, agentID+".jsonl")
}

func (b *Box) lockPath(agentID string) string {
	return filepath.Join(b.dir, "."+agentID+".lock")
}

// Send appends a message to the recipient's inbox.
func (b *Box) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("mailbox: message without recipient")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return fsutil.WithLock(ctx, b.lockPath(msg.To), func() error {
		f, err := os.OpenFile(b.inboxPath(msg.To), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open inbox: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return f.Sync()
	})
}

// Drain atomically takes every pending message for agentID. The inbox is
// renamed to a .processing file under the lock, parsed outside it, and
// deleted only after a full parse, so a crash between rename and delete
// re-delivers the batch on the next drain.
func (b *Box) Drain(ctx context.Context, agentID string) ([]Message, error) {
	processing := b.inboxPath(agentID) + ".processing"

	// A leftover .processing file means the previous drain crashed.
	if _, err := os.Stat(processing); errors.Is(err, os.ErrNotExist) {
		err := fsutil.WithLock(ctx, b.lockPath(agentID), func() error {
			err := os.Rename(b.inboxPath(agentID), processing)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("take inbox: %w", err)
		}
	}

	msgs, err := readMessages(processing)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := os.Remove(processing); err != nil {
		return nil, fmt.Errorf("finish drain: %w", err)
	}
	return msgs, nil
}

func readMessages(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			// A torn tail line (writer crashed mid-append) is dropped;
			// everything before it is still delivered.
			continue
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	return msgs, nil
}

// Pending reports whether agentID has undelivered mail without draining.
func (b *Box) Pending(agentID string) bool {
	for _, p := range []string{b.inboxPath(agentID), b.inboxPath(agentID) + ".processing"} {
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

// Broadcast sends the same message body to every recipient.
func (b *Box) Broadcast(ctx context.Context, msg Message, recipients []string) error {
	for _, to := range recipients {
		m := msg
		m.To = to
		if err := b.Send(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
