// Package audit writes the append-only access trail.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the access trail file under the storage path.
const FileName = "audit.log"

const idPrefix = "aud-"

// Entry is one access-trail line. Every public API operation appends
// exactly one entry, success or failure.
type Entry struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	CreatedAt time.Time `json:"created_at"`

	Actor     string `json:"actor,omitempty"`
	Authority string `json:"authority,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Target    string `json:"target,omitempty"`
	Error     string `json:"error,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Trail appends entries to audit.log, rotated by size so a long-lived
// store never grows the trail unbounded.
type Trail struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

// Open creates the trail under dir.
func Open(dir string) *Trail {
	return &Trail{
		w: &lumberjack.Logger{
			Filename:   filepath.Join(dir, FileName),
			MaxSize:    64, // MB
			MaxBackups: 4,
			Compress:   true,
		},
	}
}

// Append writes one entry as a single JSON line. Trail failures are
// returned but callers treat them as non-fatal: the trail observes
// writes, it does not gate them.
func (t *Trail) Append(e *Entry) error {
	if e == nil {
		return fmt.Errorf("nil entry")
	}
	if e.Op == "" {
		return fmt.Errorf("op is required")
	}
	if e.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the trail.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Close()
}

func newID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate audit id: %w", err)
	}
	return idPrefix + hex.EncodeToString(b[:]), nil
}
