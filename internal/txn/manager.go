// Package txn coordinates atomic writes across the metadata index, the
// audit log, and the vector index.
//
// Write protocol: acquire the log lock, open the index transaction, run
// the caller's integrity-checked apply step, write a WAL marker, publish
// the log commits (the point of no return), commit the index, save the
// vector tail, drop the marker, release the lock. Failure before the
// first publish rolls everything back; failure after it leaves the
// marker for restart recovery to drive the write to completion.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sl4m3/ledgermind/internal/auditlog"
	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
	"github.com/sl4m3/ledgermind/internal/vector"
)

// WALDirName is the marker directory under the storage path.
const WALDirName = "wal"

// Manager coordinates the three write resources. mu serializes write
// protocols in-process; the log's advisory lock serializes them across
// processes.
type Manager struct {
	mu     sync.Mutex
	log    *auditlog.Log
	idx    storage.Index
	vec    *vector.Index
	walDir string
}

// New builds a manager. The WAL directory is created eagerly so a
// half-applied commit can always record its marker.
func New(log *auditlog.Log, idx storage.Index, vec *vector.Index, walDir string) (*Manager, error) {
	if err := os.MkdirAll(walDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	return &Manager{log: log, idx: idx, vec: vec, walDir: walDir}, nil
}

// Write is one atomic mutation.
type Write struct {
	// Records are the final states of every record this write touches;
	// each gets one log commit, in order.
	Records []*types.Record
	// Purge holds the records to hard-delete instead of write.
	Purge []*types.Record
	// Embeds holds vectors to stage, keyed by record id.
	Embeds map[string][]float32
	// Tombstones names record ids whose vectors are removed.
	Tombstones []string
	// Message is the human commit message.
	Message string
	// Apply runs the integrity checks and index mutations inside the
	// open transaction. An error here aborts with no visible state.
	Apply func(ctx context.Context) error
}

// marker is the WAL recovery record for one in-flight write.
type marker struct {
	ID        string       `json:"id"`
	Message   string       `json:"message"`
	Bodies    []markerBody `json:"bodies"`
	Purges    []string     `json:"purges,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type markerBody struct {
	RecordID string `json:"record_id"`
	Body     string `json:"body"`
}

// Exclusive runs fn with the in-process write mutex held. Maintenance
// passes (lifecycle ticks) use it to keep bulk updates from interleaving
// with a write protocol.
func (m *Manager) Exclusive(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// Commit runs the full write protocol.
func (m *Manager) Commit(ctx context.Context, w *Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: cross-process lock.
	if err := m.log.Lock(); err != nil {
		return err
	}
	defer func() { _ = m.log.Unlock() }()

	// Step 2: index transaction.
	if err := m.idx.Begin(ctx); err != nil {
		return fmt.Errorf("%v: %w", err, types.ErrTransactionFailed)
	}

	published := false
	defer func() {
		if !published {
			_ = m.idx.Rollback()
			m.vec.DiscardStaged()
		}
	}()

	// Step 3: integrity checks + index mutations. Invariant failures
	// surface as-is: nothing is visible yet.
	if err := w.Apply(ctx); err != nil {
		return err
	}

	// Steps 4-5: stage log bodies and vector ops.
	staged := make([]*auditlog.Staged, 0, len(w.Records)+len(w.Purge))
	prevBodies := make(map[string][]byte)
	for _, rec := range w.Records {
		if prev, err := m.log.ReadBody(rec.ID); err == nil {
			prevBodies[rec.ID] = prev
		}
		st, err := m.log.Stage(rec, w.Message)
		if err != nil {
			return fmt.Errorf("%v: %w", err, types.ErrTransactionFailed)
		}
		staged = append(staged, st)
	}
	for _, rec := range w.Purge {
		staged = append(staged, m.log.StagePurge(rec, w.Message))
	}
	for id, vec := range w.Embeds {
		m.vec.Add(id, vec)
	}
	for _, id := range w.Tombstones {
		m.vec.Remove(id)
	}

	// WAL marker before the point of no return.
	markerPath, err := m.writeMarker(w)
	if err != nil {
		return fmt.Errorf("%v: %w", err, types.ErrTransactionFailed)
	}

	// Step 6: publish, then commit index, then persist vector tail.
	// The first successful publish is the point of no return.
	for i, st := range staged {
		if err := m.log.Publish(st); err != nil {
			if i == 0 {
				// Nothing published: clean rollback.
				_ = m.log.Revert(st, prevBodies[recordIDOf(w, i)])
				_ = os.Remove(markerPath)
				return fmt.Errorf("%v: %w", err, types.ErrTransactionFailed)
			}
			// Partially published: leave the marker for recovery.
			published = true
			_ = m.idx.Rollback()
			m.vec.DiscardStaged()
			return fmt.Errorf("log publish failed after point of no return: %v: %w", err, types.ErrTransactionFailed)
		}
	}
	published = true

	if err := m.idx.Commit(ctx); err != nil {
		// Published but not indexed: recovery reconciles from the log.
		m.vec.DiscardStaged()
		return fmt.Errorf("index commit failed after log publish: %v: %w", err, types.ErrTransactionFailed)
	}
	if err := m.vec.Save(); err != nil {
		// Index and log agree; the vector tail is rebuilt by recovery.
		return fmt.Errorf("vector save failed after commit: %v: %w", err, types.ErrTransactionFailed)
	}

	// Step 7: drop the marker; the lock releases via defer.
	if err := os.Remove(markerPath); err != nil {
		return fmt.Errorf("failed to remove wal marker: %w", err)
	}
	return nil
}

func recordIDOf(w *Write, i int) string {
	if i < len(w.Records) {
		return w.Records[i].ID
	}
	return w.Purge[i-len(w.Records)].ID
}

// writeMarker persists the intent of a write for restart recovery.
func (m *Manager) writeMarker(w *Write) (string, error) {
	mk := marker{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		Message:   w.Message,
		CreatedAt: time.Now().UTC(),
	}
	for _, rec := range w.Records {
		mk.Bodies = append(mk.Bodies, markerBody{
			RecordID: rec.ID,
			Body:     string(auditlog.EncodeBody(rec)),
		})
	}
	for _, rec := range w.Purge {
		mk.Purges = append(mk.Purges, rec.ID)
	}

	data, err := json.Marshal(&mk)
	if err != nil {
		return "", fmt.Errorf("failed to encode wal marker: %w", err)
	}
	path := filepath.Join(m.walDir, mk.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil { // nolint:gosec // shared project state
		return "", fmt.Errorf("failed to write wal marker: %w", err)
	}
	return path, nil
}

// Recover reconciles half-applied commits left by a crashed process.
// A marker whose commits all published is completed (index resynced);
// one whose first commit never published is rolled back by restoring
// the working tree from the log objects. Partially published markers
// publish the remainder, then resync.
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.walDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list wal markers: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	if err := m.log.Lock(); err != nil {
		return err
	}
	defer func() { _ = m.log.Unlock() }()

	for _, name := range names {
		path := filepath.Join(m.walDir, name)
		if err := m.recoverMarker(ctx, path); err != nil {
			return fmt.Errorf("recovering %s: %v: %w", name, err, types.ErrRecoveryPending)
		}
	}

	// One reconcile pass settles the index after all markers replay.
	if _, err := auditlog.SyncIndex(ctx, m.log, m.idx); err != nil {
		return fmt.Errorf("post-recovery reconcile: %v: %w", err, types.ErrRecoveryPending)
	}
	return nil
}

func (m *Manager) recoverMarker(ctx context.Context, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path under controlled wal dir
	if err != nil {
		return fmt.Errorf("failed to read wal marker: %w", err)
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return fmt.Errorf("corrupt wal marker: %w", err)
	}

	// Complete or roll back based on presence of published commit refs.
	anyPublished := false
	for _, body := range mk.Bodies {
		ok, err := m.log.HasBodyCommit(body.RecordID, auditlog.HashBody([]byte(body.Body)))
		if err != nil {
			return err
		}
		if ok {
			anyPublished = true
			break
		}
	}

	if !anyPublished {
		// Nothing reached the chain: restore the working tree from the
		// last committed objects and forget the write.
		for _, body := range mk.Bodies {
			if err := m.log.RestoreTree(body.RecordID); err != nil {
				return err
			}
		}
	} else {
		// The chain holds part of the write: drive it to completion.
		for _, body := range mk.Bodies {
			ok, err := m.log.HasBodyCommit(body.RecordID, auditlog.HashBody([]byte(body.Body)))
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			rec, err := auditlog.DecodeBody([]byte(body.Body))
			if err != nil {
				return fmt.Errorf("corrupt marker body for %s: %w", body.RecordID, err)
			}
			st, err := m.log.Stage(rec, mk.Message+" (recovered)")
			if err != nil {
				return err
			}
			if err := m.log.Publish(st); err != nil {
				return err
			}
		}
		for _, id := range mk.Purges {
			if _, err := m.log.ReadBody(id); err == nil {
				st := m.log.StagePurge(&types.Record{ID: id, Kind: types.KindDecision, Authority: types.AuthorityAdmin}, mk.Message+" (recovered)")
				if err := m.log.Publish(st); err != nil {
					return err
				}
			}
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove recovered marker: %w", err)
	}
	return nil
}
