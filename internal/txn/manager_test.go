package txn

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl4m3/ledgermind/internal/auditlog"
	"github.com/sl4m3/ledgermind/internal/storage/sqlite"
	"github.com/sl4m3/ledgermind/internal/types"
	"github.com/sl4m3/ledgermind/internal/vector"
)

type testEnv struct {
	mgr *Manager
	log *auditlog.Log
	idx *sqlite.Index
	vec *vector.Index
	dir string
}

func setupTestManager(t *testing.T) (*testEnv, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "ledgermind-txn-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	ctx := context.Background()

	log, err := auditlog.Open(filepath.Join(tmpDir, auditlog.DirName))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open log: %v", err)
	}
	idx, err := sqlite.New(ctx, filepath.Join(tmpDir, "meta.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create index: %v", err)
	}
	vec := vector.NewIndex(filepath.Join(tmpDir, "vector_index"), 3)
	mgr, err := New(log, idx, vec, filepath.Join(tmpDir, WALDirName))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create manager: %v", err)
	}

	env := &testEnv{mgr: mgr, log: log, idx: idx, vec: vec, dir: tmpDir}
	return env, func() {
		idx.Close()
		os.RemoveAll(tmpDir)
	}
}

func txnRecord(id string) *types.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Record{
		ID:        id,
		Kind:      types.KindDecision,
		Title:     "Record " + id,
		Target:    "storage",
		Rationale: "rationale long enough",
		Status:    types.StatusActive,
		Authority: types.AuthorityAgent,
		Phase:     types.PhasePattern,
		Vitality:  0.1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCommitWritesAllThreeResources(t *testing.T) {
	env, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	rec := txnRecord("lm-a")
	err := env.mgr.Commit(ctx, &Write{
		Records: []*types.Record{rec},
		Embeds:  map[string][]float32{"lm-a": {1, 0, 0}},
		Message: "first",
		Apply: func(ctx context.Context) error {
			return env.idx.Upsert(ctx, rec)
		},
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Index row.
	if _, err := env.idx.Get(ctx, "lm-a"); err != nil {
		t.Errorf("index should hold the record: %v", err)
	}
	// Log commit + working tree.
	if env.log.Head() == "" {
		t.Error("log head should have moved")
	}
	if _, err := env.log.ReadBody("lm-a"); err != nil {
		t.Errorf("working tree should hold the body: %v", err)
	}
	// Vector entry.
	if matches := env.vec.Search([]float32{1, 0, 0}, 1); len(matches) != 1 || matches[0].ID != "lm-a" {
		t.Errorf("vector index should hold the embedding: %+v", matches)
	}
	// No markers left behind.
	entries, _ := os.ReadDir(filepath.Join(env.dir, WALDirName))
	if len(entries) != 0 {
		t.Errorf("committed write should leave no wal marker, found %d", len(entries))
	}
}

func TestApplyFailureLeavesNoState(t *testing.T) {
	env, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	boom := errors.New("integrity says no")
	rec := txnRecord("lm-a")
	err := env.mgr.Commit(ctx, &Write{
		Records: []*types.Record{rec},
		Embeds:  map[string][]float32{"lm-a": {1, 0, 0}},
		Message: "doomed",
		Apply: func(ctx context.Context) error {
			if err := env.idx.Upsert(ctx, rec); err != nil {
				return err
			}
			return boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the apply error surfaced, got %v", err)
	}

	if _, err := env.idx.Get(ctx, "lm-a"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("index should be clean after rollback, got %v", err)
	}
	if env.log.Head() != "" {
		t.Error("log should be untouched after apply failure")
	}
	if matches := env.vec.Search([]float32{1, 0, 0}, 1); len(matches) != 0 {
		t.Errorf("vector staging should be discarded: %+v", matches)
	}
}

func TestRecoverCompletesPublishedWrite(t *testing.T) {
	env, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	// Simulate a crash after log publish but before index commit: the
	// chain holds the commit, the index does not, and the marker is
	// still on disk.
	rec := txnRecord("lm-a")
	st, err := env.log.Stage(rec, "crashed")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := env.log.Publish(st); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	writeTestMarker(t, env.dir, rec)

	if err := env.mgr.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	// The index write was driven to completion.
	if _, err := env.idx.Get(ctx, "lm-a"); err != nil {
		t.Errorf("recovery should complete the index write: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(env.dir, WALDirName))
	if len(entries) != 0 {
		t.Errorf("recovered marker should be removed, found %d", len(entries))
	}
}

func TestRecoverRollsBackUnpublishedWrite(t *testing.T) {
	env, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	// Crash before any publish: marker exists, chain is empty, and a
	// torn tree file was left behind.
	rec := txnRecord("lm-a")
	writeTestMarker(t, env.dir, rec)
	if err := os.WriteFile(env.log.TreePath("lm-a"), auditlog.EncodeBody(rec), 0644); err != nil {
		t.Fatalf("failed to write torn tree file: %v", err)
	}

	if err := env.mgr.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if _, err := os.Stat(env.log.TreePath("lm-a")); !os.IsNotExist(err) {
		t.Error("unpublished write should be rolled back from the tree")
	}
	if _, err := env.idx.Get(ctx, "lm-a"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("index should stay clean, got %v", err)
	}
	if env.log.Head() != "" {
		t.Error("rollback must not append to the chain")
	}
}

// writeTestMarker fabricates the wal marker a crashed Commit would have
// left behind.
func writeTestMarker(t *testing.T, dir string, recs ...*types.Record) {
	t.Helper()
	mk := marker{ID: "0000000001", Message: "crashed", CreatedAt: time.Now().UTC()}
	for _, rec := range recs {
		mk.Bodies = append(mk.Bodies, markerBody{RecordID: rec.ID, Body: string(auditlog.EncodeBody(rec))})
	}
	data, err := json.Marshal(&mk)
	if err != nil {
		t.Fatalf("failed to encode marker: %v", err)
	}
	path := filepath.Join(dir, WALDirName, mk.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}
}
