package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
)

func setupTestIndex(t *testing.T) (*Index, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "ledgermind-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	ctx := context.Background()
	idx, err := New(ctx, filepath.Join(tmpDir, "semantic_meta.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create index: %v", err)
	}

	cleanup := func() {
		idx.Close()
		os.RemoveAll(tmpDir)
	}
	return idx, cleanup
}

func testRecord(id, target string, status types.Status) *types.Record {
	now := time.Now().UTC()
	return &types.Record{
		ID:        id,
		Kind:      types.KindDecision,
		Title:     "Test record " + id,
		Target:    target,
		Rationale: "because this is a test",
		Status:    status,
		Authority: types.AuthorityAgent,
		Phase:     types.PhasePattern,
		Vitality:  0.1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func mustUpsert(t *testing.T, idx *Index, recs ...*types.Record) {
	t.Helper()
	ctx := context.Background()
	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, rec := range recs {
		if err := idx.Upsert(ctx, rec); err != nil {
			_ = idx.Rollback()
			t.Fatalf("Upsert(%s) failed: %v", rec.ID, err)
		}
	}
	if err := idx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestUpsertRequiresTransaction(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()

	err := idx.Upsert(context.Background(), testRecord("lm-aaa", "storage", types.StatusActive))
	if !errors.Is(err, storage.ErrNoTransaction) {
		t.Errorf("expected ErrNoTransaction, got %v", err)
	}
}

func TestUpsertAndGet(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	rec := testRecord("lm-aaa", "storage", types.StatusActive)
	rec.Consequences = []string{"first", "second"}
	rec.Supersedes = []string{"lm-old"}
	mustUpsert(t, idx, testRecord("lm-old", "storage", types.StatusSuperseded))
	mustUpsert(t, idx, rec)

	got, err := idx.Get(ctx, "lm-aaa")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != rec.Title || got.Target != "storage" || got.Status != types.StatusActive {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.Consequences) != 2 || got.Consequences[0] != "first" {
		t.Errorf("consequences not preserved: %v", got.Consequences)
	}
	if len(got.Supersedes) != 1 || got.Supersedes[0] != "lm-old" {
		t.Errorf("supersedes not preserved: %v", got.Supersedes)
	}
	if got.CreatedAt.IsZero() || got.CreatedAt.Location() != time.UTC {
		t.Errorf("timestamps should be UTC, got %v", got.CreatedAt)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	rec := testRecord("lm-aaa", "storage", types.StatusActive)
	mustUpsert(t, idx, rec)
	first, err := idx.Get(ctx, "lm-aaa")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	mustUpsert(t, idx, rec)
	second, err := idx.Get(ctx, "lm-aaa")
	if err != nil {
		t.Fatalf("Get after re-upsert failed: %v", err)
	}

	if first.ComputeContentHash() != second.ComputeContentHash() {
		t.Error("double upsert changed record content")
	}
	all, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 record after double upsert, got %d", len(all))
	}
}

func TestGetNotFound(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()

	_, err := idx.Get(context.Background(), "lm-missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetBatch(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	mustUpsert(t, idx,
		testRecord("lm-a", "t1", types.StatusActive),
		testRecord("lm-b", "t2", types.StatusActive),
	)

	got, err := idx.GetBatch(ctx, []string{"lm-a", "lm-b", "lm-missing"})
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 records, got %d", len(got))
	}
	if _, ok := got["lm-missing"]; ok {
		t.Error("missing id should be absent from result, not an error")
	}
}

func TestFindActiveByTarget(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	mustUpsert(t, idx,
		testRecord("lm-a", "storage", types.StatusSuperseded),
		testRecord("lm-b", "storage", types.StatusActive),
	)

	got, err := idx.FindActiveByTarget(ctx, "storage")
	if err != nil {
		t.Fatalf("FindActiveByTarget failed: %v", err)
	}
	if got == nil || got.ID != "lm-b" {
		t.Errorf("expected lm-b, got %+v", got)
	}

	none, err := idx.FindActiveByTarget(ctx, "nothing")
	if err != nil {
		t.Fatalf("FindActiveByTarget(nothing) failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown target, got %+v", none)
	}
}

func TestSingleActiveEnforcedAtStorage(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	mustUpsert(t, idx, testRecord("lm-a", "storage", types.StatusActive))

	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	err := idx.Upsert(ctx, testRecord("lm-b", "storage", types.StatusActive))
	_ = idx.Rollback()
	if err == nil {
		t.Fatal("second active record for target should violate the unique index")
	}
}

func TestNestedTransactionDoomed(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("outer Begin failed: %v", err)
	}
	if err := idx.Upsert(ctx, testRecord("lm-a", "storage", types.StatusActive)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Nested begin is a no-op; nested rollback dooms the outer commit.
	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("nested Begin failed: %v", err)
	}
	if err := idx.Rollback(); err != nil {
		t.Fatalf("nested Rollback failed: %v", err)
	}

	err := idx.Commit(ctx)
	if !errors.Is(err, storage.ErrDoomed) {
		t.Fatalf("expected ErrDoomed from outer commit, got %v", err)
	}

	if _, err := idx.Get(ctx, "lm-a"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("doomed transaction should leave no state, got %v", err)
	}
}

func TestNestedCommitKeepsTransactionOpen(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("outer Begin failed: %v", err)
	}
	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("nested Begin failed: %v", err)
	}
	if err := idx.Commit(ctx); err != nil {
		t.Fatalf("nested Commit failed: %v", err)
	}

	// Still inside the outer transaction: writes must work.
	if err := idx.Upsert(ctx, testRecord("lm-a", "storage", types.StatusActive)); err != nil {
		t.Fatalf("Upsert inside outer transaction failed: %v", err)
	}
	if err := idx.Commit(ctx); err != nil {
		t.Fatalf("outer Commit failed: %v", err)
	}

	if _, err := idx.Get(ctx, "lm-a"); err != nil {
		t.Errorf("record should be visible after outer commit: %v", err)
	}
}

func TestBatchUpdate(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	mustUpsert(t, idx,
		testRecord("lm-a", "t1", types.StatusActive),
		testRecord("lm-b", "t2", types.StatusActive),
	)

	touched, err := idx.BatchUpdate(ctx, []storage.LifecycleUpdate{
		{ID: "lm-a", Phase: types.PhaseEmergent, Vitality: 0.5},
		{ID: "lm-b", Phase: types.PhasePattern, Vitality: 0.3},
		{ID: "lm-missing", Phase: types.PhasePattern, Vitality: 0.1},
	})
	if err != nil {
		t.Fatalf("BatchUpdate failed: %v", err)
	}
	if touched != 2 {
		t.Errorf("expected 2 rows touched, got %d", touched)
	}

	got, err := idx.Get(ctx, "lm-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Phase != types.PhaseEmergent || got.Vitality != 0.5 {
		t.Errorf("lifecycle update not applied: %+v", got)
	}
}

func TestCountLinksAndEvidenceBatch(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	rec := testRecord("lm-a", "storage", types.StatusActive)
	rec.Evidence = []string{"ev-1", "ev-2"}
	mustUpsert(t, idx, rec)

	n, err := idx.CountLinks(ctx, "storage")
	if err != nil {
		t.Fatalf("CountLinks failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 links, got %d", n)
	}

	linked, err := idx.GetLinkedEventIDsBatch(ctx, []string{"lm-a"})
	if err != nil {
		t.Fatalf("GetLinkedEventIDsBatch failed: %v", err)
	}
	if len(linked["lm-a"]) != 2 {
		t.Errorf("expected 2 linked events, got %v", linked["lm-a"])
	}
}

func TestDeleteRemovesInboundEdges(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	old := testRecord("lm-old", "storage", types.StatusSuperseded)
	mustUpsert(t, idx, old)
	newRec := testRecord("lm-new", "storage", types.StatusActive)
	newRec.Supersedes = []string{"lm-old"}
	mustUpsert(t, idx, newRec)

	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := idx.Delete(ctx, "lm-old"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := idx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := idx.Get(ctx, "lm-new")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Supersedes) != 0 {
		t.Errorf("inbound edge to purged record should be gone, got %v", got.Supersedes)
	}
}
