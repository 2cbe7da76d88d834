package auditlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl4m3/ledgermind/internal/storage/sqlite"
	"github.com/sl4m3/ledgermind/internal/types"
)

func setupTestLog(t *testing.T) (*Log, string, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "ledgermind-log-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	l, err := Open(filepath.Join(tmpDir, DirName))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open log: %v", err)
	}
	return l, tmpDir, func() { os.RemoveAll(tmpDir) }
}

func logTestRecord(id string) *types.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Record{
		ID:           id,
		Kind:         types.KindDecision,
		Title:        "Use PostgreSQL",
		Target:       "storage",
		Rationale:    "need ACID guarantees",
		Consequences: []string{"run a database server", "learn SQL"},
		Status:       types.StatusActive,
		Authority:    types.AuthorityAgent,
		Phase:        types.PhasePattern,
		Vitality:     0.1,
		CreatedAt:    now,
		UpdatedAt:    now,
		Supersedes:   []string{"lm-old1", "lm-old2"},
		Evidence:     []string{"ev-1"},
	}
}

func TestBodyRoundTrip(t *testing.T) {
	rec := logTestRecord("lm-abc")
	decoded, err := DecodeBody(EncodeBody(rec))
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}

	if decoded.ID != rec.ID || decoded.Kind != rec.Kind || decoded.Title != rec.Title {
		t.Errorf("identity fields mismatch: %+v", decoded)
	}
	if decoded.Rationale != rec.Rationale {
		t.Errorf("rationale mismatch: %q", decoded.Rationale)
	}
	if len(decoded.Consequences) != 2 || decoded.Consequences[1] != "learn SQL" {
		t.Errorf("consequences mismatch: %v", decoded.Consequences)
	}
	if len(decoded.Supersedes) != 2 {
		t.Errorf("supersedes mismatch: %v", decoded.Supersedes)
	}
	if !decoded.CreatedAt.Equal(rec.CreatedAt) || !decoded.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("timestamps mismatch: %v vs %v", decoded.CreatedAt, rec.CreatedAt)
	}
	if decoded.Vitality != rec.Vitality {
		t.Errorf("vitality mismatch: %v", decoded.Vitality)
	}
}

func TestBodyMissingHeader(t *testing.T) {
	if _, err := DecodeBody([]byte("id: x\nkind: decision\n\nbody")); err == nil {
		t.Error("missing required headers should fail decode")
	}
}

func TestCommitMessageFormat(t *testing.T) {
	rec := logTestRecord("lm-abc")
	msg := formatCommitMessage(rec, "initial decision")
	want := `decision:active:storage:lm-abc  message="initial decision"  authority=a`
	if msg != want {
		t.Errorf("commit message %q, want %q", msg, want)
	}
}

func TestStagePublishMovesHead(t *testing.T) {
	l, _, cleanup := setupTestLog(t)
	defer cleanup()

	if l.Head() != "" {
		t.Fatalf("fresh log should have empty head, got %s", l.Head())
	}

	st, err := l.Stage(logTestRecord("lm-abc"), "first")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	// Staging publishes nothing.
	if l.Head() != "" {
		t.Error("staging must not move the head")
	}
	if _, err := l.ReadBody("lm-abc"); err == nil {
		t.Error("staging must not touch the working tree")
	}

	if err := l.Publish(st); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if l.Head() != st.Ref {
		t.Errorf("head should be the published ref")
	}
	if _, err := l.ReadBody("lm-abc"); err != nil {
		t.Errorf("working tree should hold the body: %v", err)
	}

	// Reopen: head survives.
	l2, err := Open(l.Dir())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if l2.Head() != st.Ref {
		t.Errorf("head lost across reopen: %s vs %s", l2.Head(), st.Ref)
	}
}

func TestReplayReconstructsIndex(t *testing.T) {
	l, tmpDir, cleanup := setupTestLog(t)
	defer cleanup()
	ctx := context.Background()

	recA := logTestRecord("lm-a")
	recA.Supersedes = nil
	recA.Evidence = nil
	recB := logTestRecord("lm-b")
	recB.Target = "transport"
	recB.Supersedes = nil
	recB.Evidence = nil

	for _, rec := range []*types.Record{recA, recB} {
		st, err := l.Stage(rec, "seed")
		if err != nil {
			t.Fatalf("Stage failed: %v", err)
		}
		if err := l.Publish(st); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// Purge one: replay must not resurrect it.
	st := l.StagePurge(recB, "purge")
	if err := l.Publish(st); err != nil {
		t.Fatalf("Publish purge failed: %v", err)
	}

	idx, err := sqlite.New(ctx, filepath.Join(tmpDir, "rebuilt.db"))
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	defer idx.Close()

	if err := Rebuild(ctx, l, idx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	if _, err := idx.Get(ctx, "lm-a"); err != nil {
		t.Errorf("rebuilt index should hold lm-a: %v", err)
	}
	if _, err := idx.Get(ctx, "lm-b"); err == nil {
		t.Error("purged record should not be rebuilt")
	}
}

func TestSyncIndexReconciles(t *testing.T) {
	l, tmpDir, cleanup := setupTestLog(t)
	defer cleanup()
	ctx := context.Background()

	rec := logTestRecord("lm-a")
	rec.Supersedes = nil
	rec.Evidence = nil
	st, err := l.Stage(rec, "seed")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := l.Publish(st); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	idx, err := sqlite.New(ctx, filepath.Join(tmpDir, "meta.db"))
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	defer idx.Close()

	// First sync inserts the record from the tree.
	stats, err := SyncIndex(ctx, l, idx)
	if err != nil {
		t.Fatalf("SyncIndex failed: %v", err)
	}
	if stats.Inserted != 1 {
		t.Errorf("expected 1 inserted, got %+v", stats)
	}

	// Second sync skips the unchanged file.
	stats, err = SyncIndex(ctx, l, idx)
	if err != nil {
		t.Fatalf("second SyncIndex failed: %v", err)
	}
	if stats.Skipped != 1 || stats.Inserted != 0 {
		t.Errorf("expected 1 skipped, got %+v", stats)
	}

	// An index row without a body file is an orphan: removed.
	orphan := logTestRecord("lm-orphan")
	orphan.Target = "elsewhere"
	orphan.Supersedes = nil
	orphan.Evidence = nil
	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := idx.Upsert(ctx, orphan); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	stats, err = SyncIndex(ctx, l, idx)
	if err != nil {
		t.Fatalf("third SyncIndex failed: %v", err)
	}
	if stats.Removed != 1 {
		t.Errorf("expected orphan removal, got %+v", stats)
	}
}

func TestHasBodyCommitAndRestoreTree(t *testing.T) {
	l, _, cleanup := setupTestLog(t)
	defer cleanup()

	rec := logTestRecord("lm-a")
	body := EncodeBody(rec)
	st, err := l.Stage(rec, "seed")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := l.Publish(st); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ok, err := l.HasBodyCommit("lm-a", HashBody(body))
	if err != nil {
		t.Fatalf("HasBodyCommit failed: %v", err)
	}
	if !ok {
		t.Error("published body should be found in the chain")
	}

	// Scribble on the working tree, then restore from the chain.
	if err := os.WriteFile(l.TreePath("lm-a"), []byte("torn write"), 0644); err != nil {
		t.Fatalf("failed to corrupt tree file: %v", err)
	}
	if err := l.RestoreTree("lm-a"); err != nil {
		t.Fatalf("RestoreTree failed: %v", err)
	}
	restored, err := l.ReadBody("lm-a")
	if err != nil {
		t.Fatalf("ReadBody failed: %v", err)
	}
	if string(restored) != string(body) {
		t.Error("restored body should match the last committed object")
	}

	// A record the chain never saw: restore removes the stray file.
	if err := os.WriteFile(l.TreePath("lm-stray"), []byte("stray"), 0644); err != nil {
		t.Fatalf("failed to write stray file: %v", err)
	}
	if err := l.RestoreTree("lm-stray"); err != nil {
		t.Fatalf("RestoreTree(stray) failed: %v", err)
	}
	if _, err := os.Stat(l.TreePath("lm-stray")); !os.IsNotExist(err) {
		t.Error("stray tree file should be removed")
	}
}

func TestLockAcquireRelease(t *testing.T) {
	l, _, cleanup := setupTestLog(t)
	defer cleanup()

	if err := l.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	// Re-acquirable after release.
	if err := l.Lock(); err != nil {
		t.Fatalf("re-Lock failed: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("re-Unlock failed: %v", err)
	}
}
