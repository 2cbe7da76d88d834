package integrity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sl4m3/ledgermind/internal/storage/sqlite"
	"github.com/sl4m3/ledgermind/internal/types"
)

func setupTestIndex(t *testing.T) (*sqlite.Index, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "ledgermind-integrity-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	idx, err := sqlite.New(context.Background(), filepath.Join(tmpDir, "meta.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create index: %v", err)
	}
	return idx, func() {
		idx.Close()
		os.RemoveAll(tmpDir)
	}
}

func checkerRecord(id, target string, status types.Status, authority types.Authority) *types.Record {
	now := time.Now().UTC()
	return &types.Record{
		ID:        id,
		Kind:      types.KindDecision,
		Title:     "Record " + id,
		Target:    target,
		Rationale: "a rationale easily past every minimum",
		Status:    status,
		Authority: authority,
		Phase:     types.PhasePattern,
		Vitality:  0.1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func seed(t *testing.T, idx *sqlite.Index, recs ...*types.Record) {
	t.Helper()
	ctx := context.Background()
	if err := idx.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, rec := range recs {
		if err := idx.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if err := idx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestRationaleLengthBoundaries(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	cases := []struct {
		name      string
		rationale string
		supersede bool
		wantOK    bool
	}{
		{"record at 10", strings.Repeat("x", 10), false, true},
		{"record at 9", strings.Repeat("x", 9), false, false},
		{"supersede at 15", strings.Repeat("x", 15), true, true},
		{"supersede at 14", strings.Repeat("x", 14), true, false},
	}
	for _, tc := range cases {
		rec := checkerRecord("lm-x", "boundary", types.StatusActive, types.AuthorityAgent)
		rec.Rationale = tc.rationale
		err := RationaleLength()(ctx, idx, &Mutation{Record: rec, Supersede: tc.supersede})
		if tc.wantOK && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.wantOK {
			var ie *types.InvariantError
			if !errors.As(err, &ie) || ie.Code != types.InvRationaleLength {
				t.Errorf("%s: expected I2 violation, got %v", tc.name, err)
			}
		}
	}
}

func TestTargetNormalized(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	rec := checkerRecord("lm-x", "Storage Engine", types.StatusActive, types.AuthorityAgent)
	err := TargetNormalized()(ctx, idx, &Mutation{Record: rec})
	var ie *types.InvariantError
	if !errors.As(err, &ie) || ie.Code != types.InvTargetNormalized {
		t.Errorf("expected I7 violation, got %v", err)
	}

	rec.Target = "storage-engine"
	if err := TargetNormalized()(ctx, idx, &Mutation{Record: rec}); err != nil {
		t.Errorf("normalized target should pass: %v", err)
	}
}

func TestSingleActiveConflict(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	existing := checkerRecord("lm-a", "storage", types.StatusActive, types.AuthorityAgent)
	seed(t, idx, existing)

	// A second active write without superseding conflicts.
	rec := checkerRecord("lm-b", "storage", types.StatusActive, types.AuthorityAgent)
	err := SingleActive()(ctx, idx, &Mutation{Record: rec})
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	// Naming the existing record in supersedes clears the conflict.
	rec.Supersedes = []string{"lm-a"}
	if err := SingleActive()(ctx, idx, &Mutation{Record: rec}); err != nil {
		t.Errorf("superseding write should pass I1: %v", err)
	}

	// Proposals never contend for the active slot.
	prop := checkerRecord("lm-c", "storage", types.StatusProposal, types.AuthorityAgent)
	if err := SingleActive()(ctx, idx, &Mutation{Record: prop}); err != nil {
		t.Errorf("proposal should pass I1: %v", err)
	}
}

func TestAuthorityIsolation(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	human := checkerRecord("lm-h", "storage", types.StatusActive, types.AuthorityHuman)
	agent := checkerRecord("lm-a", "storage", types.StatusActive, types.AuthorityAgent)
	agent.Supersedes = []string{"lm-h"}

	err := AuthorityIsolation()(ctx, idx, &Mutation{
		Record:     agent,
		OldRecords: map[string]*types.Record{"lm-h": human},
	})
	if !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("agent superseding human should be I3/PermissionDenied, got %v", err)
	}

	// human > admin > agent: human may supersede anything; admin may
	// supersede agent but not human.
	adminOverAgent := checkerRecord("lm-adm", "storage", types.StatusActive, types.AuthorityAdmin)
	adminOverAgent.Supersedes = []string{"lm-a"}
	if err := AuthorityIsolation()(ctx, idx, &Mutation{
		Record:     adminOverAgent,
		OldRecords: map[string]*types.Record{"lm-a": agent},
	}); err != nil {
		t.Errorf("admin over agent should pass: %v", err)
	}

	adminOverHuman := checkerRecord("lm-adm2", "storage", types.StatusActive, types.AuthorityAdmin)
	adminOverHuman.Supersedes = []string{"lm-h"}
	if err := AuthorityIsolation()(ctx, idx, &Mutation{
		Record:     adminOverHuman,
		OldRecords: map[string]*types.Record{"lm-h": human},
	}); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("admin over human should be denied, got %v", err)
	}
}

func TestAcyclicEdges(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	// Existing chain: lm-new supersedes lm-old.
	old := checkerRecord("lm-old", "storage", types.StatusSuperseded, types.AuthorityAgent)
	newer := checkerRecord("lm-new", "storage", types.StatusActive, types.AuthorityAgent)
	newer.Supersedes = []string{"lm-old"}
	seed(t, idx, old, newer)

	// lm-old superseding lm-new closes a cycle.
	closing := checkerRecord("lm-old", "storage", types.StatusActive, types.AuthorityAgent)
	closing.Supersedes = []string{"lm-new"}
	err := AcyclicEdges()(ctx, idx, &Mutation{Record: closing})
	var ie *types.InvariantError
	if !errors.As(err, &ie) || ie.Code != types.InvDAG {
		t.Errorf("expected I4 violation, got %v", err)
	}

	// Self-supersession is the degenerate cycle.
	self := checkerRecord("lm-s", "other", types.StatusActive, types.AuthorityAgent)
	self.Supersedes = []string{"lm-s"}
	if err := AcyclicEdges()(ctx, idx, &Mutation{Record: self}); err == nil {
		t.Error("self-supersession should violate I4")
	}
}

func TestReviewWindow(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	created := time.Now().UTC().Add(-30 * time.Minute)
	rec := checkerRecord("lm-x", "storage", types.StatusActive, types.AuthorityAgent)

	err := ReviewWindow()(ctx, idx, &Mutation{Record: rec, Acceptance: &AcceptanceContext{
		ProposalCreatedAt: created,
		AcceptedAt:        time.Now().UTC(),
		ReviewWindow:      time.Hour,
	}})
	if !errors.Is(err, types.ErrReviewWindowPending) {
		t.Errorf("expected ReviewWindowPending, got %v", err)
	}

	err = ReviewWindow()(ctx, idx, &Mutation{Record: rec, Acceptance: &AcceptanceContext{
		ProposalCreatedAt: created,
		AcceptedAt:        created.Add(time.Hour + time.Second),
		ReviewWindow:      time.Hour,
	}})
	if err != nil {
		t.Errorf("acceptance after the window should pass: %v", err)
	}

	// Strictly later: acceptance at exactly created+window is pending.
	err = ReviewWindow()(ctx, idx, &Mutation{Record: rec, Acceptance: &AcceptanceContext{
		ProposalCreatedAt: created,
		AcceptedAt:        created.Add(time.Hour),
		ReviewWindow:      time.Hour,
	}})
	if !errors.Is(err, types.ErrReviewWindowPending) {
		t.Errorf("acceptance at the exact boundary should be pending, got %v", err)
	}
}

func TestEvidenceThreshold(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	rec := checkerRecord("lm-x", "storage", types.StatusActive, types.AuthorityAgent)
	err := EvidenceThreshold()(ctx, idx, &Mutation{Record: rec, Acceptance: &AcceptanceContext{
		EvidenceCount: 0,
		MinEvidence:   1,
	}})
	var ie *types.InvariantError
	if !errors.As(err, &ie) || ie.Code != types.InvEvidenceCount {
		t.Errorf("expected I6 violation, got %v", err)
	}

	if err := EvidenceThreshold()(ctx, idx, &Mutation{Record: rec, Acceptance: &AcceptanceContext{
		EvidenceCount: 1,
		MinEvidence:   1,
	}}); err != nil {
		t.Errorf("threshold met should pass: %v", err)
	}
}

func TestCheckHasNoSideEffects(t *testing.T) {
	idx, cleanup := setupTestIndex(t)
	defer cleanup()
	ctx := context.Background()

	existing := checkerRecord("lm-a", "storage", types.StatusActive, types.AuthorityAgent)
	seed(t, idx, existing)

	bad := checkerRecord("lm-b", "storage", types.StatusActive, types.AuthorityAgent)
	bad.Rationale = "short"
	if err := Check(ctx, idx, &Mutation{Record: bad}); err == nil {
		t.Fatal("check should fail")
	}

	all, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("failed check must not mutate the index, have %d records", len(all))
	}
}
