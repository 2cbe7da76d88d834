package resolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl4m3/ledgermind/internal/storage/sqlite"
	"github.com/sl4m3/ledgermind/internal/types"
)

func setupTestEngine(t *testing.T) (*Engine, *sqlite.Index, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "ledgermind-resolve-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	idx, err := sqlite.New(context.Background(), filepath.Join(tmpDir, "meta.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create index: %v", err)
	}
	return New(idx, 32), idx, func() {
		idx.Close()
		os.RemoveAll(tmpDir)
	}
}

func engineRecord(id string, status types.Status, authority types.Authority, supersedes ...string) *types.Record {
	now := time.Now().UTC()
	return &types.Record{
		ID:         id,
		Kind:       types.KindDecision,
		Title:      "Record " + id,
		Target:     "t-" + id,
		Rationale:  "rationale long enough",
		Status:     status,
		Authority:  authority,
		Phase:      types.PhasePattern,
		Vitality:   0.1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Supersedes: supersedes,
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

func TestResolveWalksToActive(t *testing.T) {
	eng, idx, cleanup := setupTestEngine(t)
	defer cleanup()

	seed(t, idx,
		engineRecord("lm-a", types.StatusSuperseded, types.AuthorityAgent),
		engineRecord("lm-b", types.StatusActive, types.AuthorityAgent, "lm-a"),
	)

	res, err := eng.Resolve(context.Background(), "lm-a")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.TruthID != "lm-b" {
		t.Errorf("expected lm-b, got %s", res.TruthID)
	}
}

func TestResolveAuthorityWall(t *testing.T) {
	eng, idx, cleanup := setupTestEngine(t)
	defer cleanup()

	// Corrupt chain: an agent record superseding a human one. The write
	// path rejects this; the walk-time guard is defense in depth.
	seed(t, idx,
		engineRecord("lm-h", types.StatusSuperseded, types.AuthorityHuman),
		engineRecord("lm-a", types.StatusActive, types.AuthorityAgent, "lm-h"),
	)

	_, err := eng.Resolve(context.Background(), "lm-h")
	if !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied from the walk guard, got %v", err)
	}
}

func TestValidateIntent(t *testing.T) {
	cases := []struct {
		name     string
		proposed []string
		detected []string
		want     types.IntentVerdict
	}{
		{"subset ok", []string{"a"}, []string{"a", "b"}, types.IntentValid},
		{"exact ok", []string{"a", "b"}, []string{"a", "b"}, types.IntentValid},
		{"nothing to do", nil, nil, types.IntentValid},
		{"conflicts ignored", nil, []string{"a"}, types.IntentAbort},
		{"stray proposal", []string{"c"}, []string{"a"}, types.IntentInvalidSubset},
	}
	for _, tc := range cases {
		if got := ValidateIntent(tc.proposed, tc.detected); got != tc.want {
			t.Errorf("%s: ValidateIntent = %v, want %v", tc.name, got, tc.want)
		}
	}
}
