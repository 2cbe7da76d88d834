package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/sl4m3/ledgermind/internal/auditlog"
	"github.com/sl4m3/ledgermind/internal/targets"
	"github.com/sl4m3/ledgermind/internal/types"
)

// VerifyReport summarizes a reconcile-and-revalidate pass.
type VerifyReport struct {
	Sync     *auditlog.SyncStats
	Problems []string
}

// Clean reports whether every invariant held.
func (r *VerifyReport) Clean() bool { return len(r.Problems) == 0 }

// Verify reconciles the index against the log, then re-validates the
// structural invariants over the full index: one active record per
// target, normalized targets, rationale minimums, acyclic and
// authority-respecting supersession chains.
func (s *Store) Verify(ctx context.Context) (*VerifyReport, error) {
	var report *VerifyReport
	err := s.txn.Exclusive(func() error {
		// The advisory lock keeps other processes out; Exclusive keeps
		// in-process writers out (flock is reentrant within a process).
		if err := s.log.Lock(); err != nil {
			return err
		}
		defer func() { _ = s.log.Unlock() }()

		stats, err := auditlog.SyncIndex(ctx, s.log, s.idx)
		if err != nil {
			return err
		}
		report = &VerifyReport{Sync: stats}
		return nil
	})
	if err != nil {
		return nil, err
	}

	all, err := s.idx.List(ctx)
	if err != nil {
		return nil, err
	}

	// Re-embed records whose vector went missing (e.g. a crash between
	// log publish and vector save). The index and log are already
	// consistent at this point; the vector entry is derived state.
	repaired := false
	for _, rec := range all {
		if s.vec.Has(rec.ID) {
			continue
		}
		embed, err := s.opts.Provider.Embed(ctx, embedText(rec))
		if err != nil {
			return nil, fmt.Errorf("failed to re-embed %s: %w", rec.ID, err)
		}
		s.vec.Add(rec.ID, embed)
		repaired = true
	}
	if repaired {
		if err := s.vec.Save(); err != nil {
			return nil, err
		}
	}

	activeByTarget := make(map[string]string)
	byID := make(map[string]*types.Record, len(all))
	for _, rec := range all {
		byID[rec.ID] = rec

		if rec.Status == types.StatusActive {
			if other, dup := activeByTarget[rec.Target]; dup {
				report.Problems = append(report.Problems,
					fmt.Sprintf("I1: target %s has active records %s and %s", rec.Target, other, rec.ID))
			}
			activeByTarget[rec.Target] = rec.ID
		}

		if norm := targets.Normalize(rec.Target); norm != rec.Target {
			report.Problems = append(report.Problems,
				fmt.Sprintf("I7: record %s target %q is not normalized", rec.ID, rec.Target))
		}

		min := types.MinRationaleLen
		if len(rec.Supersedes) > 0 {
			min = types.MinSupersedeRationaleLen
		}
		if len(rec.Rationale) < min {
			report.Problems = append(report.Problems,
				fmt.Sprintf("I2: record %s rationale below %d chars", rec.ID, min))
		}
	}

	for _, rec := range all {
		for _, oldID := range rec.Supersedes {
			old, ok := byID[oldID]
			if !ok {
				continue // edge into a purged record
			}
			if rec.Authority.Rank() < old.Authority.Rank() {
				report.Problems = append(report.Problems,
					fmt.Sprintf("I3: edge %s (%s) -> %s (%s)", rec.ID, rec.Authority, oldID, old.Authority))
			}
		}

		if _, err := s.idx.ResolveToTruth(ctx, rec.ID, s.opts.MaxResolutionDepth); err != nil {
			if errors.Is(err, types.ErrCycleDetected) {
				report.Problems = append(report.Problems,
					fmt.Sprintf("I4: cycle reachable from %s", rec.ID))
				continue
			}
			return nil, err
		}
	}

	return report, nil
}
