// Package integrity validates candidate writes against the store
// invariants (I1-I7) before anything is committed.
//
// Checks are composable validator funcs over the current index state and
// the proposed mutation. The checker is pure relative to index reads: it
// never mutates state, so a failed check has no side effects.
package integrity

import (
	"context"
	"time"

	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/targets"
	"github.com/sl4m3/ledgermind/internal/types"
)

// Mutation is a candidate write presented to the checker.
type Mutation struct {
	Record *types.Record
	// Supersede marks writes that add supersession edges; they carry the
	// longer rationale minimum.
	Supersede bool
	// OldRecords are the records named in Record.Supersedes, preloaded
	// by the caller via GetBatch.
	OldRecords map[string]*types.Record
	// Acceptance carries proposal-acceptance context, nil otherwise.
	Acceptance *AcceptanceContext
}

// AcceptanceContext is the extra state checked by I5/I6 when a proposal
// is accepted.
type AcceptanceContext struct {
	ProposalCreatedAt time.Time
	AcceptedAt        time.Time
	ReviewWindow      time.Duration
	EvidenceCount     int
	MinEvidence       int
}

// Validator checks one invariant of a mutation.
type Validator func(ctx context.Context, idx storage.Index, m *Mutation) error

// Chain composes validators; the first failure stops the chain.
func Chain(validators ...Validator) Validator {
	return func(ctx context.Context, idx storage.Index, m *Mutation) error {
		for _, v := range validators {
			if err := v(ctx, idx, m); err != nil {
				return err
			}
		}
		return nil
	}
}

// Check runs the full invariant suite appropriate to the mutation.
func Check(ctx context.Context, idx storage.Index, m *Mutation) error {
	return Chain(
		RationaleLength(),
		TargetNormalized(),
		SingleActive(),
		AuthorityIsolation(),
		AcyclicEdges(),
		ReviewWindow(),
		EvidenceThreshold(),
	)(ctx, idx, m)
}

// RationaleLength enforces I2: >= 10 chars for a record, >= 15 when
// superseding.
func RationaleLength() Validator {
	return func(_ context.Context, _ storage.Index, m *Mutation) error {
		min := types.MinRationaleLen
		if m.Supersede {
			min = types.MinSupersedeRationaleLen
		}
		if len(m.Record.Rationale) < min {
			return types.Invariant(types.InvRationaleLength,
				"rationale %d chars, need >= %d", len(m.Record.Rationale), min)
		}
		return nil
	}
}

// TargetNormalized enforces I7: the stored target equals its own
// normalization.
func TargetNormalized() Validator {
	return func(_ context.Context, _ storage.Index, m *Mutation) error {
		if norm := targets.Normalize(m.Record.Target); norm != m.Record.Target {
			return types.Invariant(types.InvTargetNormalized,
				"target %q is not normalized (want %q)", m.Record.Target, norm)
		}
		return nil
	}
}

// SingleActive enforces I1: at most one active record per target. An
// existing active record is tolerated only when this mutation supersedes
// it; otherwise the caller gets a conflict and must supersede explicitly.
func SingleActive() Validator {
	return func(ctx context.Context, idx storage.Index, m *Mutation) error {
		if m.Record.Status != types.StatusActive {
			return nil
		}
		existing, err := idx.FindActiveByTarget(ctx, m.Record.Target)
		if err != nil {
			return err
		}
		if existing == nil || existing.ID == m.Record.ID {
			return nil
		}
		for _, oldID := range m.Record.Supersedes {
			if oldID == existing.ID {
				return nil
			}
		}
		return types.ErrConflict
	}
}

// AuthorityIsolation enforces I3 on every proposed edge: the new
// record's authority must rank at least as high as each old record's.
func AuthorityIsolation() Validator {
	return func(_ context.Context, _ storage.Index, m *Mutation) error {
		for _, oldID := range m.Record.Supersedes {
			old, ok := m.OldRecords[oldID]
			if !ok {
				continue // existence is checked by the caller
			}
			if m.Record.Authority.Rank() < old.Authority.Rank() {
				return types.Invariant(types.InvAuthorityIsol,
					"%s (%s) may not supersede %s (%s)",
					m.Record.ID, m.Record.Authority, old.ID, old.Authority)
			}
		}
		return nil
	}
}

// AcyclicEdges enforces I4 at write time: an edge new -> old is rejected
// when old already transitively reaches new, which is exactly the edge
// that would close a cycle.
func AcyclicEdges() Validator {
	return func(ctx context.Context, idx storage.Index, m *Mutation) error {
		for _, oldID := range m.Record.Supersedes {
			if oldID == m.Record.ID {
				return types.Invariant(types.InvDAG, "record %s may not supersede itself", m.Record.ID)
			}
			reaches, err := idx.Reaches(ctx, m.Record.ID, oldID)
			if err != nil {
				return err
			}
			if reaches {
				return types.Invariant(types.InvDAG,
					"edge %s -> %s would close a supersession cycle", m.Record.ID, oldID)
			}
		}
		return nil
	}
}

// ReviewWindow enforces I5: acceptance strictly after
// created_at + review window.
func ReviewWindow() Validator {
	return func(_ context.Context, _ storage.Index, m *Mutation) error {
		a := m.Acceptance
		if a == nil {
			return nil
		}
		earliest := a.ProposalCreatedAt.Add(a.ReviewWindow)
		if !a.AcceptedAt.After(earliest) {
			return types.Invariant(types.InvReviewWindow,
				"proposal may not be accepted before %s", earliest.UTC().Format(time.RFC3339))
		}
		return nil
	}
}

// EvidenceThreshold enforces I6: acceptance requires enough linked
// events.
func EvidenceThreshold() Validator {
	return func(_ context.Context, _ storage.Index, m *Mutation) error {
		a := m.Acceptance
		if a == nil {
			return nil
		}
		if a.EvidenceCount < a.MinEvidence {
			return types.Invariant(types.InvEvidenceCount,
				"acceptance requires >= %d linked events, have %d", a.MinEvidence, a.EvidenceCount)
		}
		return nil
	}
}
