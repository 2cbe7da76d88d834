// Package lifecycle advances record phases and decays vitality.
//
// Records begin as pattern with low vitality. Promotion is monotonic
// (pattern -> emergent -> canonical), driven by evidence count and age
// since last reinforcement. Vitality decays linearly with time since the
// last evidence and is reset upward when new evidence links; records
// with any evidence never decay below the evidence floor. Superseded and
// deprecated records are excluded from transitions.
package lifecycle

import (
	"context"
	"time"

	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
)

const (
	// EvidenceFloor is the vitality minimum for evidence-linked records.
	EvidenceFloor = 0.2

	// InitialVitality is assigned at record creation.
	InitialVitality = 0.1

	// EvidenceBoost is added to vitality per newly linked evidence.
	EvidenceBoost = 0.25

	// decayPerDay is the linear vitality decay rate.
	decayPerDay = 0.02

	// Promotion thresholds: evidence count plus minimum age since the
	// record last changed, so a burst of links does not instantly mint a
	// canonical record.
	emergentEvidence  = 2
	emergentMinAge    = time.Hour
	canonicalEvidence = 5
	canonicalMinAge   = 24 * time.Hour
)

// Boost returns vitality raised for one new evidence link, clamped to 1.
func Boost(vitality float64) float64 {
	v := vitality + EvidenceBoost
	if v > 1 {
		return 1
	}
	return v
}

// decayed applies linear decay since the last reinforcement. hasEvidence
// keeps the record above the evidence floor.
func decayed(vitality float64, since time.Duration, hasEvidence bool) float64 {
	v := vitality - decayPerDay*since.Hours()/24
	floor := 0.0
	if hasEvidence {
		floor = EvidenceFloor
	}
	if v < floor {
		return floor
	}
	return v
}

// promoted returns the phase a record has earned. Never demotes.
func promoted(phase types.Phase, evidence int, age time.Duration) types.Phase {
	next := phase
	if evidence >= emergentEvidence && age >= emergentMinAge && next.Ord() < types.PhaseEmergent.Ord() {
		next = types.PhaseEmergent
	}
	if evidence >= canonicalEvidence && age >= canonicalMinAge && next.Ord() < types.PhaseCanonical.Ord() {
		next = types.PhaseCanonical
	}
	return next
}

// Tick recomputes phase and vitality for all live records and applies
// the changes as one scoped batch update. Returns rows touched.
func Tick(ctx context.Context, idx storage.Index, now time.Time) (int64, error) {
	live, err := idx.List(ctx, types.StatusActive, types.StatusProposal)
	if err != nil {
		return 0, err
	}
	if len(live) == 0 {
		return 0, nil
	}

	var updates []storage.LifecycleUpdate
	for _, rec := range live {
		hasEvidence := len(rec.Evidence) > 0
		age := now.Sub(rec.UpdatedAt)

		newVitality := decayed(rec.Vitality, age, hasEvidence)
		newPhase := promoted(rec.Phase, len(rec.Evidence), age)

		if newVitality != rec.Vitality || newPhase != rec.Phase {
			updates = append(updates, storage.LifecycleUpdate{
				ID:       rec.ID,
				Phase:    newPhase,
				Vitality: newVitality,
			})
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}
	return idx.BatchUpdate(ctx, updates)
}
