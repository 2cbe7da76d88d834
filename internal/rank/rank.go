// Package rank blends raw vector similarity with lifecycle, authority,
// and status adjustments into the final search order.
package rank

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sl4m3/ledgermind/internal/resolve"
	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
)

// Score adjustments. Active truth dominates; superseded and deprecated
// records sink unless the caller asked for an audit view.
var statusBonus = map[types.Status]float64{
	types.StatusActive:     1.0,
	types.StatusSuperseded: -0.5,
	types.StatusDeprecated: -0.8,
	types.StatusProposal:   -0.2,
}

var authorityBonus = map[types.Authority]float64{
	types.AuthorityHuman: 0.3,
	types.AuthorityAdmin: 0.15,
	types.AuthorityAgent: 0,
}

var phaseBonus = map[types.Phase]float64{
	types.PhaseCanonical: 0.2,
	types.PhaseEmergent:  0.05,
	types.PhasePattern:   0,
}

const (
	vitalityWeight = 0.1
	agePenaltyCap  = 0.3
	// agePenaltySlope scales the log decay: ~0.07 at one week,
	// ~0.16 at three months, ~0.23 at two years; it reaches
	// agePenaltyCap after about fourteen years.
	agePenaltySlope = 0.035
)

// Candidate pairs a record with its raw similarity in [-1, 1].
type Candidate struct {
	Record     *types.Record
	Similarity float64
}

// Ranked is a scored candidate.
type Ranked struct {
	Record *types.Record
	Score  float64
	// TruthID is filled by the truth-resolution pass when it differs
	// from the record's own id.
	TruthID string
}

// ScoreOf computes the blended score for one candidate at time now.
func ScoreOf(c Candidate, now time.Time) float64 {
	r := c.Record
	return c.Similarity +
		statusBonus[r.Status] +
		authorityBonus[r.Authority] +
		phaseBonus[r.Phase] +
		r.Vitality*vitalityWeight -
		agePenalty(r.UpdatedAt, now)
}

// agePenalty decays logarithmically with days since last update, capped.
func agePenalty(updatedAt, now time.Time) float64 {
	days := now.Sub(updatedAt).Hours() / 24
	if days <= 0 {
		return 0
	}
	p := agePenaltySlope * math.Log1p(days)
	if p > agePenaltyCap {
		p = agePenaltyCap
	}
	return p
}

// Rank filters candidates by mode, scores them, orders them with
// deterministic tie-breaks, and dedupes by target in balanced mode.
// Ties break on higher updated_at, then lexicographically lower id.
func Rank(candidates []Candidate, mode types.SearchMode, now time.Time) []Ranked {
	var kept []Candidate
	for _, c := range candidates {
		if mode == types.ModeStrict && c.Record.Status != types.StatusActive {
			continue
		}
		kept = append(kept, c)
	}

	ranked := make([]Ranked, 0, len(kept))
	for _, c := range kept {
		ranked = append(ranked, Ranked{Record: c.Record, Score: ScoreOf(c, now)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		return a.Record.ID < b.Record.ID
	})

	if mode == types.ModeBalanced {
		seen := make(map[string]bool)
		deduped := ranked[:0]
		for _, r := range ranked {
			if seen[r.Record.Target] {
				continue
			}
			seen[r.Record.Target] = true
			deduped = append(deduped, r)
		}
		ranked = deduped
	}

	return ranked
}

// ResolveTruths replaces each surviving candidate with its resolved
// truth (balanced and strict modes), dropping duplicates by resolved id.
// Lookups are batched through GetBatch; order is preserved.
func ResolveTruths(ctx context.Context, idx storage.Index, eng *resolve.Engine, ranked []Ranked, mode types.SearchMode) ([]Ranked, error) {
	if mode == types.ModeAudit || len(ranked) == 0 {
		return ranked, nil
	}

	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.Record.ID)
	}
	resolutions, err := eng.ResolveBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	truthIDs := make([]string, 0, len(ranked))
	for _, r := range ranked {
		if res := resolutions[r.Record.ID]; res != nil && res.TruthID != r.Record.ID {
			truthIDs = append(truthIDs, res.TruthID)
		}
	}
	truths, err := idx.GetBatch(ctx, truthIDs)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ranked))
	out := make([]Ranked, 0, len(ranked))
	for _, r := range ranked {
		res := resolutions[r.Record.ID]
		final := r
		if res != nil && res.TruthID != r.Record.ID {
			truth, ok := truths[res.TruthID]
			if !ok {
				continue // truth purged between walk and fetch
			}
			final = Ranked{Record: truth, Score: r.Score, TruthID: res.TruthID}
		}
		if seen[final.Record.ID] {
			continue
		}
		seen[final.Record.ID] = true
		out = append(out, final)
	}
	return out, nil
}
