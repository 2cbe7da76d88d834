// Package resolve implements recursive truth resolution over the
// supersession graph.
package resolve

import (
	"context"
	"fmt"

	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
)

// Engine walks supersession chains against the metadata index.
type Engine struct {
	idx      storage.Index
	maxDepth int
}

// New builds a resolution engine. maxDepth bounds every walk.
func New(idx storage.Index, maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = 32
	}
	return &Engine{idx: idx, maxDepth: maxDepth}
}

// Resolve returns the truth for a record id: the unique active
// descendant reached by walking supersession edges. An already-active
// record is its own truth. When every descendant is superseded or
// deprecated the deepest record reached is returned with NoActiveTruth
// set; a cycle surfaces types.ErrCycleDetected.
func (e *Engine) Resolve(ctx context.Context, id string) (*types.Resolution, error) {
	res, err := e.idx.ResolveToTruth(ctx, id, e.maxDepth)
	if err != nil {
		return nil, err
	}

	// Walk-time I3 guard, defense in depth behind write-time checks:
	// rank never decreases along a valid chain, so a truth ranked below
	// its origin means a forbidden edge got persisted.
	if res.TruthID != id {
		recs, err := e.idx.GetBatch(ctx, []string{id, res.TruthID})
		if err != nil {
			return nil, err
		}
		start, okS := recs[id]
		truth, okT := recs[res.TruthID]
		if okS && okT && truth.Authority.Rank() < start.Authority.Rank() {
			return nil, fmt.Errorf("chain from %s to %s crosses an authority wall: %w",
				id, res.TruthID, types.ErrPermissionDenied)
		}
	}
	return res, nil
}

// ResolveBatch resolves several ids, one walk each, sharing the
// surrounding index snapshot.
func (e *Engine) ResolveBatch(ctx context.Context, ids []string) (map[string]*types.Resolution, error) {
	out := make(map[string]*types.Resolution, len(ids))
	for _, id := range ids {
		res, err := e.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", id, err)
		}
		out[id] = res
	}
	return out, nil
}

// ValidateIntent compares a caller's proposed supersession set against
// the conflicts actually detected for the target.
//
//	valid          proposed is a (non-strict) subset of detected
//	abort          conflicts exist but the caller proposed nothing
//	invalid_subset proposed names records not in the detected set
func ValidateIntent(proposed, detected []string) types.IntentVerdict {
	if len(proposed) == 0 {
		if len(detected) > 0 {
			return types.IntentAbort
		}
		return types.IntentValid
	}

	detectedSet := make(map[string]bool, len(detected))
	for _, id := range detected {
		detectedSet[id] = true
	}
	for _, id := range proposed {
		if !detectedSet[id] {
			return types.IntentInvalidSubset
		}
	}
	return types.IntentValid
}
