package sqlite

import (
	"context"
	"fmt"

	"github.com/sl4m3/ledgermind/internal/types"
)

// resolveQuery walks the supersession closure from a starting record in a
// single recursive query. Each row carries the path walked so far; an id
// re-entering its own path flags a cycle and stops that branch. The
// length guard bounds pathological graphs independently of the depth cap.
const resolveQuery = `
WITH RECURSIVE walk(id, depth, path, cycle) AS (
    SELECT ?, 0, '/' || ? || '/', 0
    UNION ALL
    SELECT s.new_id,
           w.depth + 1,
           w.path || s.new_id || '/',
           instr(w.path, '/' || s.new_id || '/') > 0
    FROM walk w
    JOIN supersessions s ON s.old_id = w.id
    WHERE w.cycle = 0 AND w.depth < ? AND length(w.path) < 8192
)
SELECT w.id, w.depth, w.cycle, r.status, r.updated_at
FROM walk w
JOIN records r ON r.id = w.id
`

// ResolveToTruth evaluates the transitive closure of supersession edges,
// stopping at the first active record or at maxDepth. The truth id is the
// shallowest active descendant; among equally shallow candidates the most
// recently updated wins, then the lexicographically smaller id. When no
// active descendant exists within the depth budget, the deepest record
// reached is returned with NoActiveTruth set.
func (s *Index) ResolveToTruth(ctx context.Context, id string, maxDepth int) (*types.Resolution, error) {
	if maxDepth <= 0 {
		maxDepth = 32
	}

	// Existence check first so an unknown id is NotFound, not an empty walk.
	var exists int
	if err := s.querier().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check record existence: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}

	rows, err := s.querier().QueryContext(ctx, resolveQuery, id, id, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk supersession closure: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type walkRow struct {
		id        string
		depth     int
		status    types.Status
		updatedAt int64
	}
	var (
		active  *walkRow
		deepest *walkRow
		maxSeen int
	)
	for rows.Next() {
		var w walkRow
		var cycle int
		if err := rows.Scan(&w.id, &w.depth, &cycle, &w.status, &w.updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan walk row: %w", err)
		}
		if cycle != 0 {
			return nil, fmt.Errorf("walk from %s re-entered %s: %w", id, w.id, types.ErrCycleDetected)
		}
		if w.depth > maxSeen {
			maxSeen = w.depth
		}
		if w.status == types.StatusActive {
			if active == nil || betterCandidate(w.depth, w.updatedAt, w.id, active.depth, active.updatedAt, active.id) {
				c := w
				active = &c
			}
		}
		if deepest == nil || w.depth > deepest.depth ||
			(w.depth == deepest.depth && betterCandidate(w.depth, w.updatedAt, w.id, deepest.depth, deepest.updatedAt, deepest.id)) {
			c := w
			deepest = &c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate walk rows: %w", err)
	}

	if active != nil {
		return &types.Resolution{TruthID: active.id, Depth: active.depth}, nil
	}

	// No active descendant. If the walk ran out of depth budget the chain
	// may continue beyond the horizon; report the deepest record reached.
	res := &types.Resolution{
		TruthID:       deepest.id,
		Depth:         deepest.depth,
		NoActiveTruth: true,
	}
	if maxSeen >= maxDepth {
		res.Truncated = true
	}
	return res, nil
}

// betterCandidate orders two walk rows at the same resolution step:
// shallower depth first, then later updated_at, then lower id.
func betterCandidate(depth int, updatedAt int64, id string, curDepth int, curUpdatedAt int64, curID string) bool {
	if depth != curDepth {
		return depth < curDepth
	}
	if updatedAt != curUpdatedAt {
		return updatedAt > curUpdatedAt
	}
	return id < curID
}

// Reaches reports whether from transitively reaches to along supersession
// edges (old -> new direction). A plain UNION keeps the walk terminating
// even over corrupt cyclic data.
func (s *Index) Reaches(ctx context.Context, from, to string) (bool, error) {
	var found int
	err := s.querier().QueryRowContext(ctx, `
		WITH RECURSIVE reach(id) AS (
		    SELECT ?
		    UNION
		    SELECT s.new_id FROM reach r JOIN supersessions s ON s.old_id = r.id
		)
		SELECT COUNT(*) FROM reach WHERE id = ?
	`, from, to).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to run reachability query: %w", err)
	}
	return found > 0, nil
}
