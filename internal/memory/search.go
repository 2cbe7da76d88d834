package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/sl4m3/ledgermind/internal/audit"
	"github.com/sl4m3/ledgermind/internal/rank"
	"github.com/sl4m3/ledgermind/internal/types"
)

// SearchDecisions embeds the query, gathers vector candidates, applies
// the mode filter and relevance threshold, ranks, and finishes with the
// truth-resolution pass.
func (s *Store) SearchDecisions(ctx context.Context, query string, limit int, mode types.SearchMode) ([]types.SearchResult, error) {
	results, err := s.search(ctx, query, limit, mode)
	s.audit(&audit.Entry{
		Op: "search", Error: errString(err),
		Extra: map[string]any{"query": query, "mode": string(mode), "hits": len(results)},
	})
	return results, err
}

func (s *Store) search(ctx context.Context, query string, limit int, mode types.SearchMode) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	switch mode {
	case types.ModeStrict, types.ModeBalanced, types.ModeAudit:
	case "":
		mode = types.ModeBalanced
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}

	qvec, err := s.opts.Provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Overfetch: mode filters, the threshold, and dedup all shrink the
	// candidate set after the vector pass.
	matches := s.vec.Search(qvec, limit*4)
	if len(matches) == 0 {
		return nil, nil
	}

	similarity := make(map[string]float64, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Score < s.opts.RelevanceThreshold {
			continue
		}
		similarity[m.ID] = m.Score
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	recs, err := s.idx.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]rank.Candidate, 0, len(recs))
	for _, id := range ids {
		rec, ok := recs[id]
		if !ok {
			continue // tombstoned vector lagging a purge
		}
		candidates = append(candidates, rank.Candidate{Record: rec, Similarity: similarity[id]})
	}

	ranked := rank.Rank(candidates, mode, time.Now().UTC())
	ranked, err = rank.ResolveTruths(ctx, s.idx, s.eng, ranked, mode)
	if err != nil {
		return nil, err
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	results := make([]types.SearchResult, 0, len(ranked))
	for _, r := range ranked {
		sr := types.SearchResult{
			ID:        r.Record.ID,
			Title:     r.Record.Title,
			Target:    r.Record.Target,
			Status:    r.Record.Status,
			Rationale: r.Record.Rationale,
			Score:     r.Score,
			TruthID:   r.TruthID,
		}
		if r.Record.Status == types.StatusSuperseded {
			if res, err := s.eng.Resolve(ctx, r.Record.ID); err == nil && res.TruthID != r.Record.ID {
				sr.SupersededBy = res.TruthID
			}
		}
		results = append(results, sr)
	}
	return results, nil
}
