package auditlog

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
)

// SyncStats summarizes one index reconciliation pass.
type SyncStats struct {
	Inserted int
	Updated  int
	Removed  int
	Skipped  int
}

// SyncIndex reconciles the metadata index against the log working tree:
// inserts missing entries, refreshes changed ones, and removes index rows
// whose body file is gone. Unchanged files are skipped via the per-file
// mtime cache. Runs inside one batch transaction.
func SyncIndex(ctx context.Context, l *Log, idx storage.Index) (*SyncStats, error) {
	files, err := l.TreeFiles()
	if err != nil {
		return nil, err
	}

	if err := idx.Begin(ctx); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = idx.Rollback()
		}
	}()

	stats := &SyncStats{}
	seen := make(map[string]bool, len(files))

	// Decode everything first, then apply non-active rows before active
	// ones: a stale active row must flip before its replacement lands
	// under the one-active index.
	type pending struct {
		fid   string
		mtime int64
		rec   *types.Record
	}
	var changed []pending
	for fid, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat body file %s: %w", fid, err)
		}
		mtime := info.ModTime().UnixNano()

		cached, ok, err := idx.GetFileMtime(ctx, fid)
		if err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path) // #nosec G304 - path from controlled tree listing
		if err != nil {
			return nil, fmt.Errorf("failed to read body file %s: %w", fid, err)
		}
		rec, err := DecodeBody(data)
		if err != nil {
			return nil, fmt.Errorf("body file %s: %w", fid, err)
		}
		seen[rec.ID] = true

		if ok && cached == mtime {
			stats.Skipped++
			continue
		}
		changed = append(changed, pending{fid: fid, mtime: mtime, rec: rec})
	}

	sort.SliceStable(changed, func(i, j int) bool {
		return (changed[i].rec.Status != types.StatusActive) && (changed[j].rec.Status == types.StatusActive)
	})

	for _, p := range changed {
		_, getErr := idx.Get(ctx, p.rec.ID)
		if err := idx.Upsert(ctx, p.rec); err != nil {
			return nil, fmt.Errorf("failed to upsert %s from log: %w", p.rec.ID, err)
		}
		if err := idx.SetFileID(ctx, p.rec.ID, p.fid); err != nil {
			return nil, err
		}
		if err := idx.SetFileMtime(ctx, p.fid, p.mtime); err != nil {
			return nil, err
		}
		if getErr != nil {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	// Remove orphans: index rows whose body file no longer exists.
	all, err := idx.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if !seen[rec.ID] {
			if err := idx.Delete(ctx, rec.ID); err != nil {
				return nil, fmt.Errorf("failed to remove orphaned index row %s: %w", rec.ID, err)
			}
			stats.Removed++
		}
	}

	if err := idx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return stats, nil
}

// Rebuild replays the full chain into an empty index. Used when the
// index file is lost or corrupt; the log is authoritative.
func Rebuild(ctx context.Context, l *Log, idx storage.Index) error {
	latest := make(map[string]*types.Record)
	err := l.Replay("", func(c Commit, body []byte) error {
		if c.Op == OpPurge {
			delete(latest, c.RecordID)
			return nil
		}
		rec, err := DecodeBody(body)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.Ref, err)
		}
		latest[rec.ID] = rec
		return nil
	})
	if err != nil {
		return err
	}

	if err := idx.Begin(ctx); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = idx.Rollback()
		}
	}()

	for _, rec := range latest {
		if err := idx.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("failed to upsert %s during rebuild: %w", rec.ID, err)
		}
		if err := idx.SetFileID(ctx, rec.ID, FileID(rec.ID)); err != nil {
			return err
		}
	}

	if err := idx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}
