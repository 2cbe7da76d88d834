package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
)

const recordColumns = `id, kind, title, target, rationale, consequences,
	status, authority, phase, vitality, content_hash, fid, created_at, updated_at`

// Upsert inserts or replaces a record's metadata row, its supersession
// edges, and its evidence links. Runs inside the caller's transaction.
// Re-applying the same record leaves the index unchanged.
func (s *Index) Upsert(ctx context.Context, rec *types.Record) error {
	conn, err := s.writeConn()
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	consequences, err := json.Marshal(rec.Consequences)
	if err != nil {
		return fmt.Errorf("failed to encode consequences: %w", err)
	}
	if rec.Consequences == nil {
		consequences = []byte("[]")
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO records (
			id, kind, title, target, rationale, consequences,
			status, authority, phase, vitality, content_hash, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			target = excluded.target,
			rationale = excluded.rationale,
			consequences = excluded.consequences,
			status = excluded.status,
			authority = excluded.authority,
			phase = excluded.phase,
			vitality = excluded.vitality,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.Kind, rec.Title, rec.Target, rec.Rationale, string(consequences),
		rec.Status, rec.Authority, rec.Phase, rec.Vitality, rec.ComputeContentHash(),
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}

	// Supersession edges are owned by the new record: replace wholesale.
	if _, err := conn.ExecContext(ctx, `DELETE FROM supersessions WHERE new_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to clear supersession edges: %w", err)
	}
	for _, oldID := range rec.Supersedes {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO supersessions (new_id, old_id, created_at) VALUES (?, ?, ?)
		`, rec.ID, oldID, toMillis(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert supersession edge %s -> %s: %w", rec.ID, oldID, err)
		}
	}

	for _, eventID := range rec.Evidence {
		_, err := conn.ExecContext(ctx, `
			INSERT OR IGNORE INTO evidence_links (record_id, event_id, target, linked_at)
			VALUES (?, ?, ?, ?)
		`, rec.ID, eventID, rec.Target, toMillis(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert evidence link: %w", err)
		}
	}

	return nil
}

// Get returns a single record by id.
func (s *Index) Get(ctx context.Context, id string) (*types.Record, error) {
	recs, err := s.GetBatch(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	rec, ok := recs[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	return rec, nil
}

// GetBatch loads records, their supersession sets, and their evidence ids
// in three queries total, regardless of batch size.
func (s *Index) GetBatch(ctx context.Context, ids []string) (map[string]*types.Record, error) {
	result := make(map[string]*types.Record, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	q := s.querier()
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	// #nosec G201 - placeholder list only
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM records WHERE id IN (%s)`, recordColumns, placeholders(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	if len(result) == 0 {
		return result, nil
	}

	// #nosec G201 - placeholder list only
	edgeRows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT new_id, old_id FROM supersessions WHERE new_id IN (%s) ORDER BY old_id`,
		placeholders(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query supersession edges: %w", err)
	}
	defer func() { _ = edgeRows.Close() }()
	for edgeRows.Next() {
		var newID, oldID string
		if err := edgeRows.Scan(&newID, &oldID); err != nil {
			return nil, fmt.Errorf("failed to scan supersession edge: %w", err)
		}
		if rec, ok := result[newID]; ok {
			rec.Supersedes = append(rec.Supersedes, oldID)
		}
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate supersession edges: %w", err)
	}

	evidence, err := s.GetLinkedEventIDsBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, eventIDs := range evidence {
		if rec, ok := result[id]; ok {
			rec.Evidence = eventIDs
		}
	}

	return result, nil
}

// FindActiveByTarget returns the single active record for a target, or
// nil when there is none. Backed by idx_records_target_status.
func (s *Index) FindActiveByTarget(ctx context.Context, target string) (*types.Record, error) {
	var id string
	err := s.querier().QueryRowContext(ctx, `
		SELECT id FROM records WHERE target = ? AND status = 'active'
	`, target).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active record for target %s: %w", target, err)
	}
	return s.Get(ctx, id)
}

// CountLinks returns the number of evidence links recorded for a target.
func (s *Index) CountLinks(ctx context.Context, target string) (int, error) {
	var n int
	err := s.querier().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evidence_links WHERE target = ?
	`, target).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count links for target %s: %w", target, err)
	}
	return n, nil
}

// GetLinkedEventIDsBatch returns evidence event ids per record id in one
// query.
func (s *Index) GetLinkedEventIDsBatch(ctx context.Context, ids []string) (map[string][]string, error) {
	result := make(map[string][]string)
	if len(ids) == 0 {
		return result, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	// #nosec G201 - placeholder list only
	rows, err := s.querier().QueryContext(ctx, fmt.Sprintf(`
		SELECT record_id, event_id FROM evidence_links
		WHERE record_id IN (%s)
		ORDER BY linked_at, event_id
	`, placeholders(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var recordID, eventID string
		if err := rows.Scan(&recordID, &eventID); err != nil {
			return nil, fmt.Errorf("failed to scan evidence link: %w", err)
		}
		result[recordID] = append(result[recordID], eventID)
	}
	return result, rows.Err()
}

// AddEvidenceLink attaches an event to a record inside the caller's
// transaction and bumps the record's updated_at.
func (s *Index) AddEvidenceLink(ctx context.Context, recordID, eventID, target string) error {
	conn, err := s.writeConn()
	if err != nil {
		return err
	}

	now := toMillis(time.Now())
	res, err := conn.ExecContext(ctx, `
		UPDATE records SET updated_at = ? WHERE id = ?
	`, now, recordID)
	if err != nil {
		return fmt.Errorf("failed to touch record %s: %w", recordID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("record %s: %w", recordID, types.ErrNotFound)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO evidence_links (record_id, event_id, target, linked_at)
		VALUES (?, ?, ?, ?)
	`, recordID, eventID, target, now)
	if err != nil {
		return fmt.Errorf("failed to link evidence: %w", err)
	}
	return nil
}

// Delete removes a record, its edges, and its links inside the caller's
// transaction. Inbound edges from other records are removed as well: a
// purged record must not linger as a phantom walk destination.
func (s *Index) Delete(ctx context.Context, id string) error {
	conn, err := s.writeConn()
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, `DELETE FROM supersessions WHERE old_id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove inbound edges for %s: %w", id, err)
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("record %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// List returns records matching the given statuses, all records when none
// are given. Ordered by created_at for deterministic iteration.
func (s *Index) List(ctx context.Context, statuses ...types.Status) ([]*types.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM records`, recordColumns)
	var args []any
	if len(statuses) > 0 {
		query += fmt.Sprintf(` WHERE status IN (%s)`, placeholders(len(statuses)))
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.querier().QueryContext(ctx, query, args...) // #nosec G201 - placeholder list only
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Record
	var ids []string
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	// Attach edges and evidence through the batched lookups.
	if len(out) > 0 {
		full, err := s.GetBatch(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i, rec := range out {
			if f, ok := full[rec.ID]; ok {
				out[i] = f
			}
		}
	}
	return out, nil
}

// BatchUpdate applies lifecycle updates as one scoped bulk-upsert and
// returns the total rows touched.
func (s *Index) BatchUpdate(ctx context.Context, updates []storage.LifecycleUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	if err := s.Begin(ctx); err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = s.Rollback()
		}
	}()

	conn, err := s.writeConn()
	if err != nil {
		return 0, err
	}
	stmt, err := conn.PrepareContext(ctx, `
		UPDATE records
		SET phase = ?, vitality = ?, status = COALESCE(NULLIF(?, ''), status), updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare lifecycle update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := toMillis(time.Now())
	var touched int64
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.Phase, u.Vitality, string(u.Status), now, u.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to apply lifecycle update for %s: %w", u.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		touched += n
	}

	if err := s.Commit(ctx); err != nil {
		return 0, err
	}
	committed = true
	return touched, nil
}

// SetFileID associates a record with its body file in the log working
// tree.
func (s *Index) SetFileID(ctx context.Context, recordID, fid string) error {
	conn, err := s.writeConn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `UPDATE records SET fid = ? WHERE id = ?`, fid, recordID)
	if err != nil {
		return fmt.Errorf("failed to set fid for %s: %w", recordID, err)
	}
	return nil
}

// GetFileMtime returns the cached mtime for a body file.
func (s *Index) GetFileMtime(ctx context.Context, fid string) (int64, bool, error) {
	var mtime int64
	err := s.querier().QueryRowContext(ctx, `
		SELECT mtime_ns FROM file_mtimes WHERE fid = ?
	`, fid).Scan(&mtime)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get file mtime: %w", err)
	}
	return mtime, true, nil
}

// SetFileMtime caches the mtime for a body file.
func (s *Index) SetFileMtime(ctx context.Context, fid string, mtimeNS int64) error {
	conn, err := s.writeConn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO file_mtimes (fid, mtime_ns, last_checked)
		VALUES (?, ?, ?)
		ON CONFLICT(fid) DO UPDATE SET mtime_ns = excluded.mtime_ns, last_checked = excluded.last_checked
	`, fid, mtimeNS, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set file mtime: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Rows and *sql.Row.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one records row in recordColumns order.
func scanRecord(sc scanner) (*types.Record, error) {
	var rec types.Record
	var consequences string
	var contentHash, fid sql.NullString
	var createdAt, updatedAt int64

	err := sc.Scan(
		&rec.ID, &rec.Kind, &rec.Title, &rec.Target, &rec.Rationale, &consequences,
		&rec.Status, &rec.Authority, &rec.Phase, &rec.Vitality,
		&contentHash, &fid, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	if consequences != "" && consequences != "[]" {
		if err := json.Unmarshal([]byte(consequences), &rec.Consequences); err != nil {
			return nil, fmt.Errorf("failed to decode consequences: %w", err)
		}
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}
