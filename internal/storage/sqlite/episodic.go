package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/types"
)

// EpisodicStore holds append-only episodic events in its own database
// file, separate from the metadata index. Readers are lock-free; writes
// are single statements and rely on SQLite's own serialization.
type EpisodicStore struct {
	db   *sql.DB
	path string
}

var _ storage.Episodic = (*EpisodicStore)(nil)

// NewEpisodic opens (or creates) the episodic store at path.
func NewEpisodic(ctx context.Context, path string) (*EpisodicStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic database: %w", err)
	}
	if _, err := db.ExecContext(ctx, episodicSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize episodic schema: %w", err)
	}
	return &EpisodicStore{db: db, path: path}, nil
}

// Close releases the database.
func (e *EpisodicStore) Close() error { return e.db.Close() }

// AddEvent appends one event. A missing id is generated; a missing
// created_at is stamped now.
func (e *EpisodicStore) AddEvent(ctx context.Context, ev *types.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	if ev.ID == "" {
		ev.ID = "ev-" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	metadata := []byte("{}")
	if len(ev.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
	}

	success := 0
	if ev.Success {
		success = 1
	}

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO events (id, prompt, response, success, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Prompt, ev.Response, success, string(metadata), toMillis(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	for _, target := range ev.LinkedTargets {
		if err := e.LinkTarget(ctx, ev.ID, target); err != nil {
			return err
		}
	}
	return nil
}

// GetEvent returns one event by id.
func (e *EpisodicStore) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	evs, err := e.GetEventsBatch(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	ev, ok := evs[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, types.ErrNotFound)
	}
	return ev, nil
}

// GetEventsBatch loads events and their linked targets in two queries.
func (e *EpisodicStore) GetEventsBatch(ctx context.Context, ids []string) (map[string]*types.Event, error) {
	result := make(map[string]*types.Event, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	// #nosec G201 - placeholder list only
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, prompt, response, success, metadata, created_at
		FROM events WHERE id IN (%s)
	`, placeholders(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ev types.Event
		var success int
		var metadata string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.Prompt, &ev.Response, &success, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Success = success != 0
		ev.CreatedAt = fromMillis(createdAt)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		result[ev.ID] = &ev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	// #nosec G201 - placeholder list only
	targetRows, err := e.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, target FROM event_targets WHERE event_id IN (%s) ORDER BY target
	`, placeholders(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event targets: %w", err)
	}
	defer func() { _ = targetRows.Close() }()
	for targetRows.Next() {
		var eventID, target string
		if err := targetRows.Scan(&eventID, &target); err != nil {
			return nil, fmt.Errorf("failed to scan event target: %w", err)
		}
		if ev, ok := result[eventID]; ok {
			ev.LinkedTargets = append(ev.LinkedTargets, target)
		}
	}
	return result, targetRows.Err()
}

// LinkTarget records that an event concerns a target. Idempotent.
func (e *EpisodicStore) LinkTarget(ctx context.Context, eventID, target string) error {
	res, err := e.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_targets (event_id, target)
		SELECT id, ? FROM events WHERE id = ?
	`, target, eventID)
	if err != nil {
		return fmt.Errorf("failed to link event target: %w", err)
	}
	// INSERT...SELECT inserts nothing when the event is absent; detect it.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		if err := e.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM events WHERE id = ?`, eventID).Scan(&exists); err == nil && exists == 0 {
			return fmt.Errorf("event %s: %w", eventID, types.ErrNotFound)
		}
	}
	return nil
}

// Prune removes events beyond keep per linked target, never touching
// protected ids (evidence-linked events survive retention).
func (e *EpisodicStore) Prune(ctx context.Context, keep int, protected map[string]bool) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT et.event_id
		FROM event_targets et
		JOIN events ev ON ev.id = et.event_id
		WHERE et.event_id NOT IN (
		    SELECT et2.event_id
		    FROM event_targets et2
		    JOIN events ev2 ON ev2.id = et2.event_id
		    WHERE et2.target = et.target
		    ORDER BY ev2.created_at DESC, ev2.id
		    LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to find prunable events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to scan prunable event: %w", err)
		}
		if !protected[id] {
			victims = append(victims, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate prunable events: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	args := make([]any, len(victims))
	for i, id := range victims {
		args[i] = id
	}
	// #nosec G201 - placeholder list only
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM events WHERE id IN (%s)`, placeholders(len(victims))), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
