// Package storage defines the interfaces for the metadata index and the
// episodic store backends.
package storage

import (
	"context"
	"errors"

	"github.com/sl4m3/ledgermind/internal/types"
)

// ErrNoTransaction is returned when a write operation is attempted outside
// an active transaction. Writes always run inside a caller-provided
// transaction opened with Begin.
var ErrNoTransaction = errors.New("no active transaction")

// ErrDoomed is returned by Commit when a nested Rollback marked the outer
// transaction doomed.
var ErrDoomed = errors.New("transaction doomed by nested rollback")

// LifecycleUpdate is one record's phase/vitality adjustment applied by the
// lifecycle engine through BatchUpdate.
type LifecycleUpdate struct {
	ID       string
	Phase    types.Phase
	Vitality float64
	Status   types.Status // zero value leaves status untouched
}

// Index is the metadata index: the exclusive owner of mutable per-record
// metadata. It backs every invariant check with indexed lookups.
//
// Transaction semantics: Begin/Commit/Rollback are nestable. A nested
// Begin is a no-op (depth counting); a nested Rollback marks the outer
// transaction doomed, and the outermost Commit then rolls back and
// returns ErrDoomed. One writer at a time per process; readers run
// against the last committed snapshot.
type Index interface {
	// Upsert inserts or replaces a record's metadata, supersession edges,
	// and evidence links. Must run inside a caller-provided transaction.
	Upsert(ctx context.Context, rec *types.Record) error

	// Get returns one record. Wraps types.ErrNotFound when absent.
	Get(ctx context.Context, id string) (*types.Record, error)

	// GetBatch returns the records for ids in one round trip. Absent ids
	// are simply missing from the result map.
	GetBatch(ctx context.Context, ids []string) (map[string]*types.Record, error)

	// FindActiveByTarget returns the single active record for target, or
	// nil when none exists.
	FindActiveByTarget(ctx context.Context, target string) (*types.Record, error)

	// ResolveToTruth evaluates the transitive closure of supersession
	// edges in a single recursive query, stopping at the first active
	// record or at maxDepth. Cycles surface as types.ErrCycleDetected.
	ResolveToTruth(ctx context.Context, id string, maxDepth int) (*types.Resolution, error)

	// Reaches reports whether from transitively reaches to along
	// supersession edges (old -> new direction). Used for write-time DAG
	// enforcement.
	Reaches(ctx context.Context, from, to string) (bool, error)

	// CountLinks returns the number of evidence links recorded for target.
	CountLinks(ctx context.Context, target string) (int, error)

	// GetLinkedEventIDsBatch returns evidence event ids per record id.
	GetLinkedEventIDsBatch(ctx context.Context, ids []string) (map[string][]string, error)

	// AddEvidenceLink attaches an event to a record. Must run inside a
	// caller-provided transaction.
	AddEvidenceLink(ctx context.Context, recordID, eventID, target string) error

	// Delete removes a record, its edges, and its evidence links. Must
	// run inside a caller-provided transaction.
	Delete(ctx context.Context, id string) error

	// List returns records matching the given statuses (all when empty).
	List(ctx context.Context, statuses ...types.Status) ([]*types.Record, error)

	// BatchUpdate applies lifecycle updates as one scoped bulk-upsert and
	// returns the total rows touched.
	BatchUpdate(ctx context.Context, updates []LifecycleUpdate) (int64, error)

	// File-id bookkeeping for index reconciliation against the log
	// working tree.
	SetFileID(ctx context.Context, recordID, fid string) error
	GetFileMtime(ctx context.Context, fid string) (int64, bool, error)
	SetFileMtime(ctx context.Context, fid string, mtimeNS int64) error

	// Transactions.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback() error

	// Lifecycle.
	Close() error
	Path() string
}

// Episodic is the append-only store of episodic events.
type Episodic interface {
	AddEvent(ctx context.Context, ev *types.Event) error
	GetEvent(ctx context.Context, id string) (*types.Event, error)
	GetEventsBatch(ctx context.Context, ids []string) (map[string]*types.Event, error)
	LinkTarget(ctx context.Context, eventID, target string) error
	// Prune removes events beyond keep per linked target, never touching
	// ids in protected.
	Prune(ctx context.Context, keep int, protected map[string]bool) (int64, error)
	Close() error
}
