// Package memory is the public facade over the semantic store: it wires
// the metadata index, audit log, vector index, transaction manager, and
// engines into the record/supersede/search API.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sl4m3/ledgermind/internal/audit"
	"github.com/sl4m3/ledgermind/internal/auditlog"
	"github.com/sl4m3/ledgermind/internal/resolve"
	"github.com/sl4m3/ledgermind/internal/storage"
	"github.com/sl4m3/ledgermind/internal/storage/sqlite"
	"github.com/sl4m3/ledgermind/internal/targets"
	"github.com/sl4m3/ledgermind/internal/txn"
	"github.com/sl4m3/ledgermind/internal/types"
	"github.com/sl4m3/ledgermind/internal/vector"
)

// On-disk layout under Options.StoragePath.
const (
	MetaDBFile     = "semantic_meta.db"
	EpisodicDBFile = "episodic.db"
	VectorDirName  = "vector_index"
)

// Options configures a store. Zero values take the documented defaults.
type Options struct {
	// StoragePath roots the on-disk layout. Required.
	StoragePath string

	// Provider supplies embeddings. Required; use vector.NewMockProvider
	// for offline operation.
	Provider vector.Provider

	// ReviewWindow is the minimum interval between a proposal's creation
	// and its acceptance. Default 1h.
	ReviewWindow time.Duration

	// MinEvidence is the number of linked events acceptance requires.
	// Default 1.
	MinEvidence int

	// MaxResolutionDepth bounds supersession walks. Default 32.
	MaxResolutionDepth int

	// RelevanceThreshold filters raw similarity before ranking.
	// Default 0.7; set negative to disable.
	RelevanceThreshold float64

	// RetentionTurns is the episodic context window per target.
	// Default 10.
	RetentionTurns int

	// Cooldown is the minimum spacing between consecutive writes from
	// the same authority. Default 2s; DisableCooldown turns it off.
	Cooldown        time.Duration
	DisableCooldown bool

	// ANNTailFraction triggers vector compaction when the unindexed
	// tail exceeds this share of the total. Default 0.05.
	ANNTailFraction float64

	// WatchTree feeds external working-tree changes into change
	// notifications via fsnotify.
	WatchTree bool
}

func (o *Options) withDefaults() (Options, error) {
	out := *o
	if out.StoragePath == "" {
		return out, fmt.Errorf("storage path is required")
	}
	if out.Provider == nil {
		return out, fmt.Errorf("embedding provider is required")
	}
	if out.ReviewWindow == 0 {
		out.ReviewWindow = time.Hour
	}
	if out.MinEvidence == 0 {
		out.MinEvidence = 1
	}
	if out.MaxResolutionDepth == 0 {
		out.MaxResolutionDepth = 32
	}
	if out.RelevanceThreshold == 0 {
		out.RelevanceThreshold = 0.7
	}
	if out.RetentionTurns == 0 {
		out.RetentionTurns = 10
	}
	if out.Cooldown == 0 {
		out.Cooldown = 2 * time.Second
	}
	if out.ANNTailFraction == 0 {
		out.ANNTailFraction = 0.05
	}
	return out, nil
}

// Store is the assembled semantic store.
type Store struct {
	opts Options

	idx   *sqlite.Index
	epi   *sqlite.EpisodicStore
	log   *auditlog.Log
	vec   *vector.Index
	txn   *txn.Manager
	eng   *resolve.Engine
	reg   *targets.Registry
	trail *audit.Trail

	emitter *Emitter
	watcher *treeWatcher

	// lastWrite tracks the per-authority write cooldown.
	cooldownMu sync.Mutex
	lastWrite  map[types.Authority]time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open assembles the store at opts.StoragePath, running crash recovery
// before anything else touches the data.
func Open(ctx context.Context, opts Options) (*Store, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.StoragePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage path: %w", err)
	}

	log, err := auditlog.Open(filepath.Join(o.StoragePath, auditlog.DirName))
	if err != nil {
		return nil, err
	}
	idx, err := sqlite.New(ctx, filepath.Join(o.StoragePath, MetaDBFile))
	if err != nil {
		return nil, err
	}
	epi, err := sqlite.NewEpisodic(ctx, filepath.Join(o.StoragePath, EpisodicDBFile))
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	vec := vector.NewIndex(filepath.Join(o.StoragePath, VectorDirName), o.Provider.Dim())
	vec.TailFraction = o.ANNTailFraction
	_ = vec.Load() // degrades to brute force internally, never fails

	mgr, err := txn.New(log, idx, vec, filepath.Join(o.StoragePath, txn.WALDirName))
	if err != nil {
		_ = idx.Close()
		_ = epi.Close()
		return nil, err
	}

	// Crash recovery: complete or roll back any half-applied commit
	// before serving reads or writes.
	if err := mgr.Recover(ctx); err != nil {
		_ = idx.Close()
		_ = epi.Close()
		return nil, err
	}

	// A lost or fresh index next to an existing log gets rebuilt from
	// the working tree: the log is the source of truth.
	if log.Head() != "" {
		if rows, err := idx.List(ctx); err == nil && len(rows) == 0 {
			if _, err := auditlog.SyncIndex(ctx, log, idx); err != nil {
				_ = idx.Close()
				_ = epi.Close()
				return nil, err
			}
		}
	}

	reg, err := targets.Load(o.StoragePath)
	if err != nil {
		_ = idx.Close()
		_ = epi.Close()
		return nil, err
	}

	s := &Store{
		opts:      o,
		idx:       idx,
		epi:       epi,
		log:       log,
		vec:       vec,
		txn:       mgr,
		eng:       resolve.New(idx, o.MaxResolutionDepth),
		reg:       reg,
		trail:     audit.Open(o.StoragePath),
		emitter:   NewEmitter(),
		lastWrite: make(map[types.Authority]time.Time),
	}

	if o.WatchTree {
		w, err := newTreeWatcher(log.Dir(), s.emitter)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.watcher = w
	}
	return s, nil
}

// Close shuts the store down: watcher first, then subscriptions, then
// the stores, persisting the target registry on the way out.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			_ = s.watcher.close()
		}
		s.emitter.Close()

		var firstErr error
		keep := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		keep(s.reg.Close())
		keep(s.vec.Save())
		keep(s.idx.Close())
		keep(s.epi.Close())
		keep(s.trail.Close())
		s.closeErr = firstErr
	})
	return s.closeErr
}

// Subscribe registers a change listener. See Emitter for lifecycle
// rules.
func (s *Store) Subscribe(ops ...string) (*Subscription, error) {
	return s.emitter.Subscribe(ops...)
}

// Registry exposes the target registry (owned by this store).
func (s *Store) Registry() *targets.Registry { return s.reg }

// cooldown spaces consecutive writes from the same authority, waiting
// out the remainder or failing when the context expires first.
func (s *Store) cooldown(ctx context.Context, authority types.Authority) error {
	if s.opts.DisableCooldown {
		return nil
	}

	s.cooldownMu.Lock()
	last, ok := s.lastWrite[authority]
	wait := time.Duration(0)
	if ok {
		if remaining := s.opts.Cooldown - time.Since(last); remaining > 0 {
			wait = remaining
		}
	}
	s.cooldownMu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("write cooldown: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	s.cooldownMu.Lock()
	s.lastWrite[authority] = time.Now()
	s.cooldownMu.Unlock()
	return nil
}

// audit appends one access-trail entry; trail failures never gate the
// operation that produced them.
func (s *Store) audit(e *audit.Entry) {
	_ = s.trail.Append(e)
}

// Index exposes the metadata index for read-only callers (ranking,
// verification, tests).
func (s *Store) Index() storage.Index { return s.idx }
