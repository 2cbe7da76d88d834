// Package ledgermind provides the public API for the semantic store:
// a transactional, versioned knowledge base of agent decisions with
// recursive supersession resolution and similarity search.
//
// Most embedders need only Open, the write operations on Store, and
// SearchDecisions. Everything re-exported here is implemented under
// internal/; the types are aliased so callers never import internal
// packages directly.
package ledgermind

import (
	"context"

	"github.com/sl4m3/ledgermind/internal/memory"
	"github.com/sl4m3/ledgermind/internal/targets"
	"github.com/sl4m3/ledgermind/internal/types"
	"github.com/sl4m3/ledgermind/internal/vector"
)

// Store is the assembled semantic store.
type Store = memory.Store

// Options configures Open.
type Options = memory.Options

// Open assembles a store rooted at opts.StoragePath, running crash
// recovery before returning.
func Open(ctx context.Context, opts Options) (*Store, error) {
	return memory.Open(ctx, opts)
}

// Core types.
type (
	Record       = types.Record
	Event        = types.Event
	Kind         = types.Kind
	Status       = types.Status
	Authority    = types.Authority
	Phase        = types.Phase
	SearchMode   = types.SearchMode
	SearchResult = types.SearchResult
	Resolution   = types.Resolution
	DemoteMode   = types.DemoteMode

	RecordInput    = memory.RecordInput
	SupersedeInput = memory.SupersedeInput
	Subscription   = memory.Subscription
	Change         = memory.Change
	VerifyReport   = memory.VerifyReport
)

// Embedding providers.
type Provider = vector.Provider

// NewMockProvider returns the deterministic offline embedding provider.
func NewMockProvider(dim int) Provider { return vector.NewMockProvider(dim) }

// NewHTTPProvider returns a remote embedding provider.
func NewHTTPProvider(url, token string, dim int) Provider {
	return vector.NewHTTPProvider(url, token, dim)
}

// Normalize maps a human-entered target string to its canonical key.
func Normalize(target string) string { return targets.Normalize(target) }

// Kind constants.
const (
	KindDecision     = types.KindDecision
	KindProposal     = types.KindProposal
	KindIntervention = types.KindIntervention
)

// Status constants.
const (
	StatusActive     = types.StatusActive
	StatusSuperseded = types.StatusSuperseded
	StatusDeprecated = types.StatusDeprecated
	StatusProposal   = types.StatusProposal
)

// Authority constants.
const (
	AuthorityHuman = types.AuthorityHuman
	AuthorityAgent = types.AuthorityAgent
	AuthorityAdmin = types.AuthorityAdmin
)

// Phase constants.
const (
	PhasePattern   = types.PhasePattern
	PhaseEmergent  = types.PhaseEmergent
	PhaseCanonical = types.PhaseCanonical
)

// Search modes.
const (
	ModeStrict   = types.ModeStrict
	ModeBalanced = types.ModeBalanced
	ModeAudit    = types.ModeAudit
)

// Demote modes.
const (
	DemoteAPI       = types.DemoteAPI
	DemoteLifecycle = types.DemoteLifecycle
)

// Boundary error kinds. Match with errors.Is.
var (
	ErrConflict            = types.ErrConflict
	ErrCycleDetected       = types.ErrCycleDetected
	ErrLockContention      = types.ErrLockContention
	ErrNotFound            = types.ErrNotFound
	ErrPermissionDenied    = types.ErrPermissionDenied
	ErrReviewWindowPending = types.ErrReviewWindowPending
	ErrTransactionFailed   = types.ErrTransactionFailed
	ErrRecoveryPending     = types.ErrRecoveryPending
)
