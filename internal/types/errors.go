package types

import (
	"errors"
	"fmt"
)

// Invariant codes for InvariantViolation errors.
const (
	InvSingleActive     = "I1"
	InvRationaleLength  = "I2"
	InvAuthorityIsol    = "I3"
	InvDAG              = "I4"
	InvReviewWindow     = "I5"
	InvEvidenceCount    = "I6"
	InvTargetNormalized = "I7"
)

// Sentinel errors surfaced at the library boundary. Layers wrap these with
// context via fmt.Errorf("...: %w", err); callers match with errors.Is.
var (
	// ErrConflict: an active record already exists for the target; the
	// caller must supersede explicitly.
	ErrConflict = errors.New("active record exists for target")

	// ErrCycleDetected: a supersession walk found a cycle.
	ErrCycleDetected = errors.New("supersession cycle detected")

	// ErrLockContention: the log lock could not be acquired within the
	// retry budget.
	ErrLockContention = errors.New("log lock contention")

	// ErrNotFound: the id is absent from the index.
	ErrNotFound = errors.New("record not found")

	// ErrPermissionDenied: an authority isolation rule was violated.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrReviewWindowPending: the proposal's review window has not elapsed.
	ErrReviewWindowPending = errors.New("review window pending")

	// ErrTransactionFailed: an I/O or storage error occurred; rollback
	// completed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrRecoveryPending: startup found a half-applied commit; retry after
	// recovery completes.
	ErrRecoveryPending = errors.New("recovery pending")
)

// InvariantError is an InvariantViolation with its I1..I7 code. Rejected
// before commit; no side effects have occurred when one is returned.
type InvariantError struct {
	Code   string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Code, e.Detail)
}

// Is lets errors.Is match any *InvariantError against the bare type and
// the sentinels that alias specific codes.
func (e *InvariantError) Is(target error) bool {
	switch e.Code {
	case InvAuthorityIsol:
		if target == ErrPermissionDenied {
			return true
		}
	case InvDAG:
		if target == ErrCycleDetected {
			return true
		}
	case InvReviewWindow:
		if target == ErrReviewWindowPending {
			return true
		}
	}
	t, ok := target.(*InvariantError)
	return ok && (t.Code == "" || t.Code == e.Code)
}

// Invariant constructs an InvariantError for the given code.
func Invariant(code, format string, args ...any) error {
	return &InvariantError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
