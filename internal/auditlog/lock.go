package auditlog

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/sl4m3/ledgermind/internal/types"
)

// Lock retry budget: exponential backoff from 50ms capped at 2s, at
// least 15 attempts before surfacing contention.
const (
	lockBackoffBase = 50 * time.Millisecond
	lockBackoffCap  = 2 * time.Second
	lockAttempts    = 15
)

// logLock is the OS-level advisory lock guarding the log directory.
// Only one process may hold it. Within a process, acquire on a handle
// that already holds the lock returns at once; re-acquisition is not
// counted, so a single release drops the lock.
type logLock struct {
	fl *flock.Flock
}

func newLogLock(path string) *logLock {
	return &logLock{fl: flock.New(path)}
}

// acquire takes the lock, retrying with exponential backoff before
// surfacing types.ErrLockContention.
func (l *logLock) acquire() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = lockBackoffBase
	bo.MaxInterval = lockBackoffCap
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		locked, err := l.fl.TryLock()
		if err != nil {
			lastErr = err
		} else if locked {
			return nil
		}
		time.Sleep(bo.NextBackOff())
	}

	if lastErr != nil {
		return fmt.Errorf("log lock: %v: %w", lastErr, types.ErrLockContention)
	}
	return fmt.Errorf("log lock held elsewhere after %d attempts: %w", lockAttempts, types.ErrLockContention)
}

// release drops the lock.
func (l *logLock) release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release log lock: %w", err)
	}
	return nil
}
