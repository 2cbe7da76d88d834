// Package sqlite implements the metadata index and episodic store on an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sl4m3/ledgermind/internal/storage"
)

// Index is the SQLite-backed metadata index.
//
// One writer at a time per process: the transaction manager serializes
// write protocols, so Begin/Commit/Rollback assume a single writer
// goroutine owns the open session. stateMu only protects the session
// fields against concurrent readers.
type Index struct {
	db   *sql.DB
	path string

	stateMu sync.Mutex
	conn    *sql.Conn
	depth   int
	doomed  bool
}

var _ storage.Index = (*Index)(nil)

// New opens (or creates) the metadata index at path.
func New(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, metaSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Index{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Index) Path() string { return s.path }

// Close releases the database. An in-flight transaction is rolled back.
func (s *Index) Close() error {
	s.stateMu.Lock()
	if s.conn != nil {
		_, _ = s.conn.ExecContext(context.Background(), "ROLLBACK")
		_ = s.conn.Close()
		s.conn = nil
		s.depth = 0
	}
	s.stateMu.Unlock()
	return s.db.Close()
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying on
// SQLITE_BUSY with exponential backoff. IMMEDIATE acquires the write lock
// up front so concurrent writers serialize instead of deadlocking.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, initialDelay time.Duration) error {
	delay := initialDelay
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "busy") && !strings.Contains(err.Error(), "locked") {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Begin opens the write transaction, or increments the nesting depth
// when the owning writer re-enters.
func (s *Index) Begin(ctx context.Context) error {
	s.stateMu.Lock()
	if s.depth > 0 {
		s.depth++
		s.stateMu.Unlock()
		return nil
	}
	s.stateMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	s.stateMu.Lock()
	s.conn = conn
	s.depth = 1
	s.doomed = false
	s.stateMu.Unlock()
	return nil
}

// Commit commits the outermost transaction. Nested commits only decrement
// depth. A transaction doomed by a nested Rollback is rolled back instead
// and ErrDoomed is returned.
func (s *Index) Commit(ctx context.Context) error {
	s.stateMu.Lock()
	if s.depth == 0 {
		s.stateMu.Unlock()
		return storage.ErrNoTransaction
	}
	if s.depth > 1 {
		s.depth--
		s.stateMu.Unlock()
		return nil
	}
	conn, doomed := s.conn, s.doomed
	s.stateMu.Unlock()

	defer s.releaseWriteSession()
	if doomed {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return storage.ErrDoomed
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. A nested Rollback marks the outer
// transaction doomed; the outermost rolls back for real.
func (s *Index) Rollback() error {
	s.stateMu.Lock()
	if s.depth == 0 {
		s.stateMu.Unlock()
		return storage.ErrNoTransaction
	}
	if s.depth > 1 {
		s.depth--
		s.doomed = true
		s.stateMu.Unlock()
		return nil
	}
	conn := s.conn
	s.stateMu.Unlock()

	defer s.releaseWriteSession()
	if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// releaseWriteSession closes the write connection and resets the session.
func (s *Index) releaseWriteSession() {
	s.stateMu.Lock()
	conn := s.conn
	s.conn = nil
	s.depth = 0
	s.doomed = false
	s.stateMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// writeConn returns the active transaction connection, or
// storage.ErrNoTransaction: every mutation runs inside a caller-provided
// transaction.
func (s *Index) writeConn() (*sql.Conn, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.depth == 0 || s.conn == nil {
		return nil, storage.ErrNoTransaction
	}
	return s.conn, nil
}

// querier returns the read surface consistent with the caller's view:
// the open write connection inside a transaction (read-your-writes),
// the pool otherwise. Readers outside the writer goroutine always get
// the pool, which serves the last committed snapshot.
func (s *Index) querier() queryer {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.depth > 0 && s.conn != nil {
		return s.conn
	}
	return s.db
}

// queryer is the subset of database/sql shared by *sql.DB and *sql.Conn.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// placeholders builds "?,?,?" for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// epoch ms <-> time.Time conversions. Timestamps are stored as UTC epoch
// milliseconds.
func toMillis(t time.Time) int64    { return t.UTC().UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
