package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateFileMtimesTable adds the per-file mtime cache used by index
// reconciliation to skip unchanged body files.
func MigrateFileMtimesTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS file_mtimes (
		    fid TEXT PRIMARY KEY,
		    mtime_ns INTEGER NOT NULL,
		    last_checked INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create file_mtimes table: %w", err)
	}
	return nil
}
