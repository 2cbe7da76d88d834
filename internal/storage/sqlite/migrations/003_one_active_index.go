package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateOneActiveIndex backfills the partial unique index guaranteeing a
// single active record per target. Refuses to run while duplicates exist:
// the operator must resolve them (usually via index reconciliation) first.
func MigrateOneActiveIndex(db *sql.DB) error {
	var dupes int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM (
		    SELECT target FROM records
		    WHERE status = 'active'
		    GROUP BY target
		    HAVING COUNT(*) > 1
		)
	`).Scan(&dupes)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate active records: %w", err)
	}
	if dupes > 0 {
		return fmt.Errorf("%d targets have multiple active records; run verify before migrating", dupes)
	}

	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_records_one_active
		    ON records(target) WHERE status = 'active'
	`)
	if err != nil {
		return fmt.Errorf("failed to create one-active index: %w", err)
	}
	return nil
}
