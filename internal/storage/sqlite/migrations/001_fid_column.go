package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateFidColumn adds the fid column linking a record to its body file
// in the log working tree. Databases created before index reconciliation
// existed lack it.
func MigrateFidColumn(db *sql.DB) error {
	var colName string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info('records')
		WHERE name = 'fid'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		if _, err := db.Exec(`ALTER TABLE records ADD COLUMN fid TEXT DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add fid column: %w", err)
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_fid ON records(fid)`); err != nil {
			return fmt.Errorf("failed to create fid index: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect records table: %w", err)
	}
	return nil
}
