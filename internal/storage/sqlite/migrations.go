// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/sl4m3/ledgermind/internal/storage/sqlite/migrations"
)

// Migration represents a single database migration.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations. All are
// idempotent; they run on every open.
var migrationsList = []Migration{
	{"fid_column", migrations.MigrateFidColumn},
	{"file_mtimes_table", migrations.MigrateFileMtimesTable},
	{"one_active_index", migrations.MigrateOneActiveIndex},
}

// RunMigrations executes all registered migrations in order under an
// EXCLUSIVE transaction so parallel processes opening the database do not
// race on check-then-modify steps.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		if err := migration.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true
	return nil
}
