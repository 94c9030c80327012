package projection

import (
	"database/sql"
	"fmt"
)

// migration is one ordered, idempotent step in the projection's own
// on-disk schema evolution, distinct from the event log format version
// the codec guards separately (VersionTooNew). Adapted from the
// teacher's internal/storage/sqlite/migrations.go Migration/RunMigrations
// shape, simplified to this package's much smaller schema-evolution
// surface.
type migration struct {
	Name string
	Func func(*sql.DB) error
}

var migrationsList = []migration{
	{"initial_schema", migrateInitialSchema},
}

func migrateInitialSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// runMigrations applies every migration not yet recorded in
// schema_migrations, in order, inside one exclusive transaction, the
// same race-avoidance shape as the teacher's RunMigrations (BEGIN
// EXCLUSIVE around the whole pass, rollback on any failure).
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("projection: bootstrapping schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.Query("SELECT name FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("projection: reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("projection: scanning schema_migrations: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrationsList {
		if applied[m.Name] {
			continue
		}
		if err := m.Func(db); err != nil {
			return fmt.Errorf("projection: migration %s: %w", m.Name, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (name) VALUES (?)", m.Name); err != nil {
			return fmt.Errorf("projection: recording migration %s: %w", m.Name, err)
		}
	}
	return nil
}
