// Package db provides database schema migration management.
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// migration steps are applied in order; never reorder or edit an applied step,
// add a new one.
var migrations = []struct {
	version     int
	description string
	statements  []string
}{
	{
		version:     1,
		description: "initial sync core schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				temp_id     TEXT PRIMARY KEY,
				server_id   INTEGER NOT NULL DEFAULT 0,
				service_id  INTEGER NOT NULL,
				category    TEXT NOT NULL,
				name        TEXT NOT NULL,
				template_id INTEGER NOT NULL DEFAULT 0,
				fields      TEXT NOT NULL DEFAULT '{}',
				sync_state  TEXT NOT NULL DEFAULT 'local',
				hidden      INTEGER NOT NULL DEFAULT 0,
				created_at  INTEGER NOT NULL,
				updated_at  INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_records_parent ON records(service_id, category);`,
			`CREATE INDEX IF NOT EXISTS idx_records_server_id ON records(server_id);`,
			`CREATE TABLE IF NOT EXISTS pending_operations (
				id         TEXT PRIMARY KEY,
				kind       TEXT NOT NULL,
				target_id  TEXT NOT NULL,
				endpoint   TEXT NOT NULL,
				payload    TEXT NOT NULL DEFAULT '{}',
				depends_on TEXT NOT NULL DEFAULT '[]',
				status     TEXT NOT NULL DEFAULT 'pending',
				priority   INTEGER NOT NULL DEFAULT 0,
				attempts   INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_operations(status);`,
			`CREATE INDEX IF NOT EXISTS idx_pending_target ON pending_operations(target_id);`,
			`CREATE TABLE IF NOT EXISTS id_map (
				temp_id     TEXT PRIMARY KEY,
				real_id     INTEGER NOT NULL,
				recorded_at INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS photo_tasks (
				temp_photo_id TEXT PRIMARY KEY,
				parent_id     TEXT NOT NULL,
				operation_id  TEXT NOT NULL DEFAULT '',
				blob_hash     TEXT NOT NULL DEFAULT '',
				caption       TEXT NOT NULL DEFAULT '',
				overlay       TEXT NOT NULL DEFAULT '',
				status        TEXT NOT NULL DEFAULT 'queued',
				progress      INTEGER NOT NULL DEFAULT 0,
				storage_key   TEXT NOT NULL DEFAULT '',
				display_url   TEXT NOT NULL DEFAULT '',
				created_at    INTEGER NOT NULL,
				updated_at    INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_photo_parent ON photo_tasks(parent_id);`,
			`CREATE TABLE IF NOT EXISTS snapshots (
				service_id   INTEGER NOT NULL,
				category     TEXT NOT NULL,
				payload      TEXT NOT NULL DEFAULT '[]',
				refreshed_at INTEGER NOT NULL,
				PRIMARY KEY (service_id, category)
			);`,
		},
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations inside a transaction per step.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.version, err)
		}

		for _, stmt := range mig.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", mig.version, err)
			}
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			mig.version, time.Now().Unix(), mig.description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.version, err)
		}
	}

	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}
