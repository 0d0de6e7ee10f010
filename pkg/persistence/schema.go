package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds per-task usage totals.
func migrateToVersion2(db *sql.DB) error {
	columns := []string{
		"ALTER TABLE tasks ADD COLUMN tokens_used BIGINT DEFAULT 0",
		"ALTER TABLE tasks ADD COLUMN cost_usd DECIMAL(10,4) DEFAULT 0.0",
	}
	for _, ddl := range columns {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to add column: %w", err)
		}
	}
	return nil
}

// schemaV1 is the original layout, kept so migrations can be exercised from it.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'IDLE',
		prompt TEXT,
		created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	// Model-facing history; ts is the per-task correlation timestamp
	`CREATE TABLE IF NOT EXISTS turns (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		ts INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		commit_hash TEXT,
		branch TEXT,
		pre_commit_hash TEXT,
		PRIMARY KEY (task_id, ts)
	)`,

	// UI-facing message log, stored as JSON documents
	`CREATE TABLE IF NOT EXISTS ui_messages (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (task_id, ts)
	)`,
}

func createSchema(db *sql.DB) error {
	if err := createSchemaVersion(db, schemaV1, 1); err != nil {
		return err
	}
	return runMigrations(db, 1, CurrentSchemaVersion)
}

func createSchemaVersion(db *sql.DB, tables []string, version int) error {
	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)",
		"CREATE INDEX IF NOT EXISTS idx_ui_messages_type ON ui_messages(task_id, type)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	if err := setSchemaVersion(db, version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
