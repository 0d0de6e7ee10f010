// Package persistence provides SQLite-backed storage for tasks and their conversation history.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/jasonkneen/claude-coder/pkg/logx"
)

// DB is an open task database. It implements history.Persister and history.Loader.
type DB struct {
	db     *sql.DB
	logger *logx.Logger
	path   string
}

// Open opens (creating if needed) the database at dbPath and brings its schema up to date.
func Open(dbPath string) (*DB, error) {
	// Open database connection with foreign keys, WAL mode and busy timeout
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	d := &DB{db: db, path: dbPath, logger: logx.NewLogger("persistence")}
	d.logger.Info("📦 Database initialized: %s", dbPath)
	return d, nil
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
