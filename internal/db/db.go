// Package db opens gardenview's SQLite database and owns its schema.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema.
// ":memory:" gives a private in-memory database.
func Open(dbPath string) (*DB, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if strings.HasPrefix(dbPath, ":memory:") {
		dsn = dbPath
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps one shared connection for :memory:
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	// Command ledger - append-only audit of dispatched control commands
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS command_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			command TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			request_id TEXT NOT NULL,
			source TEXT,
			status_code INTEGER,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_command_ledger_ts ON command_ledger(timestamp);
		CREATE INDEX IF NOT EXISTS idx_command_ledger_request ON command_ledger(request_id, event_type);
	`)
	if err != nil {
		return fmt.Errorf("failed to create command_ledger table: %w", err)
	}

	// one outcome per request
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_command_ledger_outcome
		ON command_ledger(request_id)
		WHERE event_type IN ('command_accepted', 'command_failed');
	`)
	if err != nil {
		return fmt.Errorf("failed to create idx_command_ledger_outcome index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
