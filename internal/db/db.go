// Package db provides the SQLite connection and schema for groupsyncd.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// KV store - generic key-value storage, used for in-flight retry entries
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_store (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);
		CREATE INDEX IF NOT EXISTS idx_kv_bucket ON kv_store(bucket);
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv_store table: %w", err)
	}

	// Outcome ledger - append-only history of terminal reconcile results
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS outcome_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			desired TEXT NOT NULL,
			outcome TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_outcome_device_ts ON outcome_ledger(device_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_outcome_ts ON outcome_ledger(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create outcome_ledger table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
