// Package store persists the credential pool and its leases in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		secret TEXT NOT NULL,
		issuer TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		health TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		daily_quota INTEGER NOT NULL,
		usage_reset_at DATETIME NOT NULL,
		last_used_at DATETIME,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_secret ON credentials(secret);
	CREATE INDEX IF NOT EXISTS idx_credentials_account ON credentials(issuer, subject);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// SetClock replaces the time source used for lease expiry. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
