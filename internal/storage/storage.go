// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseFileName is the SQLite file created inside the data directory.
const DatabaseFileName = "swaps.db"

// Storage provides persistent storage for the swap daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- One row per swap, never deleted. Role + state decide whether it is in progress.
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		is_initiator INTEGER NOT NULL,
		state TEXT NOT NULL,

		-- Immutable terms
		initiator_coin TEXT NOT NULL,
		responder_coin TEXT NOT NULL,
		rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		secret_hash BLOB NOT NULL,
		initiator_refund_key_hash BLOB,
		initiator_redeem_key_hash BLOB,

		-- Negotiated terms
		initiator_timestamp INTEGER NOT NULL DEFAULT 0,
		responder_timestamp INTEGER NOT NULL DEFAULT 0,
		responder_refund_key_hash BLOB,
		responder_redeem_key_hash BLOB,
		refund_key_id TEXT NOT NULL DEFAULT '',
		redeem_key_id TEXT NOT NULL DEFAULT '',

		-- Secret material and progress
		secret BLOB,
		initiator_bail_tx BLOB,
		responder_bail_tx BLOB,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_state ON swaps(is_initiator, state);
	CREATE INDEX IF NOT EXISTS idx_swaps_created ON swaps(created_at);

	-- Next unused HD key index per coin and branch (0 = receive, 1 = change)
	CREATE TABLE IF NOT EXISTS key_indexes (
		coin TEXT NOT NULL,
		branch INTEGER NOT NULL,
		next_index INTEGER NOT NULL,
		PRIMARY KEY (coin, branch)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
