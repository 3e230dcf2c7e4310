// Package kvstore provides the ordered, byte-keyed persistent store the
// heritage wallet engine builds everything else on top of: a single table
// from string keys to opaque byte values, a compare-and-swap primitive, and
// an atomic batch-transaction primitive, backed by SQLite.
package kvstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the ordered key-value store. All reads and writes go through a
// single *sql.DB restricted to one open connection (SQLite supports only
// one writer at a time); a per-store mutex additionally serializes
// compare-and-swap and batch-commit sequences that read-then-write.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds store configuration.
type Config struct {
	// DataDir is the directory the database file lives in. Pass ":memory:"
	// to get a private, process-local in-memory store (used by tests).
	DataDir string

	// FileName overrides the default database file name ("heritage.db").
	FileName string
}

// New opens (creating if necessary) the heritage wallet's key-value store.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.DataDir == ":memory:" {
		db, err := sql.Open("sqlite3", "file::memory:")
		if err != nil {
			return nil, fmt.Errorf("kvstore: open in-memory database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		s := &Store{db: db, dbPath: ":memory:"}
		if err := s.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: init schema: %w", err)
		}
		return s, nil
	}

	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("kvstore: create data directory: %w", err)
	}

	fileName := cfg.FileName
	if fileName == "" {
		fileName = "heritage.db"
	}
	dbPath := filepath.Join(dataDir, fileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("kvstore: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: init schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
