// Package state provides the SQLite-backed shared state store: durable
// key-value state with change notification, plus the append-only audit
// trail and bus channel log. It is the only mutable shared resource in
// the system; every write is capability-checked.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/pkg/models"
)

// Verifier authorizes writes. Satisfied by *security.Manager.
type Verifier interface {
	Verify(op security.Operation, sc models.SecurityContext) (bool, error)
}

// Store wraps an SQLite database with hive-specific operations.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex

	verifier Verifier
	poll     time.Duration
}

// DefaultPath returns the store location under XDG data home.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "hive", "hive.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &Store{
		conn: conn,
		path: path,
		poll: 100 * time.Millisecond,
	}, nil
}

// SetVerifier installs the write authorizer. Without one, writes are
// refused outright rather than silently allowed.
func (s *Store) SetVerifier(v Verifier) {
	s.mu.Lock()
	s.verifier = v
	s.mu.Unlock()
}

// SetPollInterval overrides the change-watch poll cadence. Test hook.
func (s *Store) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.poll = d
		s.mu.Unlock()
	}
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS kv_changes (
		seq   INTEGER PRIMARY KEY AUTOINCREMENT,
		key   TEXT NOT NULL,
		value BLOB NOT NULL,
		ts    TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		ts         TIMESTAMP NOT NULL,
		context_id TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		operation  TEXT NOT NULL,
		resource   TEXT NOT NULL,
		allowed    INTEGER NOT NULL,
		reason     TEXT
	);
	CREATE TABLE IF NOT EXISTS channel_log (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		channel    TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender     TEXT NOT NULL,
		type       TEXT NOT NULL,
		payload    BLOB,
		ts         TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id, ts);
	CREATE INDEX IF NOT EXISTS idx_channel_log ON channel_log(channel, seq);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
