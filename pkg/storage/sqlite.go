// Package storage persists benchmark sessions and per-model records in
// SQLite and recomputes the session-level aggregate as records resolve.
package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// connPragmas travel in the DSN because database/sql hands out pooled
// connections: a PRAGMA issued through db.Exec lands on one connection
// while busy_timeout and foreign_keys must hold on every connection the
// pool opens. WAL mode allows concurrent readers alongside the single
// writer, busy_timeout makes contending writers wait instead of failing
// with SQLITE_BUSY, foreign_keys makes session deletes cascade to
// records, and _txlock=immediate takes the write lock at BEGIN so write
// transactions never deadlock upgrading a read lock.
const connPragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=foreign_keys(1)" +
	"&_txlock=immediate"

func dsn(dbPath string) string {
	switch {
	case dbPath == ":memory:":
		// Shared cache so every pooled connection sees the same database.
		return "file::memory:?cache=shared&" + connPragmas
	case strings.HasPrefix(dbPath, "file:"):
		if strings.Contains(dbPath, "?") {
			return dbPath + "&" + connPragmas
		}
		return dbPath + "?" + connPragmas
	default:
		return "file:" + dbPath + "?" + connPragmas
	}
}

// Store manages SQLite database operations
type Store struct {
	db         *sql.DB
	observers  []chan Event
	observerMu sync.RWMutex
	closed     bool
}

// New creates a new store and initializes the database
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time, but multiple readers with WAL mode
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close stops observer delivery and closes the database connection.
func (s *Store) Close() error {
	s.observerMu.Lock()
	if !s.closed {
		s.closed = true
		for _, events := range s.observers {
			close(events)
		}
	}
	s.observerMu.Unlock()
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// AddObserver registers a new observer that will receive storage events.
// Each observer gets its own delivery goroutine fed from a buffered
// channel, so successive events from one commit arrive in the order they
// were emitted.
func (s *Store) AddObserver(observer Observer) {
	events := make(chan Event, 256)
	go func() {
		for event := range events {
			observer.HandleStorageEvent(event)
		}
	}()

	s.observerMu.Lock()
	s.observers = append(s.observers, events)
	s.observerMu.Unlock()
}

// notify hands events to observer queues without blocking the writer. A
// full queue drops the event rather than stalling a commit path.
func (s *Store) notify(event Event) {
	s.observerMu.RLock()
	defer s.observerMu.RUnlock()
	if s.closed {
		return
	}
	for _, events := range s.observers {
		select {
		case events <- event:
		default:
		}
	}
}

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Apply   func(db *sql.DB) error
}

// migrations is the ordered list of all migrations
var migrations = []Migration{
	{1, "initial_schema", func(db *sql.DB) error { return nil }}, // Base schema from schemaSQL
	{2, "record_screenshot_url", func(db *sql.DB) error {
		// Fresh databases already get the column from schemaSQL.
		exists, err := columnExists(db, "records", "screenshot_url")
		if err != nil || exists {
			return err
		}
		_, err = db.Exec("ALTER TABLE records ADD COLUMN screenshot_url TEXT")
		return err
	}},
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?",
		table, column,
	).Scan(&count)
	return count > 0, err
}

// runMigrations runs the schema migrations with version tracking
func runMigrations(db *sql.DB) error {
	// First apply the base schema (idempotent via CREATE TABLE IF NOT EXISTS)
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		if err := m.Apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}

		if err := recordMigration(db, m.Version, m.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version (0 if no migrations applied)
func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table might not exist yet (first run before schemaSQL applied)
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// recordMigration records that a migration was applied
func recordMigration(db *sql.DB, version int, name string) error {
	_, err := db.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		version, name,
	)
	return err
}

// GetSchemaVersion returns the current schema version for external use
func (s *Store) GetSchemaVersion() (int, error) {
	return getSchemaVersion(s.db)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
