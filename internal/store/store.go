// Package store is the persistent store (C1): a single SQLite file under
// the device's data directory holding device identity, target state,
// current state, the bounded log stream, and a generic key/value flag
// table. Grounded on the teacher's connection-factory + migrate.New + Up()
// shape (internal/platform/migrate.go), substituting the sqlite3 driver for
// postgres since the device runs a single on-device data directory rather
// than a server-grade database.
package store

import (
	"context"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/iotistic/supervisor/pkg/rtmerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dbFileName = "supervisor.db"

// Store wraps the on-device SQLite database. Writes are serialized through
// mu in addition to SQLite's own file lock, the local equivalent of the
// teacher's audit.Writer funneling writes through one buffered channel.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// Open creates (if needed) the data directory, opens supervisor.db, and
// applies all pending migrations.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, dbFileName)

	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dbPath))
	if err != nil {
		return nil, rtmerr.NewFatal("store.Open", fmt.Errorf("opening %s: %w", dbPath, err))
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, rtmerr.NewFatal("store.Open", fmt.Errorf("pinging %s: %w", dbPath, err))
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return rtmerr.NewFatal("store.runMigrations", fmt.Errorf("loading embedded migrations: %w", err))
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return rtmerr.NewFatal("store.runMigrations", fmt.Errorf("creating sqlite3 migrate driver: %w", err))
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return rtmerr.NewFatal("store.runMigrations", fmt.Errorf("creating migrator: %w", err))
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return rtmerr.NewFatal("store.runMigrations", fmt.Errorf("applying migrations: %w", err))
	}

	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteLock runs fn while holding the Store's write mutex, the
// local analog of Postgres serializing concurrent writers at the server.
func (s *Store) withWriteLock(ctx context.Context, fn func(*sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifyErr("commit tx", err)
	}
	return nil
}

// classifyErr maps a raw sqlite/sql error into the rtmerr taxonomy.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return rtmerr.NewRetriable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
