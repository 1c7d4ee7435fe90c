// Package historydb implements C8 (spec.md §4.8 / SPEC_FULL.md §4.8): a
// best-effort sqlite audit log of discovery snapshots, reconcile
// results, and update outcomes. Grounded on the teacher's internal/db
// package: the same embed+golang-migrate wiring, trimmed to the three
// tables this tool actually needs.
package historydb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a migrated sqlite database. A nil *Store turns every
// Record* method into a no-op, so callers in discovery/reconcile/update
// never need to branch on whether history is wired (spec.md §4.8).
type Store struct {
	db *sql.DB
}

// Open creates or migrates the sqlite database at path and returns a
// ready Store. Applies the same WAL/busy_timeout pragmas the teacher's
// internal/db.applyPragmas used, since this store sees the same
// single-writer, many-reader access pattern from the admin surface (C9).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("historydb: open %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("historydb: %s: %w", p, err)
		}
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("historydb: sub-filesystem: %w", err)
	}
	if err := migrateUp(db, sub); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database. Safe to call on a nil Store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func migrateUp(db *sql.DB, migrations fs.FS) error {
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("historydb: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("historydb: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("historydb: migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("historydb: migrate up: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { log.Printf("[historydb] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }
