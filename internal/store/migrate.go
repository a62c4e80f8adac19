package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

func (s *Store) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		return nil, fmt.Errorf("loading %s migrations: %w", s.driver, err)
	}

	var drv database.Driver
	switch s.driver {
	case DriverSQLite:
		drv, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	case DriverPostgres:
		drv, err = migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("preparing %s migration driver: %w", s.driver, err)
	}

	// Never call Close on the returned migrator: with WithInstance it would
	// close the store's shared pool.
	return migrate.NewWithInstance("iofs", src, s.driver, drv)
}

// Migrate applies all pending schema migrations. Idempotent: a current
// schema is a no-op.
func (s *Store) Migrate() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back n migrations.
func (s *Store) MigrateDown(n int) error {
	if n <= 0 {
		return fmt.Errorf("migrate down: steps must be positive, got %d", n)
	}
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Steps(-n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back %d migrations: %w", n, err)
	}
	return nil
}

// SchemaVersion returns the current migration version, or 0 when the schema
// has never been migrated.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return v, dirty, nil
}
