// Package store is the single write path to the relational store. It speaks
// both the embedded sqlite engine and postgres through one query dialect and
// uses natural uniqueness constraints as the idempotency mechanism: replaying
// an already-stored record is a silent no-op, never an error.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"tickerd/internal/config"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know; queries are
	// written with ? placeholders so no rebinding is wanted there.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the shared handle every worker writes through. The bounded
// connection pool is the pipeline's only cross-worker synchronization point.
type Store struct {
	db     *sqlx.DB
	driver string
	log    *slog.Logger

	// Two-argument comparison functions differ between engines; they are
	// interpolated into the candle merge statement once at open.
	fnMax string
	fnMin string
}

// Open connects to the configured engine, bounds the pool, and pings.
func Open(ctx context.Context, cfg config.Storage, log *slog.Logger) (*Store, error) {
	s := &Store{driver: cfg.Driver, log: log}
	switch cfg.Driver {
	case DriverSQLite:
		s.fnMax, s.fnMin = "MAX", "MIN"
	case DriverPostgres:
		s.fnMax, s.fnMin = "GREATEST", "LEAST"
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}

	// SQLite allows one writer at a time; a wider pool just trades
	// contention for busy errors.
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s store: %w", cfg.Driver, err)
	}
	s.db = db
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the engine name the store was opened with.
func (s *Store) Driver() string { return s.driver }

// isUniqueViolation recognizes duplicate-key failures from both engines.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
