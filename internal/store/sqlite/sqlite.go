// Package sqlite implements store.Store on a single SQLite file using
// sqlx over an OTel-instrumented modernc driver.
package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"github.com/subastamon/subastamon/internal/clock"
	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/store"
)

func init() {
	store.Register("sqlite", Open)
}

// DB implements store.Store. All mutations serialize through mu; the
// single underlying connection keeps readers consistent with writers.
type DB struct {
	db  *sqlx.DB
	clk clock.Clock
	mu  sync.Mutex
}

// Open connects to the file at cfg.Path, applies the pragmas, runs the
// schema script and the additive column migration.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (store.Store, error) {
	driverName, err := otelsql.Register("sqlite",
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: the file is single-writer and WAL readers share it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &DB{db: db, clk: clk}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *DB) now() string { return clock.ISO(s.clk.Now()) }

// Ping checks the underlying connection health.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *DB) Close() error {
	return s.db.Close()
}
