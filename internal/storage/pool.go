// Package storage provides the PostgreSQL storage layer for Relay.
//
// It manages connection pooling via pgxpool and query methods for the run
// registry, artifacts, tenant plans, tool configs and engine overrides.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Retry settings for mutators that may hit serialization or deadlock errors.
const (
	mutateRetries   = 3
	mutateBaseDelay = 20 * time.Millisecond
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger, now: time.Now}, nil
}

// WithClock returns a DB sharing the same pool whose timestamps come from now.
// Used by tests that need to place runs at specific instants.
func (db *DB) WithClock(now func() time.Time) *DB {
	return &DB{pool: db.pool, logger: db.logger, now: now}
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) nowUTC() time.Time {
	return db.now().UTC()
}
