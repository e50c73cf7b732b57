// Package storage provides the PostgreSQL storage layer for the tracing
// query engine.
//
// It manages connection pooling (via pgxpool, optionally through PgBouncer),
// the idempotent span upsert path, windowed/filtered span queries with
// cursor pagination and sampling, the bucketed analytics pipeline, and
// session/user discovery. Every read query runs under a per-statement
// timeout; store-level cancellation surfaces as ErrQueryCancelled.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultStatementTimeout bounds every read query issued by this store.
const DefaultStatementTimeout = 15 * time.Second

// DB wraps a pgxpool.Pool for all span-store queries.
type DB struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	statementTimeout time.Duration
}

// New creates a new DB with a connection pool.
// dsn may point to PgBouncer or directly to Postgres.
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

	return &DB{
		pool:             pool,
		logger:           logger,
		statementTimeout: DefaultStatementTimeout,
	}, nil
}

// SetStatementTimeout overrides the per-query statement timeout.
// Values <= 0 are ignored.
func (db *DB) SetStatementTimeout(d time.Duration) {
	if d > 0 {
		db.statementTimeout = d
	}
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

// RegisterPoolMetrics exposes pgxpool stats as observable OTEL gauges.
// Call after telemetry.Init so the gauges land on the real meter provider.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.GetMeterProvider().Meter("tracequery/storage")

	total, err1 := meter.Int64ObservableGauge("db.pool.connections.total")
	idle, err2 := meter.Int64ObservableGauge("db.pool.connections.idle")
	acquired, err3 := meter.Int64ObservableGauge("db.pool.connections.acquired")
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: pool metric registration failed")
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: pool metric callback registration failed", "error", err)
	}
}
