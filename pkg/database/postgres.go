// Package database provides the pgx connection pool backing the trendscope
// Postgres store. Vector columns need pgvector's types registered on every
// connection, which callers hook in through WithAfterConnect.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption configures the connection pool.
type PoolOption func(*pgxpool.Config)

// WithAfterConnect sets a callback run on each new connection (e.g. pgvector
// type registration). The referenced types must already exist in the database.
func WithAfterConnect(fn func(context.Context, *pgx.Conn) error) PoolOption {
	return func(c *pgxpool.Config) {
		c.AfterConnect = fn
	}
}

// WithMaxConns caps the pool size. The pipeline is a single writer over a
// handful of tables, so a small pool is enough; pgx's default sizing targets
// request-serving workloads.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		c.MaxConns = n
	}
}

// WithMinConns keeps idle connections warm between scheduled runs.
func WithMinConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		c.MinConns = n
	}
}

// NewPostgresPool creates a PostgreSQL connection pool and verifies
// connectivity with a ping.
func NewPostgresPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	for _, opt := range opts {
		opt(config)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("postgres pool established", "max_conns", config.MaxConns)

	return pool, nil
}
