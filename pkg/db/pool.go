// Package db holds the controller's PostgreSQL journal: connection pooling
// via pgx, forward-only SQL migrations and the node/rule audit trail.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// PoolOptions tunes the journal pool. Zero fields keep the defaults.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
}

// DefaultPoolOptions returns the pool sizing used by the controller. Writes
// come only from node observers and rule changes.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{MaxConns: 8, MinConns: 1, HealthCheckPeriod: 30 * time.Second}
}

// NewPool connects to databaseURL and pings it before returning.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOptions) (*pgxpool.Pool, error) {
	config, err := poolConfig(databaseURL, opts...)
	if err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("%s - Connecting to %s/%s", logPrefix, config.ConnConfig.Host, config.ConnConfig.Database))
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

func poolConfig(databaseURL string, opts ...PoolOptions) (*pgxpool.Config, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("%s - database URL is empty", logPrefix)
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	o := DefaultPoolOptions()
	if len(opts) > 0 {
		if opts[0].MaxConns > 0 {
			o.MaxConns = opts[0].MaxConns
		}
		if opts[0].MinConns > 0 {
			o.MinConns = opts[0].MinConns
		}
		if opts[0].HealthCheckPeriod > 0 {
			o.HealthCheckPeriod = opts[0].HealthCheckPeriod
		}
	}
	if o.MinConns > o.MaxConns {
		o.MinConns = o.MaxConns
	}
	config.MaxConns = o.MaxConns
	config.MinConns = o.MinConns
	config.HealthCheckPeriod = o.HealthCheckPeriod
	return config, nil
}
