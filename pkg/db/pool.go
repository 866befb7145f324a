// Package db provides the Postgres-backed edge cluster inventory: connection
// pooling, migrations, seeding and the per-call inventory sessions.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	config.MaxConns = 20
	config.MinConns = 2

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

// ConnectWithRetry calls NewPool with exponential backoff until it succeeds,
// maxElapsed passes or ctx is done. An unparseable URL fails immediately.
func ConnectWithRetry(ctx context.Context, databaseURL string, maxElapsed time.Duration) (*pgxpool.Pool, error) {
	if _, err := pgxpool.ParseConfig(databaseURL); err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = maxElapsed

	var pool *pgxpool.Pool
	err := backoff.RetryNotify(func() error {
		p, err := NewPool(ctx, databaseURL)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		slog.Warn(fmt.Sprintf("%s - database not reachable, retrying in %s: %v", logPrefix, wait.Round(time.Millisecond), err))
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}
