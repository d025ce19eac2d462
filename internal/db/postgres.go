// Package db provides database and broker connection helpers.
package db

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	clientName       = "scan-worker"
	pgMaxConns       = 4
	pgConnectTimeout = 10 * time.Second
)

// NewPostgresPool opens a pool of at most pgMaxConns connections tagged with
// the worker's application name, and checks it with a ping.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse DATABASE_URL")
	}
	if pcfg.MaxConns > pgMaxConns {
		pcfg.MaxConns = pgMaxConns
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = clientName
	}
	if pcfg.ConnConfig.ConnectTimeout == 0 {
		pcfg.ConnConfig.ConnectTimeout = pgConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrapf(err, "ping postgres %s:%d", pcfg.ConnConfig.Host, pcfg.ConnConfig.Port)
	}
	return pool, nil
}

// MigratePostgres creates the scan_tasks and jobs tables when missing.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return errors.Wrap(err, "apply postgres schema")
	}
	return nil
}
