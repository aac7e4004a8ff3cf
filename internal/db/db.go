// Package db opens the optional Postgres pool backing the in-flight registry.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns    = 4
	defaultPingTimeout = 5 * time.Second
)

type Options struct {
	MaxConns    int32
	PingTimeout time.Duration
}

// Connect builds a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...Options) (*pgxpool.Pool, error) {
	o := Options{MaxConns: defaultMaxConns, PingTimeout: defaultPingTimeout}
	if len(opts) > 0 {
		if opts[0].MaxConns > 0 {
			o.MaxConns = opts[0].MaxConns
		}
		if opts[0].PingTimeout > 0 {
			o.PingTimeout = opts[0].PingTimeout
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	// the registry sees one write per transfer, a handful of connections is plenty
	cfg.MaxConns = o.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: create pool: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, o.PingTimeout)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return pool, nil
}
