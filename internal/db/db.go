package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes the pool built by Connect.
type Options struct {
	MaxConns    int32
	PingTimeout time.Duration
}

// DefaultOptions are used for any zero field in the Options passed to Connect.
var DefaultOptions = Options{
	MaxConns:    10,
	PingTimeout: 5 * time.Second,
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = DefaultOptions.MaxConns
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultOptions.PingTimeout
	}
	return o
}

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, opts ...Options) (*pgxpool.Pool, error) {
	o := DefaultOptions
	if len(opts) > 0 {
		o = opts[0].withDefaults()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = o.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, o.PingTimeout)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
