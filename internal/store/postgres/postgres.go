// Package postgres implements the target and history stores on PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of *pgxpool.Pool used by Store.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.ConfigStore, store.TargetWriter and
// store.HistoryStore.
type Store struct {
	db DBTX
}

func New(db DBTX) *Store {
	return &Store{db: db}
}

const schema = `
CREATE SCHEMA IF NOT EXISTS harborrelay;

CREATE TABLE IF NOT EXISTS harborrelay.targets (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	kind                 TEXT NOT NULL DEFAULT 'webhook',
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	url                  TEXT NOT NULL,
	secret               TEXT NOT NULL DEFAULT '',
	event_types          TEXT[] NOT NULL DEFAULT '{}',
	signature_validation BOOLEAN NOT NULL DEFAULT FALSE,
	signature_header     TEXT NOT NULL DEFAULT '',
	auth                 JSONB NOT NULL DEFAULT '{}',
	default_headers      JSONB NOT NULL DEFAULT '{}',
	timeout_ms           BIGINT NOT NULL DEFAULT 0,
	max_retries          INT,
	base_delay_ms        BIGINT,
	health_check_url     TEXT NOT NULL DEFAULT '',
	channel              TEXT NOT NULL DEFAULT '',
	rate_limit           JSONB,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS harborrelay.delivery_attempts (
	id             TEXT PRIMARY KEY,
	delivery_id    TEXT NOT NULL,
	target_id      TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	attempt        INT NOT NULL,
	request        BYTEA,
	http_status    INT NOT NULL DEFAULT 0,
	response_body  TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	attempted_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS harborrelay.deliveries (
	delivery_id TEXT PRIMARY KEY,
	target_id   TEXT NOT NULL,
	provider    TEXT NOT NULL DEFAULT '',
	channel     TEXT NOT NULL DEFAULT '',
	event_type  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL CHECK (status IN ('pending', 'scheduled', 'attempting', 'delivered', 'exhausted', 'denied', 'rejected', 'queued')),
	reason      TEXT NOT NULL DEFAULT '',
	attempts    INT NOT NULL DEFAULT 0,
	http_status INT NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_targets_active ON harborrelay.targets(active);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_target ON harborrelay.delivery_attempts(target_id, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_delivery ON harborrelay.delivery_attempts(delivery_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_target ON harborrelay.deliveries(target_id, finished_at DESC);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
