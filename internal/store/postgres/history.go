package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

func (s *Store) AppendAttempt(ctx context.Context, a delivery.Attempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO harborrelay.delivery_attempts
			(id, delivery_id, target_id, correlation_id, attempt, request, http_status,
			 response_body, error, error_kind, duration_ms, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.DeliveryID, a.TargetID, a.CorrelationID, a.Number, a.Request, a.HTTPStatus,
		a.ResponseBody, a.Error, string(a.ErrorKind), a.Duration.Milliseconds(), a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *Store) QueryAttempts(ctx context.Context, targetID string, limit int) ([]delivery.Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, delivery_id, target_id, correlation_id, attempt, request, http_status,
		       response_body, error, error_kind, duration_ms, attempted_at
		FROM harborrelay.delivery_attempts
		WHERE $1::text = '' OR target_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2`, targetID, store.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a          delivery.Attempt
			kind       string
			durationMS int64
		)
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.TargetID, &a.CorrelationID, &a.Number,
			&a.Request, &a.HTTPStatus, &a.ResponseBody, &a.Error, &kind, &durationMS,
			&a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ErrorKind = delivery.ErrorKind(kind)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) RecordDelivery(ctx context.Context, r delivery.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO harborrelay.deliveries
			(delivery_id, target_id, provider, channel, event_type, status, reason, attempts,
			 http_status, last_error, duration_ms, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (delivery_id) DO UPDATE SET
			target_id=EXCLUDED.target_id, provider=EXCLUDED.provider, channel=EXCLUDED.channel,
			event_type=EXCLUDED.event_type, status=EXCLUDED.status, reason=EXCLUDED.reason,
			attempts=EXCLUDED.attempts, http_status=EXCLUDED.http_status,
			last_error=EXCLUDED.last_error, duration_ms=EXCLUDED.duration_ms,
			started_at=EXCLUDED.started_at, finished_at=EXCLUDED.finished_at`,
		r.DeliveryID, r.TargetID, r.Provider, r.Channel, r.EventType, string(r.Status), r.Reason,
		r.Attempts, r.HTTPStatus, r.LastError, r.Duration.Milliseconds(), r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert delivery %s: %w", r.DeliveryID, err)
	}
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, targetID string, limit int) ([]delivery.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT delivery_id, target_id, provider, channel, event_type, status, reason, attempts,
		       http_status, last_error, duration_ms, started_at, finished_at
		FROM harborrelay.deliveries
		WHERE $1::text = '' OR target_id = $1
		ORDER BY finished_at DESC
		LIMIT $2`, targetID, store.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []delivery.Record
	for rows.Next() {
		var (
			r          delivery.Record
			status     string
			durationMS int64
		)
		if err := rows.Scan(&r.DeliveryID, &r.TargetID, &r.Provider, &r.Channel, &r.EventType,
			&status, &r.Reason, &r.Attempts, &r.HTTPStatus, &r.LastError, &durationMS,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		r.Status = delivery.Status(status)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
