package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

const targetColumns = `id, name, kind, active, url, secret, event_types, signature_validation,
	signature_header, auth, default_headers, timeout_ms, max_retries, base_delay_ms,
	health_check_url, channel, rate_limit`

// targetRow mirrors harborrelay.targets.
type targetRow struct {
	ID                  string
	Name                string
	Kind                string
	Active              bool
	URL                 string
	Secret              string
	EventTypes          []string
	SignatureValidation bool
	SignatureHeader     string
	Auth                []byte
	DefaultHeaders      []byte
	TimeoutMS           int64
	MaxRetries          *int32
	BaseDelayMS         *int64
	HealthCheckURL      string
	Channel             string
	RateLimit           []byte
}

func (r *targetRow) dest() []any {
	return []any{
		&r.ID, &r.Name, &r.Kind, &r.Active, &r.URL, &r.Secret, &r.EventTypes,
		&r.SignatureValidation, &r.SignatureHeader, &r.Auth, &r.DefaultHeaders,
		&r.TimeoutMS, &r.MaxRetries, &r.BaseDelayMS, &r.HealthCheckURL, &r.Channel,
		&r.RateLimit,
	}
}

func (r targetRow) target() (delivery.Target, error) {
	t := delivery.Target{
		ID:                  r.ID,
		Name:                r.Name,
		Kind:                delivery.TargetKind(r.Kind),
		Active:              r.Active,
		URL:                 r.URL,
		Secret:              r.Secret,
		EventTypes:          r.EventTypes,
		SignatureValidation: r.SignatureValidation,
		SignatureHeader:     r.SignatureHeader,
		Timeout:             time.Duration(r.TimeoutMS) * time.Millisecond,
		HealthCheckURL:      r.HealthCheckURL,
		Channel:             r.Channel,
	}
	if len(r.Auth) > 0 {
		if err := json.Unmarshal(r.Auth, &t.Auth); err != nil {
			return delivery.Target{}, fmt.Errorf("decode auth: %w", err)
		}
	}
	if len(r.DefaultHeaders) > 0 {
		if err := json.Unmarshal(r.DefaultHeaders, &t.DefaultHeaders); err != nil {
			return delivery.Target{}, fmt.Errorf("decode default headers: %w", err)
		}
	}
	if len(r.RateLimit) > 0 && string(r.RateLimit) != "null" {
		t.RateLimit = &delivery.RateLimit{}
		if err := json.Unmarshal(r.RateLimit, t.RateLimit); err != nil {
			return delivery.Target{}, fmt.Errorf("decode rate limit: %w", err)
		}
	}
	if r.MaxRetries != nil {
		n := int(*r.MaxRetries)
		t.MaxRetries = &n
	}
	if r.BaseDelayMS != nil {
		d := time.Duration(*r.BaseDelayMS) * time.Millisecond
		t.BaseDelay = &d
	}
	return t, nil
}

func rowFromTarget(t delivery.Target) (targetRow, error) {
	r := targetRow{
		ID:                  t.ID,
		Name:                t.Name,
		Kind:                string(t.Kind),
		Active:              t.Active,
		URL:                 t.URL,
		Secret:              t.Secret,
		EventTypes:          t.EventTypes,
		SignatureValidation: t.SignatureValidation,
		SignatureHeader:     t.SignatureHeader,
		TimeoutMS:           t.Timeout.Milliseconds(),
		HealthCheckURL:      t.HealthCheckURL,
		Channel:             t.Channel,
	}
	if r.Kind == "" {
		r.Kind = string(delivery.KindWebhook)
	}
	if r.EventTypes == nil {
		r.EventTypes = []string{}
	}
	var err error
	if r.Auth, err = json.Marshal(t.Auth); err != nil {
		return targetRow{}, fmt.Errorf("encode auth: %w", err)
	}
	headers := t.DefaultHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	if r.DefaultHeaders, err = json.Marshal(headers); err != nil {
		return targetRow{}, fmt.Errorf("encode default headers: %w", err)
	}
	if t.RateLimit != nil {
		if r.RateLimit, err = json.Marshal(t.RateLimit); err != nil {
			return targetRow{}, fmt.Errorf("encode rate limit: %w", err)
		}
	}
	if t.MaxRetries != nil {
		n := int32(*t.MaxRetries)
		r.MaxRetries = &n
	}
	if t.BaseDelay != nil {
		ms := t.BaseDelay.Milliseconds()
		r.BaseDelayMS = &ms
	}
	return r, nil
}

func (s *Store) GetTarget(ctx context.Context, id string) (delivery.Target, error) {
	var r targetRow
	err := s.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM harborrelay.targets WHERE id=$1`, id).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Target{}, fmt.Errorf("target %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return delivery.Target{}, fmt.Errorf("get target %s: %w", id, err)
	}
	return r.target()
}

func (s *Store) ListActiveTargets(ctx context.Context, eventType string) ([]delivery.Target, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+targetColumns+`
		FROM harborrelay.targets
		WHERE active AND ($1 = ANY(event_types) OR '*' = ANY(event_types))
		ORDER BY id`, eventType)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []delivery.Target
	for rows.Next() {
		var r targetRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t, err := r.target()
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", r.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) PutTarget(ctx context.Context, t delivery.Target) error {
	if t.ID == "" {
		return fmt.Errorf("put target: missing id")
	}
	r, err := rowFromTarget(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO harborrelay.targets (`+targetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, kind=EXCLUDED.kind, active=EXCLUDED.active, url=EXCLUDED.url,
			secret=EXCLUDED.secret, event_types=EXCLUDED.event_types,
			signature_validation=EXCLUDED.signature_validation,
			signature_header=EXCLUDED.signature_header, auth=EXCLUDED.auth,
			default_headers=EXCLUDED.default_headers, timeout_ms=EXCLUDED.timeout_ms,
			max_retries=EXCLUDED.max_retries, base_delay_ms=EXCLUDED.base_delay_ms,
			health_check_url=EXCLUDED.health_check_url, channel=EXCLUDED.channel,
			rate_limit=EXCLUDED.rate_limit, updated_at=NOW()`,
		r.ID, r.Name, r.Kind, r.Active, r.URL, r.Secret, r.EventTypes,
		r.SignatureValidation, r.SignatureHeader, r.Auth, r.DefaultHeaders,
		r.TimeoutMS, r.MaxRetries, r.BaseDelayMS, r.HealthCheckURL, r.Channel, r.RateLimit,
	)
	if err != nil {
		return fmt.Errorf("upsert target %s: %w", t.ID, err)
	}
	return nil
}
