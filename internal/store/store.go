// Package store defines the persistence boundaries of the relay: target
// configuration and delivery history.
package store

import (
	"context"
	"errors"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var ErrNotFound = errors.New("not found")

// DefaultLimit applies when a history query passes limit <= 0.
const DefaultLimit = 100

// ConfigStore reads target configuration.
type ConfigStore interface {
	GetTarget(ctx context.Context, id string) (delivery.Target, error)
	// ListActiveTargets returns active targets subscribed to eventType,
	// ordered by id.
	ListActiveTargets(ctx context.Context, eventType string) ([]delivery.Target, error)
}

// TargetWriter is implemented by stores that accept target upserts.
type TargetWriter interface {
	PutTarget(ctx context.Context, t delivery.Target) error
}

// HistoryStore persists attempts and final delivery records. Queries return
// newest first; an empty targetID matches every target.
type HistoryStore interface {
	AppendAttempt(ctx context.Context, a delivery.Attempt) error
	QueryAttempts(ctx context.Context, targetID string, limit int) ([]delivery.Attempt, error)
	// RecordDelivery upserts by DeliveryID.
	RecordDelivery(ctx context.Context, r delivery.Record) error
	ListDeliveries(ctx context.Context, targetID string, limit int) ([]delivery.Record, error)
}

// Limit normalizes a caller supplied limit.
func Limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}
