// Package memory provides in-process ConfigStore and HistoryStore
// implementations for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// Store keeps targets, attempts and records in memory.
type Store struct {
	mu         sync.RWMutex
	targets    map[string]delivery.Target
	attempts   []delivery.Attempt
	deliveries []delivery.Record
	index      map[string]int // delivery id -> position in deliveries

	// Fail, when set, is returned by every history write.
	Fail error
}

func New(targets ...delivery.Target) *Store {
	s := &Store{
		targets: make(map[string]delivery.Target),
		index:   make(map[string]int),
	}
	for _, t := range targets {
		s.targets[t.ID] = t
	}
	return s
}

func (s *Store) PutTarget(_ context.Context, t delivery.Target) error {
	if t.ID == "" {
		return fmt.Errorf("put target: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
	return nil
}

func (s *Store) GetTarget(_ context.Context, id string) (delivery.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return delivery.Target{}, fmt.Errorf("target %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListActiveTargets(_ context.Context, eventType string) ([]delivery.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []delivery.Target
	for _, id := range slices.Sorted(maps.Keys(s.targets)) {
		t := s.targets[id]
		if t.Active && t.Subscribed(eventType) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) AppendAttempt(_ context.Context, a delivery.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) QueryAttempts(_ context.Context, targetID string, limit int) ([]delivery.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = store.Limit(limit)
	var out []delivery.Attempt
	for i := len(s.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		if targetID == "" || s.attempts[i].TargetID == targetID {
			out = append(out, s.attempts[i])
		}
	}
	return out, nil
}

func (s *Store) RecordDelivery(_ context.Context, r delivery.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if i, ok := s.index[r.DeliveryID]; ok {
		s.deliveries[i] = r
		return nil
	}
	s.index[r.DeliveryID] = len(s.deliveries)
	s.deliveries = append(s.deliveries, r)
	return nil
}

func (s *Store) ListDeliveries(_ context.Context, targetID string, limit int) ([]delivery.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = store.Limit(limit)
	var out []delivery.Record
	for i := len(s.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if targetID == "" || s.deliveries[i].TargetID == targetID {
			out = append(out, s.deliveries[i])
		}
	}
	return out, nil
}

// AttemptsFor returns the attempts of one logical delivery in the order
// they were made.
func (s *Store) AttemptsFor(deliveryID string) []delivery.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []delivery.Attempt
	for _, a := range s.attempts {
		if a.DeliveryID == deliveryID {
			out = append(out, a)
		}
	}
	return out
}

// Record returns the stored record of a delivery.
func (s *Store) Record(deliveryID string) (delivery.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[deliveryID]
	if !ok {
		return delivery.Record{}, false
	}
	return s.deliveries[i], true
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
