// Package queue implements the channel x priority notification queue with
// delayed (scheduled) delivery.
//
// Each (channel, priority) partition is FIFO. Entries whose ScheduledAt is in
// the future wait in a time-ordered store until PromoteScheduled moves them
// to their ready partition. Dequeue is at-most-once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// Priority of a queue entry.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities in drain order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

var (
	ErrInvalidPriority = errors.New("invalid priority")
	ErrMissingChannel  = errors.New("missing channel")

	// ErrFull is returned by EnqueueBounded when the ready partition is at
	// its limit.
	ErrFull = errors.New("partition full")
)

// ParsePriority accepts high, normal or low; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// Entry is one queued logical delivery.
type Entry struct {
	ID           string            `json:"id"`
	Channel      string            `json:"channel"`
	Priority     Priority          `json:"priority"`
	TargetID     string            `json:"target_id,omitempty"`
	Payload      delivery.Payload  `json:"payload"`
	ScheduledAt  time.Time         `json:"scheduled_at,omitzero"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Queue is implemented by Memory and Redis.
type Queue interface {
	// Enqueue stores e and returns it with ID and EnqueuedAt filled in. A
	// ScheduledAt in the future parks the entry; otherwise it is ready.
	Enqueue(ctx context.Context, e Entry) (Entry, error)

	// EnqueueBounded is Enqueue that fails with ErrFull when the entry's
	// ready partition already holds limit entries. The check and the insert
	// are one atomic step. limit <= 0 means unbounded.
	EnqueueBounded(ctx context.Context, e Entry, limit int) (Entry, error)

	// Dequeue pops the oldest ready entry of the partition. ok is false when
	// the partition is empty.
	Dequeue(ctx context.Context, channel string, priority Priority) (e Entry, ok bool, err error)

	// PromoteScheduled moves every parked entry due at or before now to its
	// ready partition and returns how many this call moved.
	PromoteScheduled(ctx context.Context, now time.Time) (int, error)

	// Len is the number of ready entries in a partition.
	Len(ctx context.Context, channel string, priority Priority) (int, error)

	// ScheduledLen is the number of parked entries across all channels.
	ScheduledLen(ctx context.Context) (int, error)
}

// prepare validates e and fills generated fields.
func prepare(e Entry, now time.Time) (Entry, error) {
	if e.Channel == "" {
		return Entry{}, ErrMissingChannel
	}
	p, err := ParsePriority(string(e.Priority))
	if err != nil {
		return Entry{}, err
	}
	e.Priority = p
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = now.UTC()
	}
	return e, nil
}

// isParked reports whether e must wait in the scheduled store.
func isParked(e Entry, now time.Time) bool {
	return !e.ScheduledAt.IsZero() && e.ScheduledAt.After(now)
}

// ChannelLen sums the ready entries of every priority of a channel.
func ChannelLen(ctx context.Context, q Queue, channel string) (int, error) {
	total := 0
	for _, p := range Priorities {
		n, err := q.Len(ctx, channel, p)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
