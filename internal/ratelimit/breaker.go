package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerStatus is the breaker state for one target.
type BreakerStatus struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	// Unavailable is set when the store could not be read. State is then
	// reported as closed so that deliveries are not blocked.
	Unavailable bool `json:"unavailable,omitempty"`
}

// Blocks reports whether the breaker rejects deliveries.
func (s BreakerStatus) Blocks() bool { return s.State == StateOpen }

const (
	fieldState       = "state"
	fieldFailures    = "failures"
	fieldLastFailure = "last_failure"
)

func breakerKey(targetID string) string { return "cb:" + targetID }

func parseBreaker(h map[string]string) BreakerStatus {
	st := BreakerStatus{State: StateClosed}
	if s := State(h[fieldState]); s == StateOpen || s == StateHalfOpen {
		st.State = s
	}
	st.FailureCount, _ = strconv.Atoi(h[fieldFailures])
	if ms, err := strconv.ParseInt(h[fieldLastFailure], 10, 64); err == nil && ms > 0 {
		st.LastFailure = time.UnixMilli(ms)
	}
	return st
}

func (s BreakerStatus) hash() map[string]string {
	h := map[string]string{
		fieldState:    string(s.State),
		fieldFailures: strconv.Itoa(s.FailureCount),
	}
	if !s.LastFailure.IsZero() {
		h[fieldLastFailure] = strconv.FormatInt(s.LastFailure.UnixMilli(), 10)
	}
	return h
}

// CheckCircuitBreaker returns the breaker state for targetID. An open breaker
// whose last failure is older than recovery is atomically moved to half-open.
// threshold is unused: a check never opens a breaker, only RecordFailure does.
func (l *Limiter) CheckCircuitBreaker(ctx context.Context, targetID string, threshold int, recovery time.Duration) (BreakerStatus, error) {
	now := l.now()
	var status BreakerStatus
	_, err := l.store.MutateHash(ctx, breakerKey(targetID), 0, func(cur map[string]string) (map[string]string, bool) {
		status = parseBreaker(cur)
		if status.State == StateOpen && now.Sub(status.LastFailure) > recovery {
			status.State = StateHalfOpen
			return status.hash(), true
		}
		return cur, false
	})
	if err != nil {
		return l.breakerUnavailable(ctx, targetID, err)
	}
	setBreakerGauge(targetID, status.State)
	return status, nil
}

// RecordSuccess closes the breaker and clears its failure history.
func (l *Limiter) RecordSuccess(ctx context.Context, targetID string) (BreakerStatus, error) {
	status := BreakerStatus{State: StateClosed}
	_, err := l.store.MutateHash(ctx, breakerKey(targetID), 0, func(map[string]string) (map[string]string, bool) {
		return status.hash(), true
	})
	if err != nil {
		return l.breakerUnavailable(ctx, targetID, err)
	}
	setBreakerGauge(targetID, status.State)
	return status, nil
}

// RecordFailure counts a terminal failure. The breaker opens once the count
// reaches threshold, or immediately when the failure happened half-open.
func (l *Limiter) RecordFailure(ctx context.Context, targetID string, threshold int) (BreakerStatus, error) {
	now := l.now()
	var status BreakerStatus
	_, err := l.store.MutateHash(ctx, breakerKey(targetID), 0, func(cur map[string]string) (map[string]string, bool) {
		status = parseBreaker(cur)
		status.FailureCount++
		status.LastFailure = now
		if status.State == StateHalfOpen || status.FailureCount >= threshold {
			status.State = StateOpen
		}
		return status.hash(), true
	})
	if err != nil {
		return l.breakerUnavailable(ctx, targetID, err)
	}
	setBreakerGauge(targetID, status.State)
	return status, nil
}

func (l *Limiter) breakerUnavailable(ctx context.Context, targetID string, err error) (BreakerStatus, error) {
	l.logger.WithContext(ctx).
		WithTarget(targetID).
		WithError(err).
		Warn("circuit breaker store unavailable, assuming closed")
	return BreakerStatus{State: StateClosed, Unavailable: true},
		fmt.Errorf("breaker %s: %w: %w", targetID, ErrStoreUnavailable, err)
}

func setBreakerGauge(targetID string, s State) {
	switch s {
	case StateOpen:
		metrics.SetBreakerState(targetID, metrics.BreakerOpen)
	case StateHalfOpen:
		metrics.SetBreakerState(targetID, metrics.BreakerHalfOpen)
	default:
		metrics.SetBreakerState(targetID, metrics.BreakerClosed)
	}
}
