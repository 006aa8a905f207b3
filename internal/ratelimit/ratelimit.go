// Package ratelimit implements fixed-window and sliding-window admission
// counters plus a per-target circuit breaker, all backed by a shared
// counter.Store so that every relay instance sees the same state.
//
// Every check hits the store. A store failure is reported as OutcomeUnavailable
// together with an error wrapping ErrStoreUnavailable; it is never reported as
// allowed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/counter"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// ErrStoreUnavailable wraps every error caused by the backing store.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// ErrInvalidWindow is returned for non-positive windows.
var ErrInvalidWindow = errors.New("rate limit window must be positive")

// DefaultGrace is added to every key TTL so a window's counter outlives the
// window itself.
const DefaultGrace = time.Second

// Algorithm names as configured on a target.
const (
	AlgorithmFixed   = "fixed"
	AlgorithmSliding = "sliding"
)

// Outcome of a rate limit check.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeDenied      Outcome = "denied"
	OutcomeUnavailable Outcome = "unavailable"
)

// Result describes a rate limit decision.
type Result struct {
	Outcome       Outcome   `json:"outcome"`
	Allowed       bool      `json:"allowed"`
	Remaining     int       `json:"remaining"`
	ResetAt       time.Time `json:"reset_at"`
	TotalInWindow int       `json:"total_in_window"`
}

// Limiter evaluates rate limits and breaker state against a counter.Store.
type Limiter struct {
	store  counter.Store
	now    func() time.Time
	grace  time.Duration
	logger *logging.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(l *Limiter) { l.grace = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func New(store counter.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		grace:  DefaultGrace,
		logger: logging.New("harborrelay-ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check dispatches to the algorithm named by algorithm. Unknown names use the
// fixed window.
func (l *Limiter) Check(ctx context.Context, algorithm, key string, window time.Duration, maxRequests int) (Result, error) {
	if algorithm == AlgorithmSliding {
		return l.CheckSlidingWindow(ctx, key, window, maxRequests)
	}
	return l.CheckFixedWindow(ctx, key, window, maxRequests)
}

// CheckFixedWindow counts the request in the window containing now and
// reports whether the running total is within maxRequests. The increment happens
// whether or not the caller proceeds.
func (l *Limiter) CheckFixedWindow(ctx context.Context, key string, window time.Duration, maxRequests int) (Result, error) {
	if window <= 0 {
		return Result{}, ErrInvalidWindow
	}
	nowMs := l.now().UnixMilli()
	windowMs := window.Milliseconds()
	if windowMs == 0 {
		windowMs = 1
	}
	start := nowMs / windowMs * windowMs
	resetAt := time.UnixMilli(start + windowMs)

	total, err := l.store.Incr(ctx, fmt.Sprintf("rl:fixed:%s:%d", key, start), window+l.grace)
	if err != nil {
		return l.unavailable(ctx, AlgorithmFixed, key, resetAt, err)
	}

	res := Result{
		Allowed:       total <= int64(maxRequests),
		Remaining:     remaining(maxRequests, total),
		ResetAt:       resetAt,
		TotalInWindow: int(total),
	}
	return l.decide(AlgorithmFixed, res), nil
}

// CheckSlidingWindow evicts timestamps older than now-window, evaluates the
// bound against what remains, then records the current request regardless of
// the decision.
func (l *Limiter) CheckSlidingWindow(ctx context.Context, key string, window time.Duration, maxRequests int) (Result, error) {
	if window <= 0 {
		return Result{}, ErrInvalidWindow
	}
	now := l.now()
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	resetAt := now.Add(window)

	count, err := l.store.SlideAndAdd(ctx, "rl:sliding:"+key,
		float64(nowMs-window.Milliseconds()), float64(nowMs), member, window+l.grace)
	if err != nil {
		return l.unavailable(ctx, AlgorithmSliding, key, resetAt, err)
	}

	total := count + 1
	res := Result{
		Allowed:       count < int64(maxRequests),
		Remaining:     remaining(maxRequests, total),
		ResetAt:       resetAt,
		TotalInWindow: int(total),
	}
	return l.decide(AlgorithmSliding, res), nil
}

func (l *Limiter) decide(algorithm string, res Result) Result {
	if res.Allowed {
		res.Outcome = OutcomeAllowed
	} else {
		res.Outcome = OutcomeDenied
	}
	metrics.RecordRateLimit(algorithm, string(res.Outcome))
	return res
}

func (l *Limiter) unavailable(ctx context.Context, algorithm, key string, resetAt time.Time, err error) (Result, error) {
	metrics.RecordRateLimit(algorithm, string(OutcomeUnavailable))
	l.logger.WithContext(ctx).
		WithField("key", key).
		WithField("algorithm", algorithm).
		WithError(err).
		Warn("rate limit store unavailable")
	return Result{Outcome: OutcomeUnavailable, ResetAt: resetAt},
		fmt.Errorf("%s window %s: %w: %w", algorithm, key, ErrStoreUnavailable, err)
}

func remaining(maxRequests int, total int64) int {
	r := int64(maxRequests) - total
	if r < 0 {
		return 0
	}
	return int(r)
}
