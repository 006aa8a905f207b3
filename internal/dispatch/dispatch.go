// Package dispatch orchestrates admission control, retries, breaker
// learning, delivery history, queueing and broadcast.
//
// A logical delivery moves pending -> attempting -> delivered | exhausted,
// or pending -> scheduled -> attempting -> ... when it goes through the
// queue. Admission failures end in denied and permanent faults in rejected.
// The circuit breaker is checked once before the retry sequence and updated
// once after it.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/deadletter"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/retry"
	"github.com/austindbirch/harbor_relay/internal/store"
)

var (
	// ErrQueueFull is returned by Enqueue when the partition is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrNoTarget is returned when neither the caller nor the channel
	// mapping names a target.
	ErrNoTarget = errors.New("no target for channel")

	// ErrNoQueue is returned by queue operations on a Service built without one.
	ErrNoQueue = errors.New("queue not configured")
)

const (
	DefaultBroadcastConcurrency = 16
	DefaultBreakerThreshold     = 5
	DefaultBreakerRecovery      = 30 * time.Second
)

// Admission is the rate limit and circuit breaker surface; *ratelimit.Limiter
// satisfies it.
type Admission interface {
	Check(ctx context.Context, algorithm, key string, window time.Duration, maxRequests int) (ratelimit.Result, error)
	CheckCircuitBreaker(ctx context.Context, targetID string, threshold int, recovery time.Duration) (ratelimit.BreakerStatus, error)
	RecordSuccess(ctx context.Context, targetID string) (ratelimit.BreakerStatus, error)
	RecordFailure(ctx context.Context, targetID string, threshold int) (ratelimit.BreakerStatus, error)
}

// Retrier runs a retry sequence; *retry.Policy satisfies it.
type Retrier interface {
	ExecuteWithRetry(ctx context.Context, target delivery.Target, p delivery.Payload, o retry.Overrides) retry.Outcome
}

// Prober checks target reachability; *executor.Executor satisfies it.
type Prober interface {
	Probe(ctx context.Context, target delivery.Target) executor.ProbeResult
}

// Config tunes a Service.
type Config struct {
	BreakerThreshold     int
	BreakerRecovery      time.Duration
	BroadcastConcurrency int
	MaxQueueLength       int               // per channel+priority; 0 disables the check
	ChannelTargets       map[string]string // channel -> default target id
	PublishDLQ           bool
}

// ConfigFrom maps the environment configuration onto a dispatch Config.
func ConfigFrom(c config.Config) Config {
	return Config{
		BreakerThreshold:     c.Dispatch.BreakerThreshold,
		BreakerRecovery:      c.Dispatch.BreakerRecovery,
		BroadcastConcurrency: c.Dispatch.BroadcastConcurrency,
		MaxQueueLength:       c.Dispatch.MaxQueueLength,
		ChannelTargets:       c.Dispatch.ChannelTargets,
		PublishDLQ:           c.NSQ.PublishDLQ,
	}
}

func (c Config) withDefaults() Config {
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerRecovery <= 0 {
		c.BreakerRecovery = DefaultBreakerRecovery
	}
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = DefaultBroadcastConcurrency
	}
	return c
}

// Deps are the collaborators of a Service. Queue, DeadLetters and Prober may
// be nil.
type Deps struct {
	Targets     store.ConfigStore
	History     store.HistoryStore
	Admission   Admission
	Retrier     Retrier
	Queue       queue.Queue
	DeadLetters deadletter.Publisher
	Prober      Prober
}

// Service is safe for concurrent use.
type Service struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	now    func() time.Time
	pacer  *rate.Limiter
}

type Option func(*Service)

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now for scheduling decisions and records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDrainRate paces queue drains to perSec entries per second.
func WithDrainRate(perSec float64, burst int) Option {
	return func(s *Service) {
		if perSec <= 0 {
			s.pacer = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.pacer = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

func New(cfg Config, deps Deps, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: logging.New("harborrelay-dispatch"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendOptions are per-call parameters of a logical delivery.
type SendOptions struct {
	DeliveryID string // generated when empty
	MaxRetries *int
	BaseDelay  *time.Duration
	Timeout    time.Duration // per attempt
	Channel    string        // recorded in history
	QueueID    string        // set when the delivery came from the queue
}

// ProbeTarget looks up a target and checks its health endpoint.
func (s *Service) ProbeTarget(ctx context.Context, targetID string) (executor.ProbeResult, error) {
	if s.deps.Prober == nil {
		return executor.ProbeResult{}, errors.New("prober not configured")
	}
	t, err := s.deps.Targets.GetTarget(ctx, targetID)
	if err != nil {
		return executor.ProbeResult{}, err
	}
	return s.deps.Prober.Probe(ctx, t), nil
}
