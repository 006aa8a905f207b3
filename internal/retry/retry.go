// Package retry wraps the executor with bounded exponential backoff.
//
// Attempts run sequentially: attempt 0 immediately, then attempt i (i >= 1)
// after sleeping BaseDelay * 2^(i-1). A 2xx stops the sequence; configuration
// and serialization faults stop it without retrying.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Executor is the single-attempt dependency; *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, target delivery.Target, p delivery.Payload, opts executor.Options) executor.Result
}

// Config holds system defaults. Zero MaxRetries is a valid setting, so use
// DefaultConfig as the starting point.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration // 0 means uncapped
	Jitter     float64       // fraction in [0,1); 0 disables jitter
	MaxElapsed time.Duration // 0 means unbounded
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
	}
}

// Overrides are per-call settings; they win over the target configuration,
// which wins over Config.
type Overrides struct {
	MaxRetries *int
	BaseDelay  *time.Duration
	DeliveryID string
	Timeout    time.Duration // per-attempt timeout
}

// Outcome is the final result of a retry sequence.
type Outcome struct {
	Success  bool
	Attempts int
	Last     executor.Result
	Elapsed  time.Duration
	// Err is set when the sequence was cut short by ctx (cancellation or the
	// MaxElapsed deadline).
	Err error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy executes retry sequences. Safe for concurrent use.
type Policy struct {
	exec  Executor
	cfg   Config
	sleep SleepFunc
	rand  func() float64
	now   func() time.Time
}

type Option func(*Policy)

// WithSleep replaces the ctx-aware timer sleep.
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) { p.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option {
	return func(p *Policy) { p.rand = fn }
}

func New(exec Executor, cfg Config, opts ...Option) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	p := &Policy{
		exec:  exec,
		cfg:   cfg,
		sleep: Sleep,
		rand:  rand.Float64,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resolve applies override > target > default precedence.
func (p *Policy) Resolve(target delivery.Target, o Overrides) (maxRetries int, baseDelay time.Duration) {
	maxRetries, baseDelay = p.cfg.MaxRetries, p.cfg.BaseDelay
	if target.MaxRetries != nil && *target.MaxRetries >= 0 {
		maxRetries = *target.MaxRetries
	}
	if target.BaseDelay != nil && *target.BaseDelay > 0 {
		baseDelay = *target.BaseDelay
	}
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		maxRetries = *o.MaxRetries
	}
	if o.BaseDelay != nil && *o.BaseDelay > 0 {
		baseDelay = *o.BaseDelay
	}
	return maxRetries, baseDelay
}

// Delay is the sleep after the given 0-based attempt: base * 2^attempt,
// capped by MaxDelay and then jittered by +/- Jitter.
func (p *Policy) Delay(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if p.cfg.MaxDelay > 0 && d > float64(p.cfg.MaxDelay) {
		d = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter > 0 {
		d *= 1 + (p.rand()*2-1)*p.cfg.Jitter
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExecuteWithRetry runs up to maxRetries+1 attempts. It never returns an
// error for ordinary delivery failures; inspect Outcome.
func (p *Policy) ExecuteWithRetry(ctx context.Context, target delivery.Target, payload delivery.Payload, o Overrides) Outcome {
	maxRetries, baseDelay := p.Resolve(target, o)

	ctx, span := tracing.StartSpan(ctx, "retry.sequence",
		attribute.String("target_id", target.ID),
		attribute.String("delivery_id", o.DeliveryID),
		attribute.Int("max_retries", maxRetries),
	)
	defer span.End()

	if p.cfg.MaxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.MaxElapsed)
		defer cancel()
	}

	start := p.now()
	var out Outcome
	defer func() {
		span.SetAttributes(
			attribute.Int("attempts", out.Attempts),
			attribute.Bool("success", out.Success),
		)
	}()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		res := p.exec.Execute(ctx, target, payload, executor.Options{
			DeliveryID: o.DeliveryID,
			Attempt:    attempt,
			Timeout:    o.Timeout,
		})
		out.Attempts = attempt + 1
		out.Last = res
		out.Elapsed = p.now().Sub(start)

		if res.Success() {
			out.Success = true
			return out
		}
		if !Retryable(res) || attempt == maxRetries {
			return out
		}

		delay := p.Delay(attempt, baseDelay)
		reason := executor.Classify(res)
		metrics.RecordRetry(reason)
		tracing.AddSpanEvent(ctx, "retry.scheduled",
			attribute.Int("attempt", attempt+1),
			attribute.String("delay", delay.String()),
			attribute.String("reason", reason),
		)
		if err := p.sleep(ctx, delay); err != nil {
			out.Err = err
			out.Elapsed = p.now().Sub(start)
			return out
		}
	}
	return out
}

// Retryable reports whether another attempt could change the result.
// Every HTTP status and transport fault is retryable; faults in the target
// configuration or payload are not.
func Retryable(r executor.Result) bool {
	switch r.Kind {
	case delivery.ErrorConfiguration, delivery.ErrorSerialization:
		return false
	}
	return !r.Success()
}
