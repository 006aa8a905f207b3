package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/retry"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// rateLimitKey namespaces per-target admission counters.
func rateLimitKey(targetID string) string { return "target:" + targetID }

// Send resolves targetID and delivers p to it. An unknown target is a
// permanent rejection, recorded like any other terminal outcome.
func (s *Service) Send(ctx context.Context, targetID string, p delivery.Payload, opts SendOptions) (delivery.Outcome, error) {
	target, err := s.deps.Targets.GetTarget(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		d := s.begin(ctx, delivery.Target{ID: targetID}, p, opts)
		return d.finish(ctx, delivery.StatusRejected, delivery.ReasonTargetNotFound, nil)
	}
	if err != nil {
		return delivery.Outcome{TargetID: targetID}, fmt.Errorf("load target %s: %w", targetID, err)
	}
	return s.SendImmediate(ctx, target, p, opts)
}

// SendImmediate runs one logical delivery to target: permanent checks, rate
// limit admission, one breaker check, the retry sequence, one breaker update,
// the history record and, on exhaustion, a dead letter.
//
// Ordinary delivery failures are reported in the Outcome. The error is
// non-nil only for infrastructure faults (counter or history store), in which
// case the Outcome is still valid.
func (s *Service) SendImmediate(ctx context.Context, target delivery.Target, p delivery.Payload, opts SendOptions) (delivery.Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.send",
		attribute.String("target_id", target.ID),
		attribute.String("event_type", p.EventType),
	)
	defer span.End()

	d := s.begin(ctx, target, p, opts)
	span.SetAttributes(attribute.String("delivery_id", d.rec.DeliveryID))

	if !target.Active {
		return d.finish(ctx, delivery.StatusRejected, delivery.ReasonTargetInactive, nil)
	}
	if p.EventType != "" && len(target.EventTypes) > 0 && !target.Subscribed(p.EventType) {
		return d.finish(ctx, delivery.StatusRejected, delivery.ReasonNotSubscribed, nil)
	}

	if rl := target.RateLimit; rl != nil && rl.MaxRequests > 0 {
		res, err := s.deps.Admission.Check(ctx, rl.Algorithm, rateLimitKey(target.ID), rl.Window, rl.MaxRequests)
		switch {
		case errors.Is(err, ratelimit.ErrStoreUnavailable):
			d.rec.LastError = err.Error()
			return d.finish(ctx, delivery.StatusDenied, delivery.ReasonLimiterUnavailable, err)
		case err != nil:
			d.rec.LastError = err.Error()
			return d.finish(ctx, delivery.StatusRejected, delivery.ReasonConfiguration, nil)
		case !res.Allowed:
			tracing.AddSpanEvent(ctx, "dispatch.rate_limited",
				attribute.Int("total_in_window", res.TotalInWindow))
			return d.finish(ctx, delivery.StatusDenied, delivery.ReasonRateLimited, nil)
		}
	}

	breaker, err := s.deps.Admission.CheckCircuitBreaker(ctx, target.ID, s.cfg.BreakerThreshold, s.cfg.BreakerRecovery)
	if err != nil {
		s.logger.WithContext(ctx).WithTarget(target.ID).WithError(err).Warn("breaker check failed, proceeding")
	}
	if breaker.Blocks() {
		return d.finish(ctx, delivery.StatusDenied, delivery.ReasonCircuitOpen, nil)
	}
	if breaker.State == ratelimit.StateHalfOpen {
		tracing.AddSpanEvent(ctx, "dispatch.half_open_probe")
	}

	out := s.deps.Retrier.ExecuteWithRetry(ctx, target, p, retry.Overrides{
		MaxRetries: opts.MaxRetries,
		BaseDelay:  opts.BaseDelay,
		DeliveryID: d.rec.DeliveryID,
		Timeout:    opts.Timeout,
	})
	d.last = out.Last
	d.rec.Attempts = out.Attempts
	d.rec.HTTPStatus = out.Last.Status
	d.rec.LastError = out.Last.Error
	if d.rec.LastError == "" && !out.Success && out.Last.Status != 0 {
		d.rec.LastError = fmt.Sprintf("http status %d", out.Last.Status)
	}

	// the breaker learns only from the final outcome of the sequence
	wctx := context.WithoutCancel(ctx)
	switch {
	case out.Success:
		if _, err := s.deps.Admission.RecordSuccess(wctx, target.ID); err != nil {
			s.logger.WithContext(ctx).WithTarget(target.ID).WithError(err).Warn("breaker success not recorded")
		}
		return d.finish(ctx, delivery.StatusDelivered, "", nil)

	case !retry.Retryable(out.Last):
		return d.finish(ctx, delivery.StatusRejected, delivery.ReasonConfiguration, nil)

	case ctx.Err() != nil:
		// caller gave up, during a backoff or the final attempt; the target
		// was not at fault
		return d.finish(ctx, delivery.StatusExhausted, delivery.ReasonCanceled, nil)
	}

	if _, err := s.deps.Admission.RecordFailure(wctx, target.ID, s.cfg.BreakerThreshold); err != nil {
		s.logger.WithContext(ctx).WithTarget(target.ID).WithError(err).Warn("breaker failure not recorded")
	}
	return d.finish(ctx, delivery.StatusExhausted, delivery.ReasonRetriesExhausted, nil)
}

// pending is one logical delivery between begin and finish.
type pending struct {
	s       *Service
	target  delivery.Target
	payload delivery.Payload
	queueID string
	last    executor.Result
	rec     delivery.Record
}

func (s *Service) begin(ctx context.Context, target delivery.Target, p delivery.Payload, opts SendOptions) *pending {
	id := opts.DeliveryID
	if id == "" {
		id = uuid.NewString()
	}
	channel := opts.Channel
	if channel == "" {
		channel = target.Channel
	}
	s.logger.WithContext(ctx).WithDelivery(id).WithTarget(target.ID).WithChannel(channel).Debug("delivery pending")
	return &pending{
		s:       s,
		target:  target,
		payload: p,
		queueID: opts.QueueID,
		rec: delivery.Record{
			DeliveryID: id,
			TargetID:   target.ID,
			Provider:   target.Provider(),
			Channel:    channel,
			EventType:  p.EventType,
			Status:     delivery.StatusPending,
			StartedAt:  s.now().UTC(),
		},
	}
}

// finish stamps and persists the terminal record. sysErr is an
// infrastructure fault discovered on the way; it is returned alongside the
// outcome, joined with any history write failure.
func (d *pending) finish(ctx context.Context, status delivery.Status, reason string, sysErr error) (delivery.Outcome, error) {
	s := d.s
	wctx := context.WithoutCancel(ctx)

	d.rec.Status = status
	d.rec.Reason = reason
	d.rec.FinishedAt = s.now().UTC()
	d.rec.Duration = d.rec.FinishedAt.Sub(d.rec.StartedAt)

	errs := []error{sysErr}
	if err := s.deps.History.RecordDelivery(wctx, d.rec); err != nil {
		errs = append(errs, fmt.Errorf("record delivery %s: %w", d.rec.DeliveryID, err))
	}
	metrics.RecordDelivery(d.rec.Provider, string(status), d.rec.Duration)

	entry := s.logger.WithContext(ctx).
		WithDelivery(d.rec.DeliveryID).
		WithTarget(d.rec.TargetID).
		WithChannel(d.rec.Channel).
		WithFields(map[string]any{
			"status":   string(status),
			"attempts": d.rec.Attempts,
		})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	switch status {
	case delivery.StatusDelivered:
		entry.Info("delivery delivered")
	case delivery.StatusExhausted:
		entry.WithField("last_error", d.rec.LastError).Error("delivery exhausted")
	default:
		entry.Warn("delivery not attempted")
	}

	tracing.AddSpanEvent(ctx, "dispatch.finished",
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
		attribute.Int("attempts", d.rec.Attempts),
	)

	if status == delivery.StatusExhausted && reason == delivery.ReasonRetriesExhausted {
		d.deadLetter(ctx)
	}

	out := delivery.Outcome{
		DeliveryID: d.rec.DeliveryID,
		TargetID:   d.rec.TargetID,
		Status:     status,
		Reason:     reason,
		Attempts:   d.rec.Attempts,
		HTTPStatus: d.rec.HTTPStatus,
		LastError:  d.rec.LastError,
		QueueID:    d.queueID,
		Err:        outcomeErr(d.rec, status, reason),
	}
	err := errors.Join(errs...)
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return out, err
}

func (d *pending) deadLetter(ctx context.Context) {
	s := d.s
	reason := executor.Classify(d.last)
	metrics.RecordDLQ(reason)
	if !s.cfg.PublishDLQ || s.deps.DeadLetters == nil {
		return
	}
	dl := delivery.NewDeadLetter(d.rec, d.payload)
	if err := s.deps.DeadLetters.Publish(context.WithoutCancel(ctx), dl); err != nil {
		s.logger.WithContext(ctx).WithDelivery(d.rec.DeliveryID).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "dispatch.dead_lettered")
}

// outcomeErr classifies a non-delivered outcome for errors.Is checks.
func outcomeErr(rec delivery.Record, status delivery.Status, reason string) error {
	var cause error
	if rec.LastError != "" {
		cause = errors.New(rec.LastError)
	}
	switch status {
	case delivery.StatusRejected:
		if reason == delivery.ReasonConfiguration {
			return delivery.Configuration(rec.TargetID, cause)
		}
		return delivery.Permanent(rec.TargetID, reason)
	case delivery.StatusDenied:
		return delivery.Denied(rec.TargetID, reason, cause)
	case delivery.StatusExhausted:
		return delivery.Transient(rec.TargetID, reason, cause)
	}
	return nil
}
