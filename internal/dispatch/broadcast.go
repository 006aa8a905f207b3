package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Broadcast delivers ev to every active target subscribed to its type, each
// in its own goroutine. One target's failure, error or panic never affects
// the others. Outcomes are returned in target order; the error is non-nil
// only when the target list could not be loaded or the event not rendered.
func (s *Service) Broadcast(ctx context.Context, ev delivery.Event) ([]delivery.Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.broadcast",
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.Type),
	)
	defer span.End()

	targets, err := s.deps.Targets.ListActiveTargets(ctx, ev.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("list targets for %s: %w", ev.Type, err)
	}
	payload, err := ev.Payload()
	if err != nil {
		return nil, fmt.Errorf("render event %s: %w", ev.ID, err)
	}
	span.SetAttributes(attribute.Int("targets", len(targets)))

	outcomes := make([]delivery.Outcome, len(targets))
	sem := make(chan struct{}, s.cfg.BroadcastConcurrency)
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = s.broadcastOne(ctx, t, payload)
		}()
	}
	wg.Wait()

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"targets":    len(targets),
	}).Info("broadcast complete")
	return outcomes, nil
}

func (s *Service) broadcastOne(ctx context.Context, t delivery.Target, p delivery.Payload) (out delivery.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic delivering to %s: %v", t.ID, r)
			s.logger.WithContext(ctx).WithTarget(t.ID).WithError(err).Error("broadcast target panicked")
			out = delivery.Outcome{TargetID: t.ID, Status: delivery.StatusExhausted, LastError: err.Error(), Err: err}
		}
	}()
	out, err := s.SendImmediate(ctx, t, p, SendOptions{})
	if err != nil && out.Err == nil {
		out.Err = err
	}
	return out
}
