package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// EnqueueRequest describes one queued logical delivery.
type EnqueueRequest struct {
	Channel     string
	Priority    queue.Priority
	TargetID    string // defaults to the channel's configured target
	Payload     delivery.Payload
	ScheduledAt time.Time // zero or past means ready now
}

// resolveTarget picks the explicit target or the channel default.
func (s *Service) resolveTarget(channel, targetID string) (string, error) {
	if targetID != "" {
		return targetID, nil
	}
	if id := s.cfg.ChannelTargets[channel]; id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w %q", ErrNoTarget, channel)
}

// Enqueue admits req into the queue unconditionally of its schedule. The
// ready partition is capped at MaxQueueLength atomically with the insert.
// The entry id doubles as the delivery id, so the history record written
// here is updated in place when the entry is drained.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (queue.Entry, error) {
	q := s.deps.Queue
	if q == nil {
		return queue.Entry{}, ErrNoQueue
	}
	priority, err := queue.ParsePriority(string(req.Priority))
	if err != nil {
		return queue.Entry{}, err
	}
	targetID, err := s.resolveTarget(req.Channel, req.TargetID)
	if err != nil {
		return queue.Entry{}, err
	}

	e, err := q.EnqueueBounded(ctx, queue.Entry{
		Channel:      req.Channel,
		Priority:     priority,
		TargetID:     targetID,
		Payload:      req.Payload,
		ScheduledAt:  req.ScheduledAt,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}, s.cfg.MaxQueueLength)
	if errors.Is(err, queue.ErrFull) {
		return queue.Entry{}, fmt.Errorf("%w: %w", ErrQueueFull, err)
	}
	if err != nil {
		return queue.Entry{}, err
	}
	metrics.RecordEnqueue(e.Channel, string(e.Priority))

	status := delivery.StatusQueued
	if e.ScheduledAt.After(s.now()) {
		status = delivery.StatusScheduled
	}
	now := s.now().UTC()
	rec := delivery.Record{
		DeliveryID: e.ID,
		TargetID:   targetID,
		Channel:    e.Channel,
		EventType:  e.Payload.EventType,
		Status:     status,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := s.deps.History.RecordDelivery(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WithContext(ctx).WithDelivery(e.ID).WithError(err).Error("failed to record queued delivery")
	}
	s.logger.WithContext(ctx).
		WithDelivery(e.ID).
		WithTarget(targetID).
		WithChannel(e.Channel).
		WithField("priority", string(e.Priority)).
		WithField("status", string(status)).
		Info("delivery enqueued")
	return e, nil
}

// SendViaQueue parks the delivery when scheduledAt is in the future and
// returns a scheduled outcome without attempting it. Otherwise it sends now.
func (s *Service) SendViaQueue(ctx context.Context, channel string, priority queue.Priority, targetID string, p delivery.Payload, scheduledAt time.Time) (delivery.Outcome, error) {
	if !scheduledAt.IsZero() && scheduledAt.After(s.now()) {
		e, err := s.Enqueue(ctx, EnqueueRequest{
			Channel:     channel,
			Priority:    priority,
			TargetID:    targetID,
			Payload:     p,
			ScheduledAt: scheduledAt,
		})
		if err != nil {
			return delivery.Outcome{TargetID: targetID}, err
		}
		return delivery.Outcome{
			DeliveryID:  e.ID,
			TargetID:    e.TargetID,
			Status:      delivery.StatusScheduled,
			QueueID:     e.ID,
			ScheduledAt: e.ScheduledAt,
		}, nil
	}

	id, err := s.resolveTarget(channel, targetID)
	if err != nil {
		return delivery.Outcome{}, err
	}
	return s.Send(ctx, id, p, SendOptions{Channel: channel})
}

// DrainReport summarizes one DrainQueue pass.
type DrainReport struct {
	Channel    string                  `json:"channel"`
	Processed  int                     `json:"processed"`
	ByPriority map[queue.Priority]int  `json:"by_priority"`
	ByStatus   map[delivery.Status]int `json:"by_status"`
	Errors     int                     `json:"errors"`
	Outcomes   []delivery.Outcome      `json:"outcomes"`
}

func (r *DrainReport) add(p queue.Priority, out delivery.Outcome, err error) {
	r.Processed++
	r.ByPriority[p]++
	if out.Status != "" {
		r.ByStatus[out.Status]++
	}
	if err != nil {
		r.Errors++
	}
	r.Outcomes = append(r.Outcomes, out)
}

// DrainQueue makes one pass over channel: every high entry, then every
// normal entry, then every low entry, each sent immediately. A partition is
// drained up to the length it had when the pass reached it, so producers
// cannot keep the pass running forever.
func (s *Service) DrainQueue(ctx context.Context, channel string) (DrainReport, error) {
	report := DrainReport{
		Channel:    channel,
		ByPriority: make(map[queue.Priority]int),
		ByStatus:   make(map[delivery.Status]int),
	}
	q := s.deps.Queue
	if q == nil {
		return report, ErrNoQueue
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.drain", attribute.String("channel", channel))
	defer span.End()

	for _, p := range queue.Priorities {
		budget, err := q.Len(ctx, channel, p)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return report, fmt.Errorf("drain %s/%s: %w", channel, p, err)
		}
		for i := 0; i < budget; i++ {
			if s.pacer != nil {
				if err := s.pacer.Wait(ctx); err != nil {
					return report, err
				}
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			e, ok, err := q.Dequeue(ctx, channel, p)
			if err != nil {
				tracing.SetSpanError(ctx, err)
				return report, fmt.Errorf("drain %s/%s: %w", channel, p, err)
			}
			if !ok {
				break
			}
			out, err := s.sendEntry(ctx, e)
			report.add(p, out, err)
		}
		s.updateDepth(ctx, channel, p)
	}

	span.SetAttributes(attribute.Int("processed", report.Processed))
	if report.Processed > 0 {
		s.logger.WithContext(ctx).WithChannel(channel).WithFields(map[string]any{
			"processed": report.Processed,
			"errors":    report.Errors,
		}).Info("queue drained")
	}
	return report, nil
}

func (s *Service) sendEntry(ctx context.Context, e queue.Entry) (delivery.Outcome, error) {
	ctx = tracing.ExtractHeaders(ctx, e.TraceHeaders)
	targetID, err := s.resolveTarget(e.Channel, e.TargetID)
	if err != nil {
		s.logger.WithContext(ctx).WithDelivery(e.ID).WithChannel(e.Channel).WithError(err).Error("dropping queue entry")
		return delivery.Outcome{DeliveryID: e.ID, QueueID: e.ID, Err: err}, err
	}
	out, err := s.Send(ctx, targetID, e.Payload, SendOptions{
		DeliveryID: e.ID,
		Channel:    e.Channel,
		QueueID:    e.ID,
	})
	if err != nil {
		s.logger.WithContext(ctx).WithDelivery(e.ID).WithChannel(e.Channel).WithError(err).Error("queued delivery failed")
	}
	out.QueueID = e.ID
	return out, err
}

func (s *Service) updateDepth(ctx context.Context, channel string, p queue.Priority) {
	if n, err := s.deps.Queue.Len(ctx, channel, p); err == nil {
		metrics.UpdateQueueDepth(channel, string(p), float64(n))
	}
}

// QueueDepth reports ready entries per priority for channel and the number of
// parked entries across all channels.
func (s *Service) QueueDepth(ctx context.Context, channel string) (map[queue.Priority]int, int, error) {
	q := s.deps.Queue
	if q == nil {
		return nil, 0, ErrNoQueue
	}
	depth := make(map[queue.Priority]int, len(queue.Priorities))
	for _, p := range queue.Priorities {
		n, err := q.Len(ctx, channel, p)
		if err != nil {
			return nil, 0, err
		}
		depth[p] = n
	}
	scheduled, err := q.ScheduledLen(ctx)
	if err != nil {
		return nil, 0, err
	}
	return depth, scheduled, nil
}

// PromoteDue moves due scheduled entries to their ready partitions.
func (s *Service) PromoteDue(ctx context.Context) (int, error) {
	q := s.deps.Queue
	if q == nil {
		return 0, ErrNoQueue
	}
	n, err := q.PromoteScheduled(ctx, s.now())
	if err != nil {
		return n, err
	}
	if left, err := q.ScheduledLen(ctx); err == nil {
		metrics.UpdateScheduledDepth("all", float64(left))
	}
	if n > 0 {
		s.logger.WithContext(ctx).WithField("promoted", n).Info("scheduled entries promoted")
	}
	return n, nil
}

// RunScheduler promotes due entries and drains every channel once per
// interval until ctx is done. The first tick runs immediately.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration, channels []string) error {
	if s.deps.Queue == nil {
		return ErrNoQueue
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"interval": interval.String(),
		"channels": channels,
	}).Info("scheduler started")

	for {
		s.tick(ctx, channels)
		select {
		case <-ctx.Done():
			s.logger.Plain().Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context, channels []string) {
	if _, err := s.PromoteDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.WithContext(ctx).WithError(err).Error("promote scheduled failed")
	}
	for _, ch := range channels {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.DrainQueue(ctx, ch); err != nil && ctx.Err() == nil {
			s.logger.WithContext(ctx).WithChannel(ch).WithError(err).Error("drain failed")
		}
	}
}
