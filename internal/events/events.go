// Package events consumes broadcast events from NSQ and fans each one out to
// every subscribed target.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// DefaultTopic is the NSQ topic events are read from.
const DefaultTopic = "events"

// DefaultMaxAttempts bounds redelivery of an event whose broadcast could not
// even list its targets.
const DefaultMaxAttempts = 5

var ErrInvalidEvent = errors.New("invalid event")

// Envelope is the NSQ message body. TraceHeaders carries the producer's
// trace context.
type Envelope struct {
	Event        delivery.Event    `json:"event"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Encode wraps ev with the trace context of ctx.
func Encode(ctx context.Context, ev delivery.Event) ([]byte, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	return json.Marshal(Envelope{Event: ev, TraceHeaders: tracing.InjectHeaders(ctx)})
}

// Decode parses an envelope and rejects events without a type.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if env.Event.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	return env, nil
}

// Broadcaster is satisfied by *dispatch.Service.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev delivery.Event) ([]delivery.Outcome, error)
}

// Handler is an nsq.Handler. Per-target failures are already recorded by the
// broadcast, so the message only goes back to NSQ when no target could be
// resolved at all.
type Handler struct {
	base        context.Context
	broadcaster Broadcaster
	logger      *logging.Logger
	maxAttempts uint16
}

var _ nsq.Handler = (*Handler)(nil)

type Option func(*Handler)

func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMaxAttempts sets how many times NSQ may redeliver a failing event.
func WithMaxAttempts(n uint16) Option {
	return func(h *Handler) { h.maxAttempts = n }
}

// NewHandler builds a handler whose broadcasts inherit base, so cancelling
// base aborts in-flight retry sleeps on shutdown.
func NewHandler(base context.Context, b Broadcaster, opts ...Option) *Handler {
	h := &Handler{
		base:        base,
		broadcaster: b,
		logger:      logging.New("harborrelay-events"),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	env, err := Decode(m.Body)
	if err != nil {
		h.logger.Plain().WithField("message_id", string(m.ID[:])).WithError(err).Error("dropping invalid event")
		metrics.RecordEventConsumed("invalid")
		return nil
	}

	ctx := tracing.ExtractHeaders(h.base, env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "events.consume",
		attribute.String("event_id", env.Event.ID),
		attribute.String("event_type", env.Event.Type),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	start := time.Now()
	outcomes, err := h.broadcaster.Broadcast(ctx, env.Event)
	if err != nil && len(outcomes) == 0 {
		tracing.SetSpanError(ctx, err)
		entry := h.logger.WithContext(ctx).WithFields(map[string]any{
			"event_id": env.Event.ID,
			"attempts": m.Attempts,
		}).WithError(err)
		if m.Attempts >= h.maxAttempts {
			entry.Error("giving up on event")
			metrics.RecordEventConsumed("dropped")
			return nil
		}
		entry.Warn("broadcast failed, requeueing event")
		metrics.RecordEventConsumed("error")
		return err
	}

	delivered := 0
	for _, o := range outcomes {
		if o.Delivered() {
			delivered++
		}
	}
	entry := h.logger.WithContext(ctx).WithFields(map[string]any{
		"event_id":    env.Event.ID,
		"event_type":  env.Event.Type,
		"targets":     len(outcomes),
		"delivered":   delivered,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("event broadcast")
	metrics.RecordEventConsumed("broadcast")
	return nil
}

// Subscribe starts a consumer on topic/channel that feeds h, connecting to
// nsqd directly and, when lookupAddr is set, to nsqlookupd.
func Subscribe(topic, channel, nsqdAddr, lookupAddr string, maxInFlight int, h nsq.Handler) (*nsq.Consumer, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	conf := nsq.NewConfig()
	if maxInFlight > 0 {
		conf.MaxInFlight = maxInFlight
	}
	consumer, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddHandler(h)

	// Connecting to nsqd directly creates the channel before the first publish.
	if err := consumer.ConnectToNSQD(nsqdAddr); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect nsqd %s: %w", nsqdAddr, err)
	}
	if lookupAddr != "" {
		if err := consumer.ConnectToNSQLookupd(lookupAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect lookupd %s: %w", lookupAddr, err)
		}
	}
	return consumer, nil
}

// producer is the subset of *nsq.Producer used by Publisher.
type producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// Publisher writes events to the events topic.
type Publisher struct {
	producer producer
	topic    string
}

func NewPublisher(nsqdAddr, topic string) (*Publisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return newPublisher(p, topic), nil
}

func newPublisher(p producer, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: p, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, ev delivery.Event) error {
	body, err := Encode(ctx, ev)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Stop() { p.producer.Stop() }
