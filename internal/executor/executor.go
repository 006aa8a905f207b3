// Package executor performs exactly one outbound HTTP call to a delivery
// target and reports it as a delivery.Attempt.
//
// HTTP error statuses are completed results, not errors. Only network,
// timeout, serialization and configuration faults populate Result.Error.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	// MaxResponseBody caps how much of a response body is kept.
	MaxResponseBody = 64 << 10

	// DefaultTimeout applies when neither the call nor the target sets one.
	DefaultTimeout = 10 * time.Second

	HeaderCorrelationID = "X-Correlation-Id"
	HeaderTraceID       = "X-Trace-Id"
	HeaderDeliveryID    = "X-Relay-Delivery-Id"
	HeaderAttempt       = "X-Relay-Attempt"

	userAgent = "harborrelay/1.0"
)

// AttemptSink receives every executed attempt.
type AttemptSink interface {
	AppendAttempt(ctx context.Context, a delivery.Attempt) error
}

// Options are per-call parameters.
type Options struct {
	DeliveryID    string
	Attempt       int           // 0-based
	Timeout       time.Duration // overrides the target timeout when > 0
	CorrelationID string        // generated when empty
}

// Result of one execution.
type Result struct {
	AttemptID     string             `json:"attempt_id"`
	Status        int                `json:"status,omitempty"`
	Body          string             `json:"body,omitempty"`
	Duration      time.Duration      `json:"duration"`
	Error         string             `json:"error,omitempty"`
	Kind          delivery.ErrorKind `json:"kind,omitempty"`
	CorrelationID string             `json:"correlation_id"`
}

// Success reports a completed call with a 2xx status.
func (r Result) Success() bool {
	return r.Error == "" && r.Status >= 200 && r.Status < 300
}

// Executor is safe for concurrent use.
type Executor struct {
	client          *http.Client
	sink            AttemptSink
	signatureHeader string
	defaultTimeout  time.Duration
	logger          *logging.Logger
	now             func() time.Time
}

type Option func(*Executor)

// WithHTTPClient replaces the default client. Its Timeout should be zero or
// larger than any attempt timeout; the attempt deadline comes from the
// request context.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithSignatureHeader sets the header used when a target does not override it.
func WithSignatureHeader(h string) Option {
	return func(e *Executor) {
		if h != "" {
			e.signatureHeader = h
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New builds an Executor. sink may be nil.
func New(sink AttemptSink, opts ...Option) *Executor {
	e := &Executor{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sink:            sink,
		signatureHeader: signing.DefaultHeader,
		defaultTimeout:  DefaultTimeout,
		logger:          logging.New("harborrelay-executor"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs one call and appends it to the attempt sink.
func (e *Executor) Execute(ctx context.Context, target delivery.Target, p delivery.Payload, opts Options) Result {
	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	timeout := e.timeoutFor(target, opts)

	ctx, span := tracing.StartSpan(ctx, "executor.attempt",
		attribute.String("delivery_id", opts.DeliveryID),
		attribute.String("target_id", target.ID),
		attribute.Int("attempt", opts.Attempt),
		attribute.String("correlation_id", corrID),
	)
	defer span.End()

	res := Result{AttemptID: uuid.NewString(), CorrelationID: corrID}
	start := e.now()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, kind, err := e.buildRequest(actx, target, p, corrID, opts)
	if err != nil {
		res.Kind = kind
		res.Error = err.Error()
	} else {
		e.do(actx, req, timeout, &res)
	}
	res.Duration = e.now().Sub(start)

	span.SetAttributes(
		attribute.Int("http.status_code", res.Status),
		attribute.Int64("http.latency_ms", res.Duration.Milliseconds()),
	)
	if res.Error != "" {
		tracing.SetSpanError(ctx, errors.New(res.Error))
	}
	metrics.RecordAttempt(target.Provider(), Classify(res), res.Duration)

	e.record(ctx, target, p, opts, start, res)
	return res
}

func (e *Executor) timeoutFor(target delivery.Target, opts Options) time.Duration {
	switch {
	case opts.Timeout > 0:
		return opts.Timeout
	case target.Timeout > 0:
		return target.Timeout
	default:
		return e.defaultTimeout
	}
}

func (e *Executor) do(ctx context.Context, req *http.Request, timeout time.Duration, res *Result) {
	resp, err := e.client.Do(req)
	if err != nil {
		res.Kind, res.Error = classifyTransport(ctx, err, timeout)
		return
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	res.Body = string(body)
	if err != nil {
		res.Kind, res.Error = classifyTransport(ctx, err, timeout)
		return
	}
	if res.Status < 200 || res.Status >= 300 {
		res.Kind = delivery.ErrorHTTPStatus
	}
}

func classifyTransport(ctx context.Context, err error, timeout time.Duration) (delivery.ErrorKind, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return delivery.ErrorTimeout, fmt.Sprintf("timeout after %s: %v", timeout, err)
	}
	return delivery.ErrorNetwork, err.Error()
}

func (e *Executor) record(ctx context.Context, target delivery.Target, p delivery.Payload, opts Options, start time.Time, res Result) {
	if e.sink == nil {
		return
	}
	a := delivery.Attempt{
		ID:            res.AttemptID,
		DeliveryID:    opts.DeliveryID,
		TargetID:      target.ID,
		CorrelationID: res.CorrelationID,
		Number:        opts.Attempt,
		Request:       p.Body,
		HTTPStatus:    res.Status,
		ResponseBody:  res.Body,
		Error:         res.Error,
		ErrorKind:     res.Kind,
		Duration:      res.Duration,
		AttemptedAt:   start.UTC(),
	}
	// the attempt deadline may have fired; the record must still land
	if err := e.sink.AppendAttempt(context.WithoutCancel(ctx), a); err != nil {
		e.logger.WithContext(ctx).
			WithDelivery(opts.DeliveryID).
			WithTarget(target.ID).
			WithCorrelation(res.CorrelationID).
			WithError(err).
			Error("failed to record delivery attempt")
	}
}

// Classify maps a result to a metrics label.
func Classify(r Result) string {
	switch r.Kind {
	case delivery.ErrorNone:
		if r.Success() {
			return "success"
		}
		return "other"
	case delivery.ErrorTimeout:
		return "timeout"
	case delivery.ErrorConfiguration:
		return "configuration"
	case delivery.ErrorSerialization:
		return "serialization"
	case delivery.ErrorNetwork:
		errLower := strings.ToLower(r.Error)
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	switch {
	case r.Status >= 500:
		return "http_5xx"
	case r.Status == http.StatusTooManyRequests:
		return "http_429"
	case r.Status >= 400:
		return "http_4xx"
	}
	return "other"
}

func attemptHeader(n int) string { return strconv.Itoa(n) }

func newBody(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
