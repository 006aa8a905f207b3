package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_total",
			Help: "Total number of deliveries by provider and terminal status.",
		},
		[]string{"provider", "status"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_delivery_latency_seconds",
			Help:    "End-to-end delivery latency including retries.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"provider"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_attempts_total",
			Help: "Total number of outbound HTTP attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"}, // success, http_5xx, http_4xx, http_429, timeout, network, configuration
	)

	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_attempt_latency_seconds",
			Help:    "Latency of a single outbound attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_dlq_total",
			Help: "Total number of deliveries moved to the dead letter topic.",
		},
		[]string{"reason"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_ratelimit_decisions_total",
			Help: "Rate limit decisions by algorithm and outcome.",
		},
		[]string{"algorithm", "decision"}, // allowed, denied, unavailable
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=half_open, 2=open).",
		},
		[]string{"target"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_depth",
			Help: "Ready entries per channel and priority.",
		},
		[]string{"channel", "priority"},
	)

	ScheduledDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_scheduled_depth",
			Help: "Entries waiting for their scheduled time per channel.",
		},
		[]string{"channel"},
	)

	EnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_enqueued_total",
			Help: "Total number of entries enqueued by channel and priority.",
		},
		[]string{"channel", "priority"},
	)

	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_consumed_total",
			Help: "Events consumed from NSQ by result.",
		},
		[]string{"result"}, // broadcast, invalid, error, dropped
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_http_requests_total",
			Help: "API requests by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_http_request_duration_seconds",
			Help:    "API request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DeliveriesTotal,
		DeliveryLatency,
		AttemptsTotal,
		AttemptLatency,
		RetriesTotal,
		DLQTotal,
		RateLimitDecisions,
		BreakerState,
		QueueDepth,
		ScheduledDepth,
		EnqueuedTotal,
		EventsConsumedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// RecordDelivery records the terminal status of a delivery.
func RecordDelivery(provider, status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(provider, status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// RecordAttempt records one outbound HTTP attempt.
func RecordAttempt(provider, outcome string, latency time.Duration) {
	AttemptsTotal.WithLabelValues(provider, outcome).Inc()
	AttemptLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordRateLimit(algorithm, decision string) {
	RateLimitDecisions.WithLabelValues(algorithm, decision).Inc()
}

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

func SetBreakerState(target string, state float64) {
	BreakerState.WithLabelValues(target).Set(state)
}

func RecordEnqueue(channel, priority string) {
	EnqueuedTotal.WithLabelValues(channel, priority).Inc()
}

func UpdateQueueDepth(channel, priority string, depth float64) {
	QueueDepth.WithLabelValues(channel, priority).Set(depth)
}

func UpdateScheduledDepth(channel string, depth float64) {
	ScheduledDepth.WithLabelValues(channel).Set(depth)
}

func RecordEventConsumed(result string) {
	EventsConsumedTotal.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
