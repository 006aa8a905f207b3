package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service  *dispatch.Service
	History  store.HistoryStore
	Targets  TargetStore
	Health   map[string]health.Pinger
	Registry *prometheus.Registry // nil disables /metrics
	Logger   *logging.Logger
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("harborrelay-api")
	}
	handler := NewHandler(cfg.Service, cfg.History, cfg.Targets, logger)

	mux := http.NewServeMux()

	mux.Handle("GET /healthz", health.HTTPHandler(cfg.Health))
	if cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /v1/send", handler.Send)
	mux.HandleFunc("POST /v1/broadcast", handler.Broadcast)
	mux.HandleFunc("POST /v1/enqueue", handler.Enqueue)
	mux.HandleFunc("POST /v1/drain/{channel}", handler.Drain)
	mux.HandleFunc("GET /v1/queue/{channel}", handler.QueueDepth)

	mux.HandleFunc("GET /v1/targets/{id}", handler.GetTarget)
	mux.HandleFunc("PUT /v1/targets/{id}", handler.PutTarget)
	mux.HandleFunc("GET /v1/targets/{id}/probe", handler.ProbeTarget)
	mux.HandleFunc("GET /v1/targets/{id}/attempts", handler.Attempts)
	mux.HandleFunc("GET /v1/targets/{id}/deliveries", handler.Deliveries)
	mux.HandleFunc("GET /v1/deliveries", handler.Deliveries)

	// The last wrap runs first.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = MetricsMiddleware()(h)
	h = TracingMiddleware()(h)
	h = LoggingMiddleware(logger)(h)
	h = RecoveryMiddleware(logger)(h)

	return h
}
