// Package api exposes the dispatcher over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1 << 20

// TargetStore reads and upserts target configuration.
type TargetStore interface {
	store.ConfigStore
	store.TargetWriter
}

// Handler contains the HTTP handlers of the relay API.
type Handler struct {
	svc     *dispatch.Service
	history store.HistoryStore
	targets TargetStore
	logger  *logging.Logger
}

func NewHandler(svc *dispatch.Service, history store.HistoryStore, targets TargetStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.New("harborrelay-api")
	}
	return &Handler{svc: svc, history: history, targets: targets, logger: logger}
}

// SendRequest is the body of POST /v1/send. A request with a channel goes
// through the queue path and may be scheduled.
type SendRequest struct {
	TargetID    string           `json:"target_id,omitempty"`
	Channel     string           `json:"channel,omitempty"`
	Priority    queue.Priority   `json:"priority,omitempty"`
	ScheduledAt time.Time        `json:"scheduled_at,omitzero"`
	MaxRetries  *int             `json:"max_retries,omitempty"`
	Timeout     string           `json:"timeout,omitempty"`
	Payload     delivery.Payload `json:"payload"`
}

// EnqueueRequest is the body of POST /v1/enqueue.
type EnqueueRequest struct {
	Channel     string           `json:"channel"`
	Priority    queue.Priority   `json:"priority,omitempty"`
	TargetID    string           `json:"target_id,omitempty"`
	ScheduledAt time.Time        `json:"scheduled_at,omitzero"`
	Payload     delivery.Payload `json:"payload"`
}

// BroadcastResponse is returned by POST /v1/broadcast.
type BroadcastResponse struct {
	EventID   string             `json:"event_id"`
	Targets   int                `json:"targets"`
	Delivered int                `json:"delivered"`
	Outcomes  []delivery.Outcome `json:"outcomes"`
}

// QueueResponse is returned by GET /v1/queue/{channel}.
type QueueResponse struct {
	Channel   string                 `json:"channel"`
	Ready     map[queue.Priority]int `json:"ready"`
	Scheduled int                    `json:"scheduled"`
}

// TargetRequest is the body of PUT /v1/targets/{id}. It carries the secret,
// which Target never serializes.
type TargetRequest struct {
	delivery.Target
	Secret string `json:"secret,omitempty"`
}

// Send handles POST /v1/send
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		out delivery.Outcome
		err error
	)
	switch {
	case req.Channel != "" && (req.MaxRetries != nil || req.Timeout != ""):
		h.writeError(w, http.StatusBadRequest, "max_retries and timeout are not supported with channel")
		return
	case req.Channel != "":
		out, err = h.svc.SendViaQueue(r.Context(), req.Channel, req.Priority, req.TargetID, req.Payload, req.ScheduledAt)
	case req.TargetID == "":
		h.writeError(w, http.StatusBadRequest, "target_id or channel is required")
		return
	default:
		opts := dispatch.SendOptions{MaxRetries: req.MaxRetries}
		if req.Timeout != "" {
			d, perr := time.ParseDuration(req.Timeout)
			if perr != nil {
				h.writeError(w, http.StatusBadRequest, "invalid timeout: "+perr.Error())
				return
			}
			opts.Timeout = d
		}
		out, err = h.svc.Send(r.Context(), req.TargetID, req.Payload, opts)
	}
	h.writeOutcome(w, r, out, err)
}

// Enqueue handles POST /v1/enqueue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.svc.Enqueue(r.Context(), dispatch.EnqueueRequest{
		Channel:     req.Channel,
		Priority:    req.Priority,
		TargetID:    req.TargetID,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, e)
}

// Broadcast handles POST /v1/broadcast
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var ev delivery.Event
	if !h.decode(w, r, &ev) {
		return
	}
	if ev.Type == "" {
		h.writeError(w, http.StatusBadRequest, "event type is required")
		return
	}

	outcomes, err := h.svc.Broadcast(r.Context(), ev)
	if err != nil && len(outcomes) == 0 {
		h.handleError(w, r, err)
		return
	}
	if err != nil {
		h.logger.WithContext(r.Context()).WithField("event_id", ev.ID).WithError(err).Error("broadcast completed with errors")
	}

	resp := BroadcastResponse{EventID: ev.ID, Targets: len(outcomes), Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Delivered() {
			resp.Delivered++
		}
	}
	if resp.Outcomes == nil {
		resp.Outcomes = []delivery.Outcome{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Drain handles POST /v1/drain/{channel}
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		h.writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	report, err := h.svc.DrainQueue(r.Context(), channel)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// QueueDepth handles GET /v1/queue/{channel}
func (h *Handler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	ready, scheduled, err := h.svc.QueueDepth(r.Context(), channel)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, QueueResponse{Channel: channel, Ready: ready, Scheduled: scheduled})
}

// GetTarget handles GET /v1/targets/{id}
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := h.targets.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, redact(t))
}

// PutTarget handles PUT /v1/targets/{id}
func (h *Handler) PutTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if !h.decode(w, r, &req) {
		return
	}
	t := req.Target
	t.Secret = req.Secret
	t.ID = r.PathValue("id")
	if t.URL == "" {
		h.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if t.Kind == "" {
		t.Kind = delivery.KindWebhook
	}
	if err := h.targets.PutTarget(r.Context(), t); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, redact(t))
}

// redact blanks stored credentials; only the scheme and header name are
// returned.
func redact(t delivery.Target) delivery.Target {
	t.Auth.Token = ""
	t.Auth.Password = ""
	t.Auth.APIKey = ""
	return t
}

// ProbeTarget handles GET /v1/targets/{id}/probe
func (h *Handler) ProbeTarget(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ProbeTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, res)
}

// Attempts handles GET /v1/targets/{id}/attempts
func (h *Handler) Attempts(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	attempts, err := h.history.QueryAttempts(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []delivery.Attempt{}
	}
	h.writeJSON(w, http.StatusOK, attempts)
}

// Deliveries handles GET /v1/targets/{id}/deliveries and GET /v1/deliveries
func (h *Handler) Deliveries(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	targetID := r.PathValue("id")
	if targetID == "" {
		targetID = r.URL.Query().Get("target_id")
	}
	records, err := h.history.ListDeliveries(r.Context(), targetID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if records == nil {
		records = []delivery.Record{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return store.DefaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return store.Limit(n), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeOutcome maps a delivery outcome onto an HTTP status. Infrastructure
// faults that still produced an outcome are logged and reported alongside it.
func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out delivery.Outcome, err error) {
	if out.Status == "" {
		if err == nil {
			err = errors.New("empty outcome")
		}
		h.handleError(w, r, err)
		return
	}
	if err != nil {
		h.logger.WithContext(r.Context()).WithDelivery(out.DeliveryID).WithTarget(out.TargetID).WithError(err).Error("delivery finished with errors")
	}
	h.writeJSON(w, outcomeStatus(out), out)
}

func outcomeStatus(out delivery.Outcome) int {
	switch out.Status {
	case delivery.StatusDelivered:
		return http.StatusOK
	case delivery.StatusScheduled, delivery.StatusQueued:
		return http.StatusAccepted
	case delivery.StatusDenied:
		if out.Reason == delivery.ReasonLimiterUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusTooManyRequests
	case delivery.StatusRejected:
		if out.Reason == delivery.ReasonTargetNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case delivery.StatusExhausted:
		if out.Reason == delivery.ReasonCanceled {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusOK
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Plain().WithError(err).Error("failed to encode response")
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= 500 {
		h.logger.WithContext(r.Context()).WithField("path", r.URL.Path).WithError(err).Error("internal error")
	}
	h.writeError(w, status, err.Error())
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrNoTarget),
		errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, queue.ErrMissingChannel):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNoQueue):
		return http.StatusNotImplemented
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
