package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/counter"
	"github.com/austindbirch/harbor_relay/internal/deadletter"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/retry"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// receiver is an httptest endpoint that answers with status(hit) and keeps
// every request body.
type receiver struct {
	mu     sync.Mutex
	bodies []string
	status func(hit int) int
	srv    *httptest.Server
}

func newReceiver(t *testing.T, status func(hit int) int) *receiver {
	t.Helper()
	r := &receiver{status: status}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		hit := len(r.bodies)
		r.bodies = append(r.bodies, string(body))
		r.mu.Unlock()
		w.WriteHeader(r.status(hit))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func always(code int) func(int) int { return func(int) int { return code } }

func (r *receiver) hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *receiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

type harness struct {
	svc      *Service
	store    *memory.Store
	counters *counter.Memory
	limiter  *ratelimit.Limiter
	queue    *queue.Memory
	dlq      *deadletter.Memory
	clock    *fakeClock

	mu     sync.Mutex
	sleeps []time.Duration
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func quietLogger() *logging.Logger {
	l := logging.New("test")
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, cfg Config, targets ...delivery.Target) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(targets...),
		counters: counter.NewMemory(),
		queue:    queue.NewMemory(),
		dlq:      &deadletter.Memory{},
		clock:    &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.counters.SetClock(h.clock.Now)
	h.queue.SetClock(h.clock.Now)
	h.limiter = ratelimit.New(h.counters, ratelimit.WithClock(h.clock.Now), ratelimit.WithLogger(quietLogger()))

	exec := executor.New(h.store, executor.WithDefaultTimeout(2*time.Second), executor.WithLogger(quietLogger()))
	policy := retry.New(exec, retry.Config{MaxRetries: 3, BaseDelay: 100 * time.Millisecond},
		retry.WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		}))

	h.svc = New(cfg, Deps{
		Targets:     h.store,
		History:     h.store,
		Admission:   h.limiter,
		Retrier:     policy,
		Queue:       h.queue,
		DeadLetters: h.dlq,
		Prober:      exec,
	}, WithClock(h.clock.Now), WithLogger(quietLogger()))
	return h
}

func (h *harness) breaker(t *testing.T, targetID string) ratelimit.BreakerStatus {
	t.Helper()
	st, err := h.limiter.CheckCircuitBreaker(context.Background(), targetID, 1000, time.Hour)
	if err != nil {
		t.Fatalf("CheckCircuitBreaker() error = %v", err)
	}
	return st
}

func webhook(id, url string) delivery.Target {
	return delivery.Target{
		ID:         id,
		Name:       id + "-hook",
		Kind:       delivery.KindWebhook,
		Active:     true,
		URL:        url,
		EventTypes: []string{"order.created"},
	}
}

func intPtr(n int) *int { return &n }

var orderPayload = delivery.Payload{
	EventType: "order.created",
	Body:      json.RawMessage(`{"type":"order.created","data":{}}`),
}

func TestSendImmediate_Delivered(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	target := webhook("t1", rcv.srv.URL)
	h := newHarness(t, Config{}, target)

	out, err := h.svc.SendImmediate(context.Background(), target, orderPayload, SendOptions{})
	if err != nil {
		t.Fatalf("SendImmediate() error = %v", err)
	}
	if !out.Delivered() || out.Attempts != 1 || out.HTTPStatus != http.StatusOK {
		t.Errorf("SendImmediate() = %+v, want delivered after 1 attempt", out)
	}
	if out.Err != nil {
		t.Errorf("SendImmediate() outcome Err = %v, want nil", out.Err)
	}

	rec, ok := h.store.Record(out.DeliveryID)
	if !ok {
		t.Fatal("no delivery record written")
	}
	if rec.Status != delivery.StatusDelivered || rec.Provider != "t1-hook" || rec.EventType != "order.created" {
		t.Errorf("record = %+v", rec)
	}
	if got := h.store.AttemptsFor(out.DeliveryID); len(got) != 1 {
		t.Errorf("attempts recorded = %d, want 1", len(got))
	}
	if len(h.recordedSleeps()) != 0 {
		t.Errorf("sleeps = %v, want none", h.recordedSleeps())
	}
}

func TestSendImmediate_PermanentFailureExhausts(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3} {
		t.Run(fmt.Sprintf("maxRetries=%d", n), func(t *testing.T) {
			rcv := newReceiver(t, always(http.StatusServiceUnavailable))
			target := webhook("t1", rcv.srv.URL)
			h := newHarness(t, Config{PublishDLQ: true, BreakerThreshold: 100}, target)

			out, err := h.svc.SendImmediate(context.Background(), target, orderPayload, SendOptions{MaxRetries: intPtr(n)})
			if err != nil {
				t.Fatalf("SendImmediate() error = %v", err)
			}
			if out.Status != delivery.StatusExhausted || out.Reason != delivery.ReasonRetriesExhausted {
				t.Errorf("SendImmediate() = %s/%s, want exhausted/retries_exhausted", out.Status, out.Reason)
			}
			if out.Attempts != n+1 {
				t.Errorf("Attempts = %d, want %d", out.Attempts, n+1)
			}
			if got := len(h.store.AttemptsFor(out.DeliveryID)); got != n+1 {
				t.Errorf("attempts recorded = %d, want %d", got, n+1)
			}
			if rcv.hits() != n+1 {
				t.Errorf("receiver hits = %d, want %d", rcv.hits(), n+1)
			}
			if !errors.Is(out.Err, delivery.ErrTransient) {
				t.Errorf("outcome Err = %v, want ErrTransient", out.Err)
			}

			// breaker learns once per logical delivery
			if st := h.breaker(t, "t1"); st.FailureCount != 1 {
				t.Errorf("breaker failures = %d, want 1", st.FailureCount)
			}

			letters := h.dlq.Letters()
			if len(letters) != 1 {
				t.Fatalf("dead letters = %d, want 1", len(letters))
			}
			if letters[0].Attempts != n+1 || letters[0].HTTPStatus != http.StatusServiceUnavailable {
				t.Errorf("dead letter = %+v", letters[0])
			}
		})
	}
}

func TestSendImmediate_SuccessAfterFailures(t *testing.T) {
	for _, k := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			rcv := newReceiver(t, func(hit int) int {
				if hit < k {
					return http.StatusBadGateway
				}
				return http.StatusAccepted
			})
			target := webhook("t1", rcv.srv.URL)
			h := newHarness(t, Config{PublishDLQ: true}, target)

			out, _ := h.svc.SendImmediate(context.Background(), target, orderPayload, SendOptions{})
			if !out.Delivered() || out.Attempts != k+1 {
				t.Errorf("SendImmediate() = %s after %d attempts, want delivered after %d", out.Status, out.Attempts, k+1)
			}
			if rcv.hits() != k+1 {
				t.Errorf("receiver hits = %d, want %d", rcv.hits(), k+1)
			}
			sleeps := h.recordedSleeps()
			if len(sleeps) != k {
				t.Fatalf("sleeps = %v, want %d", sleeps, k)
			}
			for i, d := range sleeps {
				if want := 100 * time.Millisecond << i; d != want {
					t.Errorf("sleep before attempt %d = %v, want %v", i+1, d, want)
				}
			}
			if len(h.dlq.Letters()) != 0 {
				t.Error("dead letter published for a delivered outcome")
			}
			if st := h.breaker(t, "t1"); st.State != ratelimit.StateClosed || st.FailureCount != 0 {
				t.Errorf("breaker = %+v, want closed with 0 failures", st)
			}
		})
	}
}

func TestSendImmediate_PermanentRejections(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	inactive := webhook("inactive", rcv.srv.URL)
	inactive.Active = false
	h := newHarness(t, Config{}, inactive, webhook("orders", rcv.srv.URL))
	ctx := context.Background()

	tests := []struct {
		name       string
		send       func() (delivery.Outcome, error)
		wantReason string
	}{
		{
			name: "inactive target",
			send: func() (delivery.Outcome, error) {
				return h.svc.SendImmediate(ctx, inactive, orderPayload, SendOptions{})
			},
			wantReason: delivery.ReasonTargetInactive,
		},
		{
			name: "not subscribed",
			send: func() (delivery.Outcome, error) {
				return h.svc.Send(ctx, "orders", delivery.Payload{EventType: "user.deleted", Body: json.RawMessage(`{}`)}, SendOptions{})
			},
			wantReason: delivery.ReasonNotSubscribed,
		},
		{
			name: "unknown target",
			send: func() (delivery.Outcome, error) {
				return h.svc.Send(ctx, "ghost", orderPayload, SendOptions{})
			},
			wantReason: delivery.ReasonTargetNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.send()
			if err != nil {
				t.Fatalf("send error = %v", err)
			}
			if out.Status != delivery.StatusRejected || out.Reason != tt.wantReason {
				t.Errorf("outcome = %s/%s, want rejected/%s", out.Status, out.Reason, tt.wantReason)
			}
			if out.Attempts != 0 {
				t.Errorf("Attempts = %d, want 0", out.Attempts)
			}
			if !errors.Is(out.Err, delivery.ErrPermanent) {
				t.Errorf("outcome Err = %v, want ErrPermanent", out.Err)
			}
			if rec, ok := h.store.Record(out.DeliveryID); !ok || rec.Status != delivery.StatusRejected {
				t.Errorf("record = %+v, %v, want rejected record", rec, ok)
			}
		})
	}
	if rcv.hits() != 0 {
		t.Errorf("receiver hits = %d, want 0", rcv.hits())
	}
	for _, id := range []string{"inactive", "orders", "ghost"} {
		if st := h.breaker(t, id); st.FailureCount != 0 {
			t.Errorf("breaker %s failures = %d, want 0", id, st.FailureCount)
		}
	}
}

func TestSend_StoreError(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.deps.Targets = failingTargets{}
	out, err := h.svc.Send(context.Background(), "t1", orderPayload, SendOptions{})
	if err == nil || errors.Is(err, store.ErrNotFound) {
		t.Errorf("Send() error = %v, want store failure", err)
	}
	if out.TargetID != "t1" {
		t.Errorf("Send() outcome target = %q, want t1", out.TargetID)
	}
}

type failingTargets struct{}

func (failingTargets) GetTarget(context.Context, string) (delivery.Target, error) {
	return delivery.Target{}, errors.New("connection refused")
}

func (failingTargets) ListActiveTargets(context.Context, string) ([]delivery.Target, error) {
	return nil, errors.New("connection refused")
}

func TestSendImmediate_RateLimited(t *testing.T) {
	for _, algo := range []string{ratelimit.AlgorithmFixed, ratelimit.AlgorithmSliding} {
		t.Run(algo, func(t *testing.T) {
			rcv := newReceiver(t, always(http.StatusOK))
			target := webhook("t1", rcv.srv.URL)
			target.RateLimit = &delivery.RateLimit{Algorithm: algo, Window: time.Minute, MaxRequests: 2}
			h := newHarness(t, Config{}, target)
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				if out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{}); !out.Delivered() {
					t.Fatalf("send %d = %s/%s, want delivered", i, out.Status, out.Reason)
				}
			}
			out, err := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
			if err != nil {
				t.Fatalf("SendImmediate() error = %v", err)
			}
			if out.Status != delivery.StatusDenied || out.Reason != delivery.ReasonRateLimited {
				t.Errorf("third send = %s/%s, want denied/rate_limited", out.Status, out.Reason)
			}
			if !errors.Is(out.Err, delivery.ErrAdmissionDenied) {
				t.Errorf("outcome Err = %v, want ErrAdmissionDenied", out.Err)
			}
			if rcv.hits() != 2 {
				t.Errorf("receiver hits = %d, want 2", rcv.hits())
			}

			h.clock.Advance(time.Minute + time.Second)
			if out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{}); !out.Delivered() {
				t.Errorf("send after window = %s/%s, want delivered", out.Status, out.Reason)
			}
		})
	}
}

func TestSendImmediate_LimiterUnavailable(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	limited := webhook("limited", rcv.srv.URL)
	limited.RateLimit = &delivery.RateLimit{Algorithm: ratelimit.AlgorithmFixed, Window: time.Minute, MaxRequests: 10}
	open := webhook("open", rcv.srv.URL)
	h := newHarness(t, Config{}, limited, open)
	h.counters.Fail = errors.New("redis: connection refused")
	ctx := context.Background()

	out, err := h.svc.SendImmediate(ctx, limited, orderPayload, SendOptions{})
	if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		t.Errorf("SendImmediate() error = %v, want ErrStoreUnavailable", err)
	}
	if out.Status != delivery.StatusDenied || out.Reason != delivery.ReasonLimiterUnavailable {
		t.Errorf("outcome = %s/%s, want denied/limiter_unavailable", out.Status, out.Reason)
	}
	if rcv.hits() != 0 {
		t.Errorf("receiver hits = %d, want 0", rcv.hits())
	}

	// an unreadable breaker is assumed closed
	out, err = h.svc.SendImmediate(ctx, open, orderPayload, SendOptions{})
	if err != nil {
		t.Errorf("SendImmediate() error = %v, want nil", err)
	}
	if !out.Delivered() {
		t.Errorf("outcome = %s/%s, want delivered", out.Status, out.Reason)
	}
}

func TestSendImmediate_CircuitBreaker(t *testing.T) {
	healthy := false
	var mu sync.Mutex
	rcv := newReceiver(t, func(int) int {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	})
	target := webhook("t1", rcv.srv.URL)
	target.MaxRetries = intPtr(1)
	h := newHarness(t, Config{BreakerThreshold: 2, BreakerRecovery: 30 * time.Second}, target)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
		if out.Status != delivery.StatusExhausted {
			t.Fatalf("send %d = %s, want exhausted", i, out.Status)
		}
	}
	if rcv.hits() != 4 {
		t.Fatalf("receiver hits = %d, want 4", rcv.hits())
	}

	out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
	if out.Status != delivery.StatusDenied || out.Reason != delivery.ReasonCircuitOpen {
		t.Errorf("send with open breaker = %s/%s, want denied/circuit_open", out.Status, out.Reason)
	}
	if out.Attempts != 0 || rcv.hits() != 4 {
		t.Errorf("open breaker made %d attempts (hits %d), want none", out.Attempts, rcv.hits())
	}

	h.clock.Advance(30 * time.Second)
	if out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{}); out.Reason != delivery.ReasonCircuitOpen {
		t.Errorf("send at exactly recovery = %s/%s, want circuit_open", out.Status, out.Reason)
	}

	h.clock.Advance(time.Millisecond)
	mu.Lock()
	healthy = true
	mu.Unlock()
	out, _ = h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
	if !out.Delivered() {
		t.Errorf("half-open probe = %s/%s, want delivered", out.Status, out.Reason)
	}
	if st := h.breaker(t, "t1"); st.State != ratelimit.StateClosed || st.FailureCount != 0 {
		t.Errorf("breaker = %+v, want closed with 0 failures", st)
	}
}

func TestSendImmediate_HalfOpenFailureReopens(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusInternalServerError))
	target := webhook("t1", rcv.srv.URL)
	target.MaxRetries = intPtr(0)
	h := newHarness(t, Config{BreakerThreshold: 1, BreakerRecovery: time.Second}, target)
	ctx := context.Background()

	_, _ = h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
	h.clock.Advance(2 * time.Second)
	out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
	if out.Status != delivery.StatusExhausted {
		t.Fatalf("half-open send = %s, want exhausted", out.Status)
	}
	out, _ = h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
	if out.Reason != delivery.ReasonCircuitOpen {
		t.Errorf("send after half-open failure = %s/%s, want circuit_open", out.Status, out.Reason)
	}
}

func TestSendImmediate_ConfigurationError(t *testing.T) {
	target := webhook("t1", "ftp://files.example.com/hook")
	h := newHarness(t, Config{PublishDLQ: true, BreakerThreshold: 1}, target)

	out, err := h.svc.SendImmediate(context.Background(), target, orderPayload, SendOptions{})
	if err != nil {
		t.Fatalf("SendImmediate() error = %v", err)
	}
	if out.Status != delivery.StatusRejected || out.Reason != delivery.ReasonConfiguration {
		t.Errorf("outcome = %s/%s, want rejected/configuration", out.Status, out.Reason)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if !errors.Is(out.Err, delivery.ErrConfiguration) {
		t.Errorf("outcome Err = %v, want ErrConfiguration", out.Err)
	}
	if st := h.breaker(t, "t1"); st.State != ratelimit.StateClosed || st.FailureCount != 0 {
		t.Errorf("breaker = %+v, want untouched", st)
	}
	if len(h.dlq.Letters()) != 0 {
		t.Error("configuration fault was dead-lettered")
	}
}

func TestSendImmediate_Canceled(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	target := webhook("t1", rcv.srv.URL)
	h := newHarness(t, Config{PublishDLQ: true, BreakerThreshold: 1}, target)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{})
	if out.Status != delivery.StatusExhausted || out.Reason != delivery.ReasonCanceled {
		t.Errorf("outcome = %s/%s, want exhausted/canceled", out.Status, out.Reason)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if st := h.breaker(t, "t1"); st.FailureCount != 0 {
		t.Errorf("breaker failures = %d, want 0", st.FailureCount)
	}
	if _, ok := h.store.Record(out.DeliveryID); !ok {
		t.Error("canceled delivery not recorded")
	}
	if len(h.dlq.Letters()) != 0 {
		t.Error("canceled delivery was dead-lettered")
	}
}

func TestSendImmediate_CanceledOnFinalAttempt(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	target := webhook("t1", rcv.srv.URL)
	h := newHarness(t, Config{PublishDLQ: true, BreakerThreshold: 1}, target)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, _ := h.svc.SendImmediate(ctx, target, orderPayload, SendOptions{MaxRetries: intPtr(0)})
	if out.Status != delivery.StatusExhausted || out.Reason != delivery.ReasonCanceled {
		t.Errorf("outcome = %s/%s, want exhausted/canceled", out.Status, out.Reason)
	}
	if got := h.recordedSleeps(); len(got) != 0 {
		t.Errorf("sleeps = %v, want none", got)
	}
	if st := h.breaker(t, "t1"); st.State != ratelimit.StateClosed || st.FailureCount != 0 {
		t.Errorf("breaker = %+v, want closed with no failures", st)
	}
	if len(h.dlq.Letters()) != 0 {
		t.Error("canceled delivery was dead-lettered")
	}
}

func TestSendImmediate_HistoryFailure(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	target := webhook("t1", rcv.srv.URL)
	h := newHarness(t, Config{}, target)
	h.store.Fail = errors.New("disk full")

	out, err := h.svc.SendImmediate(context.Background(), target, orderPayload, SendOptions{})
	if err == nil {
		t.Error("SendImmediate() error = nil, want history failure")
	}
	if !out.Delivered() {
		t.Errorf("outcome = %s, want delivered", out.Status)
	}
}

func TestSendViaQueue(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	target := webhook("mailer", rcv.srv.URL)
	h := newHarness(t, Config{ChannelTargets: map[string]string{"email": "mailer"}}, target)
	ctx := context.Background()

	at := h.clock.Now().Add(10 * time.Minute)
	out, err := h.svc.SendViaQueue(ctx, "email", queue.PriorityHigh, "", orderPayload, at)
	if err != nil {
		t.Fatalf("SendViaQueue(future) error = %v", err)
	}
	if out.Status != delivery.StatusScheduled || out.QueueID == "" || !out.ScheduledAt.Equal(at) {
		t.Errorf("SendViaQueue(future) = %+v, want scheduled", out)
	}
	if out.TargetID != "mailer" {
		t.Errorf("SendViaQueue(future) target = %q, want channel default mailer", out.TargetID)
	}
	if rcv.hits() != 0 {
		t.Errorf("receiver hits = %d, want 0", rcv.hits())
	}
	if n, _ := h.queue.ScheduledLen(ctx); n != 1 {
		t.Errorf("ScheduledLen() = %d, want 1", n)
	}
	if rec, ok := h.store.Record(out.DeliveryID); !ok || rec.Status != delivery.StatusScheduled {
		t.Errorf("record = %+v, %v, want scheduled", rec, ok)
	}

	for _, when := range []time.Time{{}, h.clock.Now().Add(-time.Minute)} {
		out, err := h.svc.SendViaQueue(ctx, "email", queue.PriorityNormal, "", orderPayload, when)
		if err != nil {
			t.Fatalf("SendViaQueue(%v) error = %v", when, err)
		}
		if !out.Delivered() {
			t.Errorf("SendViaQueue(%v) = %s, want delivered", when, out.Status)
		}
	}
	if rcv.hits() != 2 {
		t.Errorf("receiver hits = %d, want 2", rcv.hits())
	}

	if _, err := h.svc.SendViaQueue(ctx, "fax", queue.PriorityNormal, "", orderPayload, time.Time{}); !errors.Is(err, ErrNoTarget) {
		t.Errorf("SendViaQueue(unmapped channel) error = %v, want ErrNoTarget", err)
	}
}

func TestEnqueue_Admission(t *testing.T) {
	h := newHarness(t, Config{MaxQueueLength: 2, ChannelTargets: map[string]string{"sms": "twilio"}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		e, err := h.svc.Enqueue(ctx, EnqueueRequest{Channel: "sms", Priority: queue.PriorityLow, Payload: orderPayload})
		if err != nil {
			t.Fatalf("Enqueue() #%d error = %v", i, err)
		}
		if e.TargetID != "twilio" {
			t.Errorf("Enqueue() target = %q, want twilio", e.TargetID)
		}
	}
	if _, err := h.svc.Enqueue(ctx, EnqueueRequest{Channel: "sms", Priority: queue.PriorityLow}); !errors.Is(err, ErrQueueFull) || !errors.Is(err, queue.ErrFull) {
		t.Errorf("Enqueue() over capacity error = %v, want ErrQueueFull wrapping queue.ErrFull", err)
	}
	if _, err := h.svc.Enqueue(ctx, EnqueueRequest{Channel: "sms", Priority: queue.PriorityHigh}); err != nil {
		t.Errorf("Enqueue() other partition error = %v, want nil", err)
	}
	if _, err := h.svc.Enqueue(ctx, EnqueueRequest{Channel: "push"}); !errors.Is(err, ErrNoTarget) {
		t.Errorf("Enqueue() unmapped channel error = %v, want ErrNoTarget", err)
	}
	if _, err := h.svc.Enqueue(ctx, EnqueueRequest{Channel: "sms", Priority: "urgent"}); !errors.Is(err, queue.ErrInvalidPriority) {
		t.Errorf("Enqueue() bad priority error = %v, want ErrInvalidPriority", err)
	}

	depth, scheduled, err := h.svc.QueueDepth(ctx, "sms")
	if err != nil {
		t.Fatalf("QueueDepth() error = %v", err)
	}
	if depth[queue.PriorityLow] != 2 || depth[queue.PriorityHigh] != 1 || scheduled != 0 {
		t.Errorf("QueueDepth() = %v, %d", depth, scheduled)
	}
}

func TestDrainQueue_StrictPriority(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	target := webhook("pusher", rcv.srv.URL)
	target.EventTypes = nil
	h := newHarness(t, Config{}, target)
	ctx := context.Background()

	order := []queue.Priority{
		queue.PriorityLow, queue.PriorityNormal, queue.PriorityHigh,
		queue.PriorityLow, queue.PriorityHigh, queue.PriorityNormal,
	}
	for i, p := range order {
		body := fmt.Sprintf(`{"priority":%q,"seq":%d}`, p, i)
		_, err := h.svc.Enqueue(ctx, EnqueueRequest{
			Channel:  "push",
			Priority: p,
			TargetID: "pusher",
			Payload:  delivery.Payload{Body: json.RawMessage(body)},
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	report, err := h.svc.DrainQueue(ctx, "push")
	if err != nil {
		t.Fatalf("DrainQueue() error = %v", err)
	}
	if report.Processed != 6 || report.ByStatus[delivery.StatusDelivered] != 6 {
		t.Errorf("DrainQueue() report = %+v", report)
	}
	for _, p := range queue.Priorities {
		if report.ByPriority[p] != 2 {
			t.Errorf("ByPriority[%s] = %d, want 2", p, report.ByPriority[p])
		}
	}

	want := []string{
		`{"priority":"high","seq":2}`, `{"priority":"high","seq":4}`,
		`{"priority":"normal","seq":1}`, `{"priority":"normal","seq":5}`,
		`{"priority":"low","seq":0}`, `{"priority":"low","seq":3}`,
	}
	got := rcv.received()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("delivery order = %v, want %v", got, want)
	}

	for _, out := range report.Outcomes {
		rec, ok := h.store.Record(out.QueueID)
		if !ok || rec.Status != delivery.StatusDelivered || rec.Channel != "push" {
			t.Errorf("record for entry %s = %+v, %v, want delivered on push", out.QueueID, rec, ok)
		}
	}

	report, err = h.svc.DrainQueue(ctx, "push")
	if err != nil || report.Processed != 0 {
		t.Errorf("second DrainQueue() = %d processed, %v, want 0", report.Processed, err)
	}
}

func TestDrainQueue_ScheduledLifecycle(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	target := webhook("mailer", rcv.srv.URL)
	h := newHarness(t, Config{ChannelTargets: map[string]string{"email": "mailer"}}, target)
	ctx := context.Background()

	out, err := h.svc.SendViaQueue(ctx, "email", queue.PriorityNormal, "", orderPayload, h.clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("SendViaQueue() error = %v", err)
	}

	if n, err := h.svc.PromoteDue(ctx); err != nil || n != 0 {
		t.Errorf("PromoteDue() before due = %d, %v, want 0", n, err)
	}
	if report, _ := h.svc.DrainQueue(ctx, "email"); report.Processed != 0 {
		t.Errorf("DrainQueue() before due processed %d, want 0", report.Processed)
	}

	h.clock.Advance(time.Minute)
	if n, err := h.svc.PromoteDue(ctx); err != nil || n != 1 {
		t.Errorf("PromoteDue() = %d, %v, want 1", n, err)
	}
	if n, _ := h.svc.PromoteDue(ctx); n != 0 {
		t.Errorf("PromoteDue() again = %d, want 0", n)
	}

	report, err := h.svc.DrainQueue(ctx, "email")
	if err != nil || report.Processed != 1 {
		t.Fatalf("DrainQueue() = %+v, %v", report, err)
	}
	if report.Outcomes[0].DeliveryID != out.DeliveryID {
		t.Errorf("drained delivery id = %s, want %s", report.Outcomes[0].DeliveryID, out.DeliveryID)
	}
	if rec, _ := h.store.Record(out.DeliveryID); rec.Status != delivery.StatusDelivered {
		t.Errorf("record status = %s, want delivered", rec.Status)
	}
	if rcv.hits() != 1 {
		t.Errorf("receiver hits = %d, want 1", rcv.hits())
	}
}

func TestDrainQueue_Canceled(t *testing.T) {
	h := newHarness(t, Config{ChannelTargets: map[string]string{"email": "mailer"}})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := h.svc.Enqueue(ctx, EnqueueRequest{Channel: "email"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	cancel()
	if _, err := h.svc.DrainQueue(ctx, "email"); !errors.Is(err, context.Canceled) {
		t.Errorf("DrainQueue() error = %v, want context.Canceled", err)
	}
	if n, _ := h.queue.Len(context.Background(), "email", queue.PriorityNormal); n != 1 {
		t.Errorf("entries left = %d, want 1", n)
	}
}

func TestBroadcast_IsolatesFailures(t *testing.T) {
	good := newReceiver(t, always(http.StatusOK))
	bad := newReceiver(t, always(http.StatusInternalServerError))

	a := webhook("a", good.srv.URL)
	b := webhook("b", bad.srv.URL)
	c := webhook("c", good.srv.URL)
	other := webhook("d", good.srv.URL)
	other.EventTypes = []string{"user.deleted"}
	h := newHarness(t, Config{BroadcastConcurrency: 2}, c, a, b, other)

	outs, err := h.svc.Broadcast(context.Background(), delivery.Event{
		ID:   "evt-1",
		Type: "order.created",
		Data: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("Broadcast() returned %d outcomes, want 3", len(outs))
	}
	want := map[string]delivery.Status{
		"a": delivery.StatusDelivered,
		"b": delivery.StatusExhausted,
		"c": delivery.StatusDelivered,
	}
	for _, out := range outs {
		if out.Status != want[out.TargetID] {
			t.Errorf("target %s = %s, want %s", out.TargetID, out.Status, want[out.TargetID])
		}
	}
	if bad.hits() != 4 {
		t.Errorf("failing target hits = %d, want 4", bad.hits())
	}
	for _, body := range good.received() {
		var ev delivery.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil || ev.ID != "evt-1" || ev.Type != "order.created" {
			t.Errorf("broadcast body = %s", body)
		}
	}
}

// panicky fails hard for one target and succeeds for the rest.
type panicky struct{}

func (panicky) ExecuteWithRetry(_ context.Context, t delivery.Target, _ delivery.Payload, _ retry.Overrides) retry.Outcome {
	if t.ID == "boom" {
		panic("exploded")
	}
	return retry.Outcome{Success: true, Attempts: 1, Last: executor.Result{Status: http.StatusOK}}
}

func TestBroadcast_RecoversPanics(t *testing.T) {
	h := newHarness(t, Config{},
		webhook("ok-1", "http://localhost"),
		webhook("boom", "http://localhost"),
		webhook("ok-2", "http://localhost"),
	)
	h.svc.deps.Retrier = panicky{}

	outs, err := h.svc.Broadcast(context.Background(), delivery.Event{ID: "e", Type: "order.created"})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	for _, out := range outs {
		switch out.TargetID {
		case "boom":
			if out.Err == nil || out.Delivered() {
				t.Errorf("panicking target outcome = %+v, want error", out)
			}
		default:
			if !out.Delivered() {
				t.Errorf("target %s = %s, want delivered", out.TargetID, out.Status)
			}
		}
	}
}

func TestBroadcast_ListError(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.deps.Targets = failingTargets{}
	if _, err := h.svc.Broadcast(context.Background(), delivery.Event{Type: "x"}); err == nil {
		t.Error("Broadcast() error = nil, want failure")
	}
}

func TestRunScheduler(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusOK))
	h := newHarness(t, Config{ChannelTargets: map[string]string{"webhook": "t1"}}, webhook("t1", rcv.srv.URL))
	WithDrainRate(1000, 10)(h.svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := h.svc.Enqueue(ctx, EnqueueRequest{Channel: "webhook", Payload: orderPayload}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	done := make(chan error, 1)
	go func() { done <- h.svc.RunScheduler(ctx, 10*time.Millisecond, []string{"webhook"}) }()

	deadline := time.Now().Add(5 * time.Second)
	for rcv.hits() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunScheduler() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunScheduler() did not stop after cancel")
	}
	if rcv.hits() != 3 {
		t.Errorf("receiver hits = %d, want 3", rcv.hits())
	}
}

func TestNoQueue(t *testing.T) {
	svc := New(Config{}, Deps{}, WithLogger(quietLogger()))
	if _, err := svc.Enqueue(context.Background(), EnqueueRequest{Channel: "email"}); !errors.Is(err, ErrNoQueue) {
		t.Errorf("Enqueue() error = %v, want ErrNoQueue", err)
	}
	if _, err := svc.DrainQueue(context.Background(), "email"); !errors.Is(err, ErrNoQueue) {
		t.Errorf("DrainQueue() error = %v, want ErrNoQueue", err)
	}
	if err := svc.RunScheduler(context.Background(), time.Second, nil); !errors.Is(err, ErrNoQueue) {
		t.Errorf("RunScheduler() error = %v, want ErrNoQueue", err)
	}
}

func TestProbeTarget(t *testing.T) {
	rcv := newReceiver(t, always(http.StatusNoContent))
	h := newHarness(t, Config{}, webhook("t1", rcv.srv.URL))

	res, err := h.svc.ProbeTarget(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ProbeTarget() error = %v", err)
	}
	if !res.Healthy || res.Status != http.StatusNoContent {
		t.Errorf("ProbeTarget() = %+v, want healthy 204", res)
	}
	if _, err := h.svc.ProbeTarget(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ProbeTarget(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	if got.BreakerThreshold != DefaultBreakerThreshold || got.BreakerRecovery != DefaultBreakerRecovery ||
		got.BroadcastConcurrency != DefaultBroadcastConcurrency {
		t.Errorf("withDefaults() = %+v", got)
	}
	custom := Config{BreakerThreshold: 2, BreakerRecovery: time.Second, BroadcastConcurrency: 4}.withDefaults()
	if custom.BreakerThreshold != 2 || custom.BreakerRecovery != time.Second || custom.BroadcastConcurrency != 4 {
		t.Errorf("withDefaults() overrode explicit values: %+v", custom)
	}
}
