package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/signing"
)

// receiverConfig shapes how the receiver misbehaves.
type receiverConfig struct {
	secret     string        // verify signatures when set
	header     string        // signature header, signing.DefaultHeader when empty
	failFirstN int64         // answer failStatus to the first N accepted requests
	failStatus int           // status used while failing
	delay      time.Duration // added to every response
}

type receiver struct {
	cfg      receiverConfig
	requests atomic.Int64
	logger   *logging.Logger
}

func newReceiver(cfg receiverConfig, logger *logging.Logger) *receiver {
	if cfg.failStatus == 0 {
		cfg.failStatus = http.StatusInternalServerError
	}
	return &receiver{cfg: cfg, logger: logger}
}

func main() {
	cfg := receiverConfig{
		secret:     os.Getenv("SIGNING_SECRET"),
		header:     os.Getenv("SIGNATURE_HEADER"),
		failFirstN: int64(getEnvInt("FAIL_FIRST_N", 0)),
		failStatus: getEnvInt("FAIL_STATUS", http.StatusInternalServerError),
	}
	if v := os.Getenv("RESPONSE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.delay = d
		}
	}

	logger := logging.New("fake-receiver")
	rcv := newReceiver(cfg, logger)

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	logger.Plain().WithFields(map[string]any{
		"signed":       cfg.secret != "",
		"fail_first_n": cfg.failFirstN,
		"fail_status":  cfg.failStatus,
	}).Infof("fake-receiver listening on %s", addr)
	if err := http.ListenAndServe(addr, rcv.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rc.cfg.delay > 0 {
		select {
		case <-time.After(rc.cfg.delay):
		case <-r.Context().Done():
			return
		}
	}

	entry := rc.logger.WithContext(r.Context()).WithField("path", r.URL.Path)

	if rc.cfg.secret != "" {
		if err := signing.VerifyRequest(r.Header, rc.cfg.header, b, rc.cfg.secret); err != nil {
			entry.WithError(err).Warn("signature rejected")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	n := rc.requests.Add(1)
	if n <= rc.cfg.failFirstN {
		entry.WithField("body", truncate(string(b), 160)).Infof("failing (%d/%d)", n, rc.cfg.failFirstN)
		http.Error(w, "temporary failure", rc.cfg.failStatus)
		return
	}

	entry.WithField("body", truncate(string(b), 160)).Info("accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
