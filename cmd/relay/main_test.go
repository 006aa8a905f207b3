package main

import (
	"context"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
)

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func TestRetryConfig(t *testing.T) {
	got := retryConfig(config.Dispatch{
		MaxRetries:    4,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      time.Minute,
		JitterPercent: 0.1,
		MaxElapsed:    10 * time.Minute,
	})
	if got.MaxRetries != 4 || got.BaseDelay != 250*time.Millisecond {
		t.Errorf("retryConfig() = %+v, want MaxRetries 4 BaseDelay 250ms", got)
	}
	if got.MaxDelay != time.Minute || got.Jitter != 0.1 || got.MaxElapsed != 10*time.Minute {
		t.Errorf("retryConfig() = %+v, want MaxDelay 1m Jitter 0.1 MaxElapsed 10m", got)
	}
}

func TestHealthDeps(t *testing.T) {
	deps := healthDeps(okPinger{}, okPinger{}, nil)
	if len(deps) != 2 {
		t.Errorf("healthDeps() len = %d, want 2", len(deps))
	}
	if _, ok := deps["nsqd"]; ok {
		t.Error("healthDeps() should skip nsqd without a DLQ publisher")
	}
}
