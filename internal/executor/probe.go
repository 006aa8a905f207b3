package executor

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// ProbeResult reports the reachability of a target's health check endpoint.
type ProbeResult struct {
	Healthy  bool          `json:"healthy"`
	Status   int           `json:"status,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Probe issues a GET to the target's HealthCheckURL, falling back to its URL.
// Probes carry the target credentials but are not recorded as attempts.
func (e *Executor) Probe(ctx context.Context, target delivery.Target) ProbeResult {
	probeTarget := target
	if target.HealthCheckURL != "" {
		probeTarget.URL = target.HealthCheckURL
	}
	timeout := e.timeoutFor(target, Options{})
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	req, _, err := e.buildRequest(ctx, probeTarget, delivery.Payload{Method: "GET"}, "probe", Options{})
	if err != nil {
		return ProbeResult{Error: err.Error(), Duration: e.now().Sub(start)}
	}

	var res Result
	e.do(ctx, req, timeout, &res)
	return ProbeResult{
		Healthy:  res.Success(),
		Status:   res.Status,
		Duration: e.now().Sub(start),
		Error:    res.Error,
	}
}
