package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool and the counter stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Check pings every dependency and reports which ones failed.
func Check(ctx context.Context, deps map[string]Pinger, timeout time.Duration) Status {
	st := Status{OK: true, Message: "ok", Checks: make(map[string]bool, len(deps))}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := deps[name]
		if p == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(pctx)
		cancel()
		st.Checks[name] = err == nil
		if err != nil && st.OK {
			st.OK = false
			st.Message = name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), deps, time.Second)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
