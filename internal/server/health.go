package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

// Health serves liveness and readiness from named checks.
type Health struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewHealth creates an empty check set. Each check gets timeout.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{checks: make(map[string]CheckFunc), timeout: timeout}
}

// Register adds or replaces a named check.
func (h *Health) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Check runs every check and returns the failures keyed by name.
func (h *Health) Check(ctx context.Context) map[string]error {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	failed := make(map[string]error)
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		if err := check(cctx); err != nil {
			failed[name] = err
		}
		cancel()
	}
	return failed
}

func (h *Health) readyz(w http.ResponseWriter, r *http.Request) {
	failed := h.Check(r.Context())
	report := healthReport{Status: "ok"}
	code := http.StatusOK
	if len(failed) > 0 {
		report.Status = "unavailable"
		report.Checks = make(map[string]string, len(failed))
		for name, err := range failed {
			report.Checks[name] = err.Error()
		}
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// Handler returns the operational mux: /metrics from gatherer, /healthz
// (always ok while serving) and /readyz (runs the checks).
func Handler(gatherer prometheus.Gatherer, health *Health) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthReport{Status: "ok"})
	})
	if health != nil {
		mux.HandleFunc("/readyz", health.readyz)
	}
	return mux
}
