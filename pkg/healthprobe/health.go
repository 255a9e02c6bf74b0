// Package healthprobe provides liveness and readiness endpoints plus a
// small registry of per-component health checks.
package healthprobe

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc reports a component's health; nil means healthy.
type CheckFunc func() error

// HealthChecker provides health and readiness checks.
type HealthChecker struct {
	startTime time.Time
	ready     atomic.Bool

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// New creates a new HealthChecker.
func New() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// SetReady marks the application as ready to serve traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RegisterCheck adds a named component check reported by /health.
// Registering the same name again replaces the check.
func (h *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[name] = check
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// runChecks evaluates every registered check in name order and reports
// per-component status strings plus overall degradation.
func (h *HealthChecker) runChecks() (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, 0, len(names))
	for _, name := range names {
		checks = append(checks, h.checks[name])
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return nil, false
	}

	components := make(map[string]string, len(names))
	degraded := false
	for i, name := range names {
		if err := checks[i](); err != nil {
			components[name] = err.Error()
			degraded = true
		} else {
			components[name] = "ok"
		}
	}

	return components, degraded
}

// Health returns an HTTP handler for liveness checks. The process is
// alive as long as it answers, so the status code is always 200; failing
// component checks mark the payload degraded.
func (h *HealthChecker) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components, degraded := h.runChecks()
		status := "healthy"
		if degraded {
			status = "degraded"
		}
		resp := HealthResponse{
			Status:     status,
			Uptime:     time.Since(h.startTime).String(),
			Components: components,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Ready returns an HTTP handler for readiness checks.
// Returns 200 OK if ready, 503 Service Unavailable if not.
func (h *HealthChecker) Ready() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.Load() {
			resp := HealthResponse{
				Status:  "not_ready",
				Message: "application is starting",
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		resp := HealthResponse{
			Status: "ready",
			Uptime: time.Since(h.startTime).String(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
