// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================
//
//   GET /health      overall status plus every named check
//   GET /healthz     liveness: is the process serving at all
//   GET /readyz      readiness: started, not shutting down, checks passing
//
// A check is a function returning nil when its component is usable; the
// serve command registers one that lists topics on the backend.
//
// =============================================================================

package rpc

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check results.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// checkTimeout bounds each check.
const checkTimeout = 2 * time.Second

// HealthCheck reports whether one component is usable.
type HealthCheck func(ctx context.Context) error

// HealthCheckResult is one check's outcome.
type HealthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthState tracks probe status.
type HealthState struct {
	ready     atomic.Bool
	live      atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHealthState returns a live, not yet ready state.
func NewHealthState() *HealthState {
	h := &HealthState{
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
	h.live.Store(true)
	return h
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthState) SetReady(ready bool) { h.ready.Store(ready) }

// SetLive marks the server as alive.
func (h *HealthState) SetLive(live bool) { h.live.Store(live) }

// IsReady returns whether the server is ready for traffic.
func (h *HealthState) IsReady() bool { return h.ready.Load() }

// IsLive returns whether the server is alive.
func (h *HealthState) IsLive() bool { return h.live.Load() }

// Uptime returns how long the state has existed.
func (h *HealthState) Uptime() time.Duration { return time.Since(h.startTime) }

// AddCheck registers a named check, replacing any with the same name.
func (h *HealthState) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// RunChecks executes every check and reports whether all passed.
func (h *HealthState) RunChecks(ctx context.Context) (map[string]HealthCheckResult, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]HealthCheckResult, len(names))
	ok := true
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := checks[name](cctx)
		cancel()
		res := HealthCheckResult{Status: StatusPass, Latency: time.Since(start).String()}
		if err != nil {
			res.Status = StatusFail
			res.Message = err.Error()
			ok = false
		}
		results[name] = res
	}
	return results, ok
}

func (h *HealthState) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.RunChecks(r.Context())
	status, code := StatusPass, http.StatusOK
	if !ok || !h.IsLive() {
		status, code = StatusFail, http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    h.Uptime().String(),
		"checks":    checks,
	})
}

func (h *HealthState) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	if !h.IsLive() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  StatusFail,
			"message": "server is not alive",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": StatusPass,
		"uptime": h.Uptime().String(),
	})
}

func (h *HealthState) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  StatusFail,
			"message": "server is not ready",
		})
		return
	}
	checks, ok := h.RunChecks(r.Context())
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": StatusFail,
			"checks": checks,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": StatusPass,
		"checks": checks,
	})
}
