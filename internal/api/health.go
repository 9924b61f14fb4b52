// =============================================================================
// HEALTH CHECK ENDPOINTS
// =============================================================================
//
//   GET /health      - Overall status
//   GET /healthz     - Liveness: is the process responsive?
//   GET /readyz      - Readiness: should traffic be routed here?
//   GET /livez       - Startup: has initialization completed?
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │   Start() ──► ready=true ──► /readyz 200                                │
//   │   Stop()  ──► ready=false ──► /readyz 503 while requests drain          │
//   │                                                                         │
//   │   /readyz?verbose=true runs the registered checks:                      │
//   │     brokers  fail when no broker is alive, warn when some are down      │
//   │     topics   pass with the topic count                                  │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// =============================================================================

package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Health check statuses.
const (
	CheckPass = "pass"
	CheckWarn = "warn"
	CheckFail = "fail"
)

// HealthState tracks the health check status of one server.
type HealthState struct {
	ready atomic.Bool
	live  atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck checks one component.
type HealthCheck func(ctx context.Context) HealthCheckResult

// HealthCheckResult is the outcome of a HealthCheck.
type HealthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthState creates a live, not yet ready state.
func NewHealthState() *HealthState {
	h := &HealthState{
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
	h.live.Store(true)
	return h
}

func (h *HealthState) SetReady(ready bool) { h.ready.Store(ready) }
func (h *HealthState) SetLive(live bool)   { h.live.Store(live) }
func (h *HealthState) IsReady() bool       { return h.ready.Load() }
func (h *HealthState) IsLive() bool        { return h.live.Load() }

// AddCheck registers a named check, replacing one with the same name.
func (h *HealthState) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Uptime returns how long the server has existed.
func (h *HealthState) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// Run executes every check. Overall status is the worst result.
func (h *HealthState) Run(ctx context.Context) (string, map[string]HealthCheckResult) {
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

	overall := CheckPass
	results := make(map[string]HealthCheckResult, len(names))
	for _, name := range names {
		start := time.Now()
		result := checks[name](ctx)
		result.Latency = time.Since(start).String()
		results[name] = result

		switch result.Status {
		case CheckFail:
			overall = CheckFail
		case CheckWarn:
			if overall == CheckPass {
				overall = CheckWarn
			}
		}
	}
	return overall, results
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall, results := s.health.Run(r.Context())
	status := http.StatusOK
	if overall == CheckFail {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
		"checks":    results,
	})
}

// handleHealthz answers the liveness check. It runs no checks; a failing
// liveness check restarts the process.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsLive() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  CheckFail,
			"message": "server is not alive",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": CheckPass,
		"uptime": s.health.Uptime().String(),
	})
}

// handleReadyz answers the readiness check.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	overall, results := s.health.Run(r.Context())
	switch {
	case !s.health.IsReady():
		resp["status"] = CheckFail
		resp["message"] = "server is not ready"
		status = http.StatusServiceUnavailable
	case overall == CheckFail:
		resp["status"] = CheckFail
		status = http.StatusServiceUnavailable
	default:
		resp["status"] = overall
	}
	if verbose {
		resp["checks"] = results
	}
	s.writeJSON(w, status, resp)
}

// handleLivez answers the startup check.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  CheckFail,
			"message": "cluster not yet initialized",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": CheckPass,
		"uptime": s.health.Uptime().String(),
	})
}

func (s *Server) checkBrokers(ctx context.Context) HealthCheckResult {
	brokers := s.cluster.Directory().Brokers()
	alive := 0
	for _, b := range brokers {
		if b.Alive {
			alive++
		}
	}
	msg := fmt.Sprintf("%d of %d brokers alive", alive, len(brokers))
	switch {
	case alive == 0:
		return HealthCheckResult{Status: CheckFail, Message: msg}
	case alive < len(brokers):
		return HealthCheckResult{Status: CheckWarn, Message: msg}
	default:
		return HealthCheckResult{Status: CheckPass, Message: msg}
	}
}

func (s *Server) checkTopics(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:  CheckPass,
		Message: fmt.Sprintf("%d topics", len(s.cluster.Topics())),
	}
}

// =============================================================================
// VERSION
// =============================================================================

// Version information, set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}
