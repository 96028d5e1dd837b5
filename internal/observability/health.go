// Package observability provides health checks, metrics, and tracing capabilities
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthChecker reports whether a component is alive.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Name() string
}

// ReadinessChecker reports whether a component can serve requests.
type ReadinessChecker interface {
	ReadinessCheck(ctx context.Context) error
	Name() string
}

// ComponentStatus is the result of one check.
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// CheckResponse is the body served by /healthz and /readyz.
type CheckResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentStatus `json:"components"`
}

// Check status values
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthManager runs health and readiness checks
type HealthManager struct {
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu        sync.RWMutex
	health    []HealthChecker
	readiness []ReadinessChecker
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger, timeout time.Duration) *HealthManager {
	return &HealthManager{
		logger:  logger,
		timeout: timeout,
	}
}

// AddHealthChecker registers a health checker
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.mu.Lock()
	hm.health = append(hm.health, checker)
	hm.mu.Unlock()
}

// AddReadinessChecker registers a readiness checker
func (hm *HealthManager) AddReadinessChecker(checker ReadinessChecker) {
	hm.mu.Lock()
	hm.readiness = append(hm.readiness, checker)
	hm.mu.Unlock()
}

// HealthzHandler serves /healthz
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()
		hm.write(w, hm.CheckHealth(ctx), StatusHealthy)
	}
}

// ReadyzHandler serves /readyz
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()
		hm.write(w, hm.CheckReadiness(ctx), StatusReady)
	}
}

// CheckHealth runs every health checker.
func (hm *HealthManager) CheckHealth(ctx context.Context) CheckResponse {
	hm.mu.RLock()
	checkers := append([]HealthChecker(nil), hm.health...)
	hm.mu.RUnlock()

	resp := CheckResponse{Status: StatusHealthy, Timestamp: time.Now()}
	for _, c := range checkers {
		status := hm.run(ctx, c.Name(), c.HealthCheck, StatusHealthy, StatusUnhealthy)
		if status.Error != "" {
			resp.Status = StatusUnhealthy
		}
		resp.Components = append(resp.Components, status)
	}
	return resp
}

// CheckReadiness runs every readiness checker.
func (hm *HealthManager) CheckReadiness(ctx context.Context) CheckResponse {
	hm.mu.RLock()
	checkers := append([]ReadinessChecker(nil), hm.readiness...)
	hm.mu.RUnlock()

	resp := CheckResponse{Status: StatusReady, Timestamp: time.Now()}
	for _, c := range checkers {
		status := hm.run(ctx, c.Name(), c.ReadinessCheck, StatusReady, StatusNotReady)
		if status.Error != "" {
			resp.Status = StatusNotReady
		}
		resp.Components = append(resp.Components, status)
	}
	return resp
}

func (hm *HealthManager) run(ctx context.Context, name string, check func(context.Context) error, ok, bad string) ComponentStatus {
	start := time.Now()
	status := ComponentStatus{Name: name, Status: ok}
	if err := check(ctx); err != nil {
		status.Status = bad
		status.Error = err.Error()
		hm.logger.Warnw("Check failed", "component", name, "status", bad, "error", err)
	}
	status.Latency = time.Since(start).String()
	return status
}

func (hm *HealthManager) write(w http.ResponseWriter, resp CheckResponse, okStatus string) {
	code := http.StatusOK
	if resp.Status != okStatus {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hm.logger.Errorw("Failed to encode health response", "error", err)
	}
}
