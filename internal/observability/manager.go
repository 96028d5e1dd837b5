package observability

import (
	"context"
	"net/http"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
)

// Status label values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const defaultHealthTimeout = 5 * time.Second

// Manager coordinates health checks, metrics and tracing. A nil *Manager is
// valid and records nothing, so components can take one unconditionally.
type Manager struct {
	logger  *zap.SugaredLogger
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager builds the observability stack described by cfg.
func NewManager(logger *zap.SugaredLogger, cfg config.ObservabilityConfig, version string) (*Manager, error) {
	m := &Manager{
		logger:    logger,
		health:    NewHealthManager(logger, defaultHealthTimeout),
		startTime: time.Now(),
	}

	if cfg.Metrics.Enabled {
		m.metrics = NewMetricsManager(logger)
		logger.Info("Prometheus metrics enabled")
	}

	if cfg.Tracing.Enabled {
		tracing, err := NewTracingManager(logger, TracingConfig{
			Enabled:        true,
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		m.tracing = tracing
	}

	return m, nil
}

// Health returns the health manager
func (m *Manager) Health() *HealthManager {
	if m == nil {
		return nil
	}
	return m.health
}

// Metrics returns the metrics manager, nil when metrics are disabled
func (m *Manager) Metrics() *MetricsManager {
	if m == nil {
		return nil
	}
	return m.metrics
}

// RegisterHealthChecker registers a health checker
func (m *Manager) RegisterHealthChecker(checker HealthChecker) {
	if m != nil {
		m.health.AddHealthChecker(checker)
	}
}

// RegisterReadinessChecker registers a readiness checker
func (m *Manager) RegisterReadinessChecker(checker ReadinessChecker) {
	if m != nil {
		m.health.AddReadinessChecker(checker)
	}
}

// HTTPMiddleware returns combined HTTP middleware for metrics and tracing
func (m *Manager) HTTPMiddleware(pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	var middlewares []func(http.Handler) http.Handler
	if m != nil && m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware(pathLabel))
	}
	if m != nil && m.tracing != nil {
		middlewares = append(middlewares, m.tracing.HTTPMiddleware())
	}

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// UpdateMetrics refreshes gauges derived from process state
func (m *Manager) UpdateMetrics() {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.SetUptime(m.startTime)
}

// StartExecutionSpan starts the span for one query execution.
func (m *Manager) StartExecutionSpan(ctx context.Context, sessionID string) (context.Context, oteltrace.Span) {
	if m == nil || m.tracing == nil {
		return ctx, oteltrace.SpanFromContext(context.Background())
	}
	return m.tracing.TraceExecution(ctx, sessionID)
}

// StartToolSpan starts the span for one tool invocation.
func (m *Manager) StartToolSpan(ctx context.Context, serverID, toolName string) (context.Context, oteltrace.Span) {
	if m == nil || m.tracing == nil {
		return ctx, oteltrace.SpanFromContext(context.Background())
	}
	return m.tracing.TraceToolCall(ctx, serverID, toolName)
}

// StartSpawnSpan starts the span for one tool server start.
func (m *Manager) StartSpawnSpan(ctx context.Context, serverID string) (context.Context, oteltrace.Span) {
	if m == nil || m.tracing == nil {
		return ctx, oteltrace.SpanFromContext(context.Background())
	}
	return m.tracing.TraceSpawn(ctx, serverID)
}

// RecordToolCall records the outcome of one tool invocation.
func (m *Manager) RecordToolCall(serverID, toolName string, duration time.Duration, err error) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordToolCall(serverID, toolName, statusOf(err), duration)
}

// RecordToolServerSpawn records one tool server start attempt.
func (m *Manager) RecordToolServerSpawn(err error) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordToolServerSpawn(statusOf(err))
}

// RecordExecution records a finished execution with its final status.
func (m *Manager) RecordExecution(status string, duration time.Duration) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordExecution(status, duration)
}

// ConnectionOpened increments the active connection gauge.
func (m *Manager) ConnectionOpened() {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.AddActiveConnections(1)
}

// ConnectionClosed decrements the active connection gauge.
func (m *Manager) ConnectionClosed() {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.AddActiveConnections(-1)
}

// SetConversations records how many conversations are held in memory.
func (m *Manager) SetConversations(n int) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.SetConversations(n)
}

// RecordStorageOperation records a storage operation
func (m *Manager) RecordStorageOperation(operation string, err error) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordStorageOperation(operation, statusOf(err))
}

// Close flushes pending spans.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.tracing == nil {
		return nil
	}
	if err := m.tracing.Close(ctx); err != nil {
		m.logger.Errorw("Failed to close tracing manager", "error", err)
		return err
	}
	return nil
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
