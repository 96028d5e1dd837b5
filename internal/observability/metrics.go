package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	toolServers  *prometheus.CounterVec

	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	activeConnections prometheus.Gauge
	conversations     prometheus.Gauge
	storageOps        *prometheus.CounterVec
}

// NewMetricsManager creates a metrics manager with its own registry
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpagent_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpagent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpagent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpagent_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpagent_tool_call_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolServers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpagent_tool_servers_spawned_total",
			Help: "Tool server processes started, by outcome",
		},
		[]string{"status"},
	)

	mm.executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpagent_executions_total",
			Help: "Queries executed, by outcome",
		},
		[]string{"status"}, // completed, failed, timeout, cancelled
	)

	mm.executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpagent_execution_duration_seconds",
			Help:    "Query execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	mm.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpagent_active_connections",
		Help: "Number of open client connections",
	})

	mm.conversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpagent_conversations",
		Help: "Number of conversations held in memory",
	})

	mm.storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpagent_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.toolCalls,
		mm.toolDuration,
		mm.toolServers,
		mm.executions,
		mm.executionDuration,
		mm.activeConnections,
		mm.conversations,
		mm.storageOps,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordToolCall records a tool invocation
func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// RecordToolServerSpawn records one tool server start attempt
func (mm *MetricsManager) RecordToolServerSpawn(status string) {
	mm.toolServers.WithLabelValues(status).Inc()
}

// RecordExecution records a finished query execution
func (mm *MetricsManager) RecordExecution(status string, duration time.Duration) {
	mm.executions.WithLabelValues(status).Inc()
	mm.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// AddActiveConnections adjusts the open connection gauge by delta
func (mm *MetricsManager) AddActiveConnections(delta int) {
	mm.activeConnections.Add(float64(delta))
}

// SetConversations sets the number of stored conversations
func (mm *MetricsManager) SetConversations(n int) {
	mm.conversations.Set(float64(n))
}

// RecordStorageOperation records a storage operation
func (mm *MetricsManager) RecordStorageOperation(operation, status string) {
	mm.storageOps.WithLabelValues(operation, status).Inc()
}

// HTTPMiddleware returns middleware that records HTTP metrics.
// pathLabel maps a request to a low-cardinality label; nil uses the raw path.
func (mm *MetricsManager) HTTPMiddleware(pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if pathLabel != nil {
				path = pathLabel(r)
			}
			mm.RecordHTTPRequest(r.Method, path, http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter captures the status code. Flush is forwarded so streamed
// responses keep working behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
