package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/connection"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/contracts"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/orchestrator"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/reqcontext"
	internalRuntime "github.com/smart-mcp-proxy/mcpagent-go/internal/runtime"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/storage"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream"
)

const (
	maxRequestBody     = 1 << 20
	sseHeartbeat       = 30 * time.Second
	defaultExecsLimit  = 50
	maxExecutionsLimit = 500
)

// sseEventBuffer is how many events an SSE stream queues before the
// execution waits for the client.
var sseEventBuffer = 256

// ServerController defines what the HTTP API needs from the runtime
type ServerController interface {
	IsReady() bool

	// Sessions
	OpenSession(ctx context.Context, params config.ConnectionParams) (*internalRuntime.Session, error)
	SendMessage(ctx context.Context, sessionID, query string) (*execution.Answer, error)
	SessionState(sessionID string) (string, bool)
	CloseSession(sessionID string) bool
	ListSessions() []connection.Info

	// One-shot queries
	Query(ctx context.Context, params config.ConnectionParams, query string) (*execution.Answer, error)
	QuerySubAgent(ctx context.Context, subAgentID string, params config.ConnectionParams, query string) (*execution.Answer, error)

	// Activity log
	ListActivities(filter storage.ActivityFilter) ([]*storage.ActivityRecord, int, error)
	GetActivity(id string) (*storage.ActivityRecord, error)
	ListExecutions(sessionID string, limit int) ([]*storage.ExecutionRecord, error)
}

// Server provides HTTP API endpoints with chi router
type Server struct {
	controller    ServerController
	apiKey        string
	logger        *zap.SugaredLogger
	httpLogger    *zap.Logger // Separate logger for HTTP requests
	router        *chi.Mux
	observability *observability.Manager
}

// NewServer creates a new HTTP API server. An empty apiKey disables
// authentication.
func NewServer(controller ServerController, apiKey string, logger *zap.SugaredLogger, obs *observability.Manager) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		controller:    controller,
		apiKey:        apiKey,
		logger:        logger,
		httpLogger:    logger.Desugar().Named("http"),
		router:        chi.NewRouter(),
		observability: obs,
	}

	if apiKey == "" {
		logger.Warn("API key not configured, the session API is unauthenticated")
	}

	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// apiKeyAuthMiddleware checks X-API-Key or the apikey query parameter
func (s *Server) apiKeyAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !s.validateAPIKey(r) {
				GetLogger(r.Context()).Warnw("Request with invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)
				s.writeError(w, r, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) validateAPIKey(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("apikey")
	}
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

// routePattern labels metrics by chi route pattern so ids stay out of labels
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.observability.HTTPMiddleware(routePattern))
	s.router.Use(s.httpLoggingMiddleware())
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestScopeMiddleware(s.logger))

	readinessHandler := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.controller.IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ready":true}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false}`))
	}

	if health := s.observability.Health(); health != nil {
		s.router.Get("/healthz", health.HealthzHandler())
		s.router.Get("/readyz", health.ReadyzHandler())
	} else {
		s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		s.router.Get("/readyz", readinessHandler)
	}
	if metrics := s.observability.Metrics(); metrics != nil {
		s.router.Handle("/metrics", metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.apiKeyAuthMiddleware())

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/sessions/{id}/messages", s.handleSendMessage)
		r.Get("/sessions/{id}/executions", s.handleListExecutions)

		r.Post("/query", s.handleQuery)
		r.Post("/subagents/{id}/query", s.handleSubAgentQuery)

		r.Get("/activity", s.handleListActivity)
		r.Get("/activity/{id}", s.handleGetActivityDetail)
	})

	s.logger.Debugw("HTTP API routes setup completed",
		"api_routes", "/api/v1/*",
		"health_routes", "/healthz,/readyz")
}

// httpLoggingMiddleware logs one line per request
func (s *Server) httpLoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			s.httpLogger.Info("HTTP API Request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("status", ww.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", w.Header().Get(reqcontext.RequestIDHeader)),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface by delegating to the underlying ResponseWriter
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, status, contracts.NewErrorResponseWithRequestID(message, reqcontext.GetRequestID(r.Context())))
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, contracts.NewSuccessResponse(data))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	return dec.Decode(v)
}

// Session handlers

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := contracts.ConvertSessionInfos(s.controller.ListSessions())
	s.writeSuccess(w, contracts.ListSessionsResponse{Sessions: sessions, Total: len(sessions)})
}

// handleCreateSession opens a connection and initializes its tools. Any
// failure is reported as one error and leaves no session behind.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		s.writeError(w, r, http.StatusBadRequest, "agent_id is required")
		return
	}

	sess, err := s.controller.OpenSession(r.Context(), config.ConnectionParams{
		AgentID:     req.AgentID,
		WorkspaceID: req.WorkspaceID,
		Credentials: req.Credentials,
		Flags:       req.Flags,
	})
	if err != nil {
		GetLogger(r.Context()).Warnw("Failed to create session", "agent_id", req.AgentID, "error", err)
		s.writeError(w, r, sessionErrorStatus(err), err.Error())
		return
	}

	disabled := make([]contracts.DisabledServer, 0, len(sess.Disabled))
	for _, d := range sess.Disabled {
		disabled = append(disabled, contracts.DisabledServer{ID: d.ID, Reason: d.DisabledReason})
	}

	s.writeSuccess(w, contracts.SessionResponse{
		SessionID:  sess.ID,
		State:      sess.State,
		Operations: contracts.ConvertOperations(sess.Operations),
		Disabled:   disabled,
	})
}

func sessionErrorStatus(err error) int {
	var dup *upstream.DuplicateOperationError
	switch {
	case errors.Is(err, internalRuntime.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, upstream.ErrNoToolsAvailable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &dup):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrCleanedUp):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.controller.CloseSession(id) {
		s.writeError(w, r, http.StatusNotFound, "Session not found")
		return
	}
	s.writeSuccess(w, map[string]string{"session_id": id, "state": "closed"})
}

// handleSendMessage runs one query. Clients that accept text/event-stream
// (or pass stream=true) receive execution events as they happen; others
// get the answer as JSON.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req contracts.MessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if _, ok := s.controller.SessionState(id); !ok {
		s.writeError(w, r, http.StatusNotFound, "Session not found")
		return
	}

	if wantsEventStream(r) {
		s.streamMessage(w, r, id, req.Query)
		return
	}

	answer, err := s.controller.SendMessage(r.Context(), id, req.Query)
	if err != nil {
		s.writeError(w, r, messageErrorStatus(err), err.Error())
		return
	}
	s.writeSuccess(w, contracts.ConvertAnswer(answer))
}

func wantsEventStream(r *http.Request) bool {
	if v, err := strconv.ParseBool(r.URL.Query().Get("stream")); err == nil {
		return v
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func messageErrorStatus(err error) int {
	var timeoutErr *execution.TimeoutError
	var cancelledErr *execution.CancelledError
	switch {
	case errors.Is(err, connection.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotInitialized):
		return http.StatusConflict
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &cancelledErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleQuery answers one query without a session: tool servers are
// started for the request and stopped before the response is written.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		s.writeError(w, r, http.StatusBadRequest, "agent_id is required")
		return
	}

	answer, err := s.controller.Query(r.Context(), queryParams(req, req.AgentID), req.Query)
	s.writeQueryResult(w, r, answer, err)
}

// handleSubAgentQuery is the delegation target of the call_subagent tool:
// the configured sub-agent answers the query with its own servers.
func (s *Server) handleSubAgentQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	answer, err := s.controller.QuerySubAgent(r.Context(), id, queryParams(req, id), req.Query)
	s.writeQueryResult(w, r, answer, err)
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (contracts.QueryRequest, bool) {
	var req contracts.QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return req, false
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, r, http.StatusBadRequest, execution.ErrEmptyQuery.Error())
		return req, false
	}
	return req, true
}

func queryParams(req contracts.QueryRequest, agentID string) config.ConnectionParams {
	return config.ConnectionParams{
		AgentID:     agentID,
		WorkspaceID: req.WorkspaceID,
		Credentials: req.Credentials,
		Flags:       req.Flags,
	}
}

func (s *Server) writeQueryResult(w http.ResponseWriter, r *http.Request, answer *execution.Answer, err error) {
	if err != nil {
		GetLogger(r.Context()).Warnw("Query failed", "path", r.URL.Path, "error", err)
		s.writeError(w, r, queryErrorStatus(err), err.Error())
		return
	}
	s.writeSuccess(w, contracts.ConvertAnswer(answer))
}

// queryErrorStatus covers both halves of a one-shot query: opening the
// connection and running the message.
func queryErrorStatus(err error) int {
	var timeoutErr *execution.TimeoutError
	var cancelledErr *execution.CancelledError
	switch {
	case errors.Is(err, internalRuntime.ErrUnknownSubAgent):
		return http.StatusNotFound
	case errors.As(err, &timeoutErr), errors.As(err, &cancelledErr), errors.Is(err, execution.ErrEmptyQuery):
		return messageErrorStatus(err)
	default:
		return sessionErrorStatus(err)
	}
}

type messageOutcome struct {
	answer *execution.Answer
	err    error
}

// streamMessage runs the query with a per-request observer and relays its
// events as SSE frames. Every event reaches the client: a slow client holds
// the execution back rather than losing frames. A client disconnect or a
// failed write cancels the query.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request, sessionID, query string) {
	logger := GetLogger(r.Context())

	streamCtx, stop := context.WithCancel(r.Context())
	defer stop()

	events := make(chan execution.Event, sseEventBuffer)
	observer := execution.ObserverFunc(func(e execution.Event) {
		select {
		case events <- e:
		case <-streamCtx.Done():
		}
	})

	done := make(chan messageOutcome, 1)
	ctx := execution.WithObserver(streamCtx, observer)
	go func() {
		answer, err := s.controller.SendMessage(ctx, sessionID, query)
		done <- messageOutcome{answer: answer, err: err}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		logger.Warn("ResponseWriter does not support flushing, SSE may not work properly")
	}

	fmt.Fprintf(w, ": SSE connection established\nretry: 5000\n\n")
	if canFlush {
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	sawError := false
	write := func(e execution.Event) bool {
		if e.Type == execution.EventError {
			sawError = true
		}
		if err := s.writeSSEEvent(w, flusher, canFlush, string(e.Type), e); err != nil {
			logger.Debugw("Failed to write SSE event", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case e := <-events:
			if !write(e) {
				stop()
				<-done
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err == nil && canFlush {
				flusher.Flush()
			}
		case out := <-done:
			for drained := false; !drained; {
				select {
				case e := <-events:
					write(e)
				default:
					drained = true
				}
			}

			if out.err != nil {
				if !sawError {
					_ = s.writeSSEEvent(w, flusher, canFlush, string(execution.EventError), execution.Event{
						Type:      execution.EventError,
						SessionID: sessionID,
						Timestamp: time.Now(),
						Message:   out.err.Error(),
					})
				}
				return
			}
			_ = s.writeSSEEvent(w, flusher, canFlush, "result", contracts.ConvertAnswer(out.answer))
			return
		}
	}
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, canFlush bool, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
	if err != nil {
		return err
	}

	if canFlush {
		flusher.Flush()
	}
	return nil
}

// Activity handlers

// parseActivityFilters extracts activity filter parameters from the request query string.
func parseActivityFilters(r *http.Request) storage.ActivityFilter {
	filter := storage.DefaultActivityFilter()
	q := r.URL.Query()

	filter.Server = q.Get("server")
	filter.Tool = q.Get("tool")
	filter.SessionID = q.Get("session_id")
	filter.ExecutionID = q.Get("execution_id")
	filter.Status = q.Get("status")

	if startTimeStr := q.Get("start_time"); startTimeStr != "" {
		if t, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			filter.StartTime = t
		}
	}
	if endTimeStr := q.Get("end_time"); endTimeStr != "" {
		if t, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			filter.EndTime = t
		}
	}

	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	filter.Validate()
	return filter
}

// handleListActivity handles GET /api/v1/activity
func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	filter := parseActivityFilters(r)

	activities, total, err := s.controller.ListActivities(filter)
	if err != nil {
		s.activityError(w, r, err, "Failed to list activities")
		return
	}

	records := make([]contracts.ActivityRecord, 0, len(activities))
	for _, a := range activities {
		records = append(records, contracts.ConvertStoredActivity(a))
	}

	s.writeSuccess(w, contracts.ActivityListResponse{
		Activities: records,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

// handleGetActivityDetail handles GET /api/v1/activity/{id}
func (s *Server) handleGetActivityDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	activity, err := s.controller.GetActivity(id)
	if err != nil {
		s.activityError(w, r, err, "Failed to get activity")
		return
	}
	if activity == nil {
		s.writeError(w, r, http.StatusNotFound, "Activity not found")
		return
	}

	s.writeSuccess(w, contracts.ActivityDetailResponse{Activity: contracts.ConvertStoredActivity(activity)})
}

// handleListExecutions handles GET /api/v1/sessions/{id}/executions
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := defaultExecsLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxExecutionsLimit)
	}

	records, err := s.controller.ListExecutions(id, limit)
	if err != nil {
		s.activityError(w, r, err, "Failed to list executions")
		return
	}

	execs := contracts.ConvertExecutionRecords(records)
	s.writeSuccess(w, contracts.ExecutionListResponse{Executions: execs, Total: len(execs)})
}

func (s *Server) activityError(w http.ResponseWriter, r *http.Request, err error, message string) {
	if errors.Is(err, internalRuntime.ErrActivityDisabled) {
		s.writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	GetLogger(r.Context()).Errorw(message, "error", err)
	s.writeError(w, r, http.StatusInternalServerError, message)
}
