package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/connection"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/contracts"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/reqcontext"
	internalRuntime "github.com/smart-mcp-proxy/mcpagent-go/internal/runtime"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/storage"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

// fakeController runs messages through a real coordinator so observers in
// the request context see genuine execution events.
type fakeController struct {
	mu       sync.Mutex
	sessions map[string]bool
	openErr  error
	params   config.ConnectionParams
	engine   agent.Engine
	coord    *execution.Coordinator

	activities []*storage.ActivityRecord
	filter     storage.ActivityFilter
	activityOn bool

	queryParams config.ConnectionParams
	subAgentID  string
	queryErr    error
}

func newFakeController() *fakeController {
	return &fakeController{
		sessions:   make(map[string]bool),
		coord:      execution.NewCoordinator(execution.Options{Timeout: 5 * time.Second, AgentLabel: "assistant"}),
		activityOn: true,
		engine: agent.EngineFunc(func(_ context.Context, query string) (*agent.RunResult, error) {
			return &agent.RunResult{Output: "echo: " + query}, nil
		}),
	}
}

func (f *fakeController) IsReady() bool { return true }

func (f *fakeController) OpenSession(_ context.Context, params config.ConnectionParams) (*internalRuntime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = params
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.sessions["s1"] = true
	return &internalRuntime.Session{
		ID:    "s1",
		State: "ready",
		Operations: []core.OperationDescriptor{
			{Name: "send_message", Description: "Send a chat message", ServerID: "chat"},
		},
		Disabled: []config.ToolServerConfig{{ID: "sheets", DisabledReason: "missing credential sheets_token"}},
	}, nil
}

func (f *fakeController) SendMessage(ctx context.Context, sessionID, query string) (*execution.Answer, error) {
	f.mu.Lock()
	ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, connection.ErrUnknownSession
	}
	return f.coord.Execute(ctx, f.engine, query, sessionID)
}

func (f *fakeController) Query(ctx context.Context, params config.ConnectionParams, query string) (*execution.Answer, error) {
	f.mu.Lock()
	f.queryParams = params
	err := f.queryErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.coord.Execute(ctx, f.engine, query, "")
}

func (f *fakeController) QuerySubAgent(ctx context.Context, subAgentID string, params config.ConnectionParams, query string) (*execution.Answer, error) {
	f.mu.Lock()
	f.subAgentID = subAgentID
	f.mu.Unlock()
	if subAgentID != "analyst" {
		return nil, fmt.Errorf("%w: %s", internalRuntime.ErrUnknownSubAgent, subAgentID)
	}
	return f.Query(ctx, params, query)
}

func (f *fakeController) SessionState(sessionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[sessionID] {
		return "ready", true
	}
	return "", false
}

func (f *fakeController) CloseSession(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return false
	}
	delete(f.sessions, sessionID)
	return true
}

func (f *fakeController) ListSessions() []connection.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []connection.Info
	for id := range f.sessions {
		out = append(out, connection.Info{SessionID: id, State: "ready"})
	}
	return out
}

func (f *fakeController) ListActivities(filter storage.ActivityFilter) ([]*storage.ActivityRecord, int, error) {
	if !f.activityOn {
		return nil, 0, internalRuntime.ErrActivityDisabled
	}
	f.filter = filter
	return f.activities, len(f.activities), nil
}

func (f *fakeController) GetActivity(id string) (*storage.ActivityRecord, error) {
	for _, a := range f.activities {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeController) ListExecutions(sessionID string, _ int) ([]*storage.ExecutionRecord, error) {
	return []*storage.ExecutionRecord{{ExecutionID: "e1", SessionID: sessionID, Status: "success"}}, nil
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	RequestID string          `json:"request_id"`
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestCreateSession(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, "", zap.NewNop().Sugar(), nil)

	rec, env := do(t, srv, http.MethodPost, "/api/v1/sessions",
		`{"agent_id":"agent-1","workspace_id":"ws","credentials":{"chat_token":"x"},"flags":{"browser":true}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	var data struct {
		SessionID  string `json:"session_id"`
		State      string `json:"state"`
		Operations []struct {
			Name     string `json:"name"`
			ServerID string `json:"server_id"`
		} `json:"operations"`
		Disabled []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"disabled"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "s1", data.SessionID)
	assert.Equal(t, "ready", data.State)
	require.Len(t, data.Operations, 1)
	assert.Equal(t, "chat", data.Operations[0].ServerID)
	require.Len(t, data.Disabled, 1)
	assert.Equal(t, "sheets", data.Disabled[0].ID)

	assert.Equal(t, "agent-1", ctrl.params.AgentID)
	assert.Equal(t, "x", ctrl.params.Credentials["chat_token"])
	assert.True(t, ctrl.params.Flags["browser"])
}

func TestCreateSession_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "invalid json", body: `{`, status: http.StatusBadRequest},
		{name: "missing agent", body: `{}`, status: http.StatusBadRequest},
		{name: "no tools", body: `{"agent_id":"a"}`, err: upstream.ErrNoToolsAvailable, status: http.StatusUnprocessableEntity},
		{name: "duplicate", body: `{"agent_id":"a"}`, err: &upstream.DuplicateOperationError{Name: "send", Servers: []string{"a", "b"}}, status: http.StatusConflict},
		{name: "not ready", body: `{"agent_id":"a"}`, err: internalRuntime.ErrNotReady, status: http.StatusServiceUnavailable},
		{name: "other", body: `{"agent_id":"a"}`, err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.openErr = tt.err
			srv := NewServer(ctrl, "", nil, nil)

			rec, env := do(t, srv, http.MethodPost, "/api/v1/sessions", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
			assert.NotEmpty(t, env.RequestID)
			assert.Empty(t, ctrl.ListSessions())
		})
	}
}

func TestAPIKey(t *testing.T) {
	srv := NewServer(newFakeController(), "secret", nil, nil)

	rec, env := do(t, srv, http.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/sessions", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/sessions", "", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/sessions?apikey=secret", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open.
	rec, _ = do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessage_JSON(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, "", nil, nil)
	do(t, srv, http.MethodPost, "/api/v1/sessions", `{"agent_id":"a"}`, nil)

	rec, env := do(t, srv, http.MethodPost, "/api/v1/sessions/s1/messages", `{"query":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Output     string `json:"output"`
		AgentLabel string `json:"agent_label"`
		SessionID  string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "echo: hi", data.Output)
	assert.Equal(t, "assistant", data.AgentLabel)
	assert.Equal(t, "s1", data.SessionID)
}

func TestSendMessage_Errors(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, "", nil, nil)

	rec, _ := do(t, srv, http.MethodPost, "/api/v1/sessions/nope/messages", `{"query":"hi"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	do(t, srv, http.MethodPost, "/api/v1/sessions", `{"agent_id":"a"}`, nil)

	rec, env := do(t, srv, http.MethodPost, "/api/v1/sessions/s1/messages", `{"query":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "empty query received", env.Error)

	ctrl.coord = execution.NewCoordinator(execution.Options{Timeout: 10 * time.Millisecond})
	ctrl.engine = agent.EngineFunc(func(ctx context.Context, _ string) (*agent.RunResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec, _ = do(t, srv, http.MethodPost, "/api/v1/sessions/s1/messages", `{"query":"slow"}`, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

type sseFrame struct {
	event string
	data  string
}

func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		}
	}
	require.NoError(t, scanner.Err())
	return frames
}

func streamMessage(t *testing.T, url, query string) []sseFrame {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/api/v1/sessions/s1/messages", strings.NewReader(`{"query":"`+query+`"}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return readSSE(t, resp.Body)
}

func eventNames(frames []sseFrame) []string {
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.event)
	}
	return names
}

func TestSendMessage_StreamsEvents(t *testing.T) {
	ctrl := newFakeController()
	ts := httptest.NewServer(NewServer(ctrl, "", nil, nil))
	defer ts.Close()

	_, err := ctrl.OpenSession(context.Background(), config.ConnectionParams{AgentID: "a"})
	require.NoError(t, err)

	frames := streamMessage(t, ts.URL, "hello")
	assert.Equal(t, []string{"status", "final_answer", "result"}, eventNames(frames))

	var final execution.Event
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &final))
	assert.Equal(t, "echo: hello", final.Message)
	assert.Equal(t, "s1", final.SessionID)

	var result struct {
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[2].data), &result))
	assert.Equal(t, "echo: hello", result.Output)
}

func TestSendMessage_StreamsSingleError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.engine = agent.EngineFunc(func(context.Context, string) (*agent.RunResult, error) {
		return nil, errors.New("model unavailable")
	})
	ts := httptest.NewServer(NewServer(ctrl, "", nil, nil))
	defer ts.Close()

	_, err := ctrl.OpenSession(context.Background(), config.ConnectionParams{AgentID: "a"})
	require.NoError(t, err)

	frames := streamMessage(t, ts.URL, "hello")
	assert.Equal(t, []string{"status", "error"}, eventNames(frames))
	assert.Contains(t, frames[1].data, "model unavailable")
}

type pingInvoker struct{}

func (pingInvoker) Operations() []core.OperationDescriptor {
	return []core.OperationDescriptor{{Name: "ping", ServerID: "srv"}}
}

func (pingInvoker) Invoke(context.Context, string, map[string]interface{}) (*core.Result, error) {
	return &core.Result{Text: "pong"}, nil
}

func TestSendMessage_StreamDeliversEveryEvent(t *testing.T) {
	saved := sseEventBuffer
	sseEventBuffer = 1
	defer func() { sseEventBuffer = saved }()

	const calls = 200
	tools := execution.TrackedTools(pingInvoker{})
	ctrl := newFakeController()
	ctrl.engine = agent.EngineFunc(func(ctx context.Context, _ string) (*agent.RunResult, error) {
		for i := 0; i < calls; i++ {
			if _, err := tools.Call(ctx, "ping", "{}"); err != nil {
				return nil, err
			}
		}
		return &agent.RunResult{Output: "done"}, nil
	})
	ts := httptest.NewServer(NewServer(ctrl, "", nil, nil))
	defer ts.Close()

	_, err := ctrl.OpenSession(context.Background(), config.ConnectionParams{AgentID: "a"})
	require.NoError(t, err)

	frames := streamMessage(t, ts.URL, "go")
	counts := map[string]int{}
	for _, f := range frames {
		counts[f.event]++
	}
	assert.Equal(t, calls, counts["tool_started"])
	assert.Equal(t, calls, counts["tool_finished"])
	names := eventNames(frames)
	require.GreaterOrEqual(t, len(names), 2)
	assert.Equal(t, []string{"final_answer", "result"}, names[len(names)-2:])
}

func TestQuery(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, "", nil, nil)

	rec, env := do(t, srv, http.MethodPost, "/api/v1/query",
		`{"agent_id":"agent-1","workspace_id":"ws","credentials":{"chat_token":"x"},"query":"summarise"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	var answer contracts.MessageResponse
	require.NoError(t, json.Unmarshal(env.Data, &answer))
	assert.Equal(t, "echo: summarise", answer.Output)
	assert.Empty(t, answer.SessionID)
	assert.Equal(t, "agent-1", ctrl.queryParams.AgentID)
	assert.Equal(t, "x", ctrl.queryParams.Credentials["chat_token"])

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/query", `{"query":"hi"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/query", `{"agent_id":"a","query":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctrl.queryErr = upstream.ErrNoToolsAvailable
	rec, _ = do(t, srv, http.MethodPost, "/api/v1/query", `{"agent_id":"a","query":"hi"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	ctrl.queryErr = &execution.TimeoutError{After: time.Second}
	rec, _ = do(t, srv, http.MethodPost, "/api/v1/query", `{"agent_id":"a","query":"hi"}`, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestSubAgentQuery(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, "", nil, nil)

	rec, env := do(t, srv, http.MethodPost, "/api/v1/subagents/analyst/query",
		`{"agent_id":"ignored","workspace_id":"ws","query":"crunch numbers"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), "echo: crunch numbers")
	assert.Equal(t, "analyst", ctrl.subAgentID)
	assert.Equal(t, "analyst", ctrl.queryParams.AgentID)
	assert.Equal(t, "ws", ctrl.queryParams.WorkspaceID)

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/subagents/nobody/query", `{"query":"hi"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, "", nil, nil)
	do(t, srv, http.MethodPost, "/api/v1/sessions", `{"agent_id":"a"}`, nil)

	rec, env := do(t, srv, http.MethodGet, "/api/v1/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"total":1`)

	rec, _ = do(t, srv, http.MethodDelete, "/api/v1/sessions/s1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodDelete, "/api/v1/sessions/s1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivityEndpoints(t *testing.T) {
	ctrl := newFakeController()
	ctrl.activities = []*storage.ActivityRecord{{
		ID:         "a1",
		SessionID:  "s1",
		ServerName: "chat",
		ToolName:   "send_message",
		Status:     "completed",
		Timestamp:  time.Now(),
	}}
	srv := NewServer(ctrl, "", nil, nil)

	rec, env := do(t, srv, http.MethodGet, "/api/v1/activity?session_id=s1&status=completed&tool=send_message&limit=500&offset=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"server_id":"chat"`)
	assert.Equal(t, "s1", ctrl.filter.SessionID)
	assert.Equal(t, "completed", ctrl.filter.Status)
	assert.Equal(t, "send_message", ctrl.filter.Tool)
	assert.Equal(t, 100, ctrl.filter.Limit)
	assert.Equal(t, 2, ctrl.filter.Offset)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/activity/a1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/activity/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = do(t, srv, http.MethodGet, "/api/v1/sessions/s1/executions", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"execution_id":"e1"`)

	ctrl.activityOn = false
	rec, env = do(t, srv, http.MethodGet, "/api/v1/activity", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, internalRuntime.ErrActivityDisabled.Error(), env.Error)
}

func TestObservabilityRoutesAndRequestID(t *testing.T) {
	obs, err := observability.NewManager(zap.NewNop().Sugar(), config.ObservabilityConfig{
		Metrics: config.MetricsConfig{Enabled: true},
	}, "test")
	require.NoError(t, err)

	srv := NewServer(newFakeController(), "", nil, obs)

	rec, _ := do(t, srv, http.MethodGet, "/api/v1/sessions", "", map[string]string{reqcontext.RequestIDHeader: "req-123"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(reqcontext.RequestIDHeader))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	rec, _ = do(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/v1/sessions")

	rec, _ = do(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
