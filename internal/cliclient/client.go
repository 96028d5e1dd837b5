// Package cliclient is the HTTP client CLI commands use to talk to a running
// mcpagent server.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/contracts"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/reqcontext"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// HasRequestID reports whether the server tagged the failure with a request id.
func (e *APIError) HasRequestID() bool {
	return e.RequestID != ""
}

// FormatWithRequestID renders the error with a hint for finding it in the
// server log.
func (e *APIError) FormatWithRequestID() string {
	if !e.HasRequestID() {
		return e.Error()
	}
	return fmt.Sprintf("%s (request_id: %s, search the server log for it)", e.Error(), e.RequestID)
}

// Client provides HTTP API access for CLI commands.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewClient creates a client for the server at endpoint. A bare host:port is
// treated as http://host:port.
func NewClient(endpoint, apiKey string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}

	return &Client{
		baseURL: strings.TrimRight(endpoint, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // executions can be long
		},
		logger: logger,
	}
}

// Ping checks that the server is up and ready for sessions.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// ListSessions returns the server's live sessions.
func (c *Client) ListSessions(ctx context.Context) (*contracts.ListSessionsResponse, error) {
	var out contracts.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession ends a session on the server.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// Query runs one query on a throwaway connection.
func (c *Client) Query(ctx context.Context, req contracts.QueryRequest) (*contracts.MessageResponse, error) {
	var out contracts.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuerySubAgent runs one query as the configured sub-agent subAgentID.
func (c *Client) QuerySubAgent(ctx context.Context, subAgentID string, req contracts.QueryRequest) (*contracts.MessageResponse, error) {
	var out contracts.MessageResponse
	path := "/api/v1/subagents/" + url.PathEscape(subAgentID) + "/query"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivityQuery filters ListActivities. Zero fields are not sent.
type ActivityQuery struct {
	SessionID   string
	ExecutionID string
	Server      string
	Tool        string
	Status      string
	Limit       int
	Offset      int
}

func (q ActivityQuery) values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("session_id", q.SessionID)
	set("execution_id", q.ExecutionID)
	set("server", q.Server)
	set("tool", q.Tool)
	set("status", q.Status)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// ListActivities queries the server's activity log.
func (c *Client) ListActivities(ctx context.Context, q ActivityQuery) (*contracts.ActivityListResponse, error) {
	path := "/api/v1/activity"
	if encoded := q.values().Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out contracts.ActivityListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetActivity fetches one activity record.
func (c *Client) GetActivity(ctx context.Context, id string) (*contracts.ActivityDetailResponse, error) {
	var out contracts.ActivityDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/activity/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and unwraps the APIResponse envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set(reqcontext.RequestIDHeader, reqcontext.GenerateRequestID())

	c.logger.Debugw("Calling server API", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call server API: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success   bool            `json:"success"`
		Data      json.RawMessage `json:"data,omitempty"`
		Error     string          `json:"error,omitempty"`
		RequestID string          `json:"request_id,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to parse response: %v", err),
			RequestID:  resp.Header.Get(reqcontext.RequestIDHeader),
		}
	}

	if resp.StatusCode >= 300 || !envelope.Success {
		requestID := envelope.RequestID
		if requestID == "" {
			requestID = resp.Header.Get(reqcontext.RequestIDHeader)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error, RequestID: requestID}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}
