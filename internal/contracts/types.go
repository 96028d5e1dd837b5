// Package contracts holds the request and response shapes of the HTTP API.
package contracts

import (
	"encoding/json"
	"time"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// CreateSessionRequest opens a connection.
type CreateSessionRequest struct {
	AgentID     string            `json:"agent_id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Flags       map[string]bool   `json:"flags,omitempty"`
}

// Operation is one tool available on a session.
type Operation struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ServerID    string          `json:"server_id"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// DisabledServer is a catalog server that was not started for a session.
type DisabledServer struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SessionResponse is returned by POST /api/v1/sessions.
type SessionResponse struct {
	SessionID  string           `json:"session_id"`
	State      string           `json:"state"`
	Operations []Operation      `json:"operations"`
	Disabled   []DisabledServer `json:"disabled,omitempty"`
}

// SessionInfo describes one live session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	InFlight  int       `json:"in_flight"`
	CreatedAt time.Time `json:"created_at"`
}

// ListSessionsResponse is returned by GET /api/v1/sessions.
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// MessageRequest sends one user message to a session.
type MessageRequest struct {
	Query string `json:"query"`
}

// QueryRequest runs one query on a throwaway connection. For sub-agent
// queries AgentID is ignored: the sub-agent acts under its own id.
type QueryRequest struct {
	AgentID     string            `json:"agent_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Flags       map[string]bool   `json:"flags,omitempty"`
	Query       string            `json:"query"`
}

// TokenUsage is the token accounting of one execution.
type TokenUsage struct {
	PromptTokens       int     `json:"prompt_tokens"`
	CompletionTokens   int     `json:"completion_tokens"`
	TotalTokens        int     `json:"total_tokens"`
	SuccessfulRequests int     `json:"successful_requests"`
	TotalCost          float64 `json:"total_cost"`
}

// MessageResponse is the answer to a message.
type MessageResponse struct {
	ExecutionID string           `json:"execution_id"`
	SessionID   string           `json:"session_id"`
	Output      string           `json:"output"`
	AgentLabel  string           `json:"agent_label,omitempty"`
	ToolsUsed   []string         `json:"tools_used"`
	Activities  []ActivityRecord `json:"activities"`
	Usage       TokenUsage       `json:"usage"`
	DurationMs  int64            `json:"duration_ms"`
}

// ActivityRecord is one tool invocation.
type ActivityRecord struct {
	ID              string     `json:"id"`
	ExecutionID     string     `json:"execution_id"`
	SessionID       string     `json:"session_id,omitempty"`
	ServerID        string     `json:"server_id,omitempty"`
	ToolName        string     `json:"tool_name"`
	Input           string     `json:"input,omitempty"`
	Output          string     `json:"output,omitempty"`
	OutputTruncated bool       `json:"output_truncated,omitempty"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	DurationMs      int64      `json:"duration_ms,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ActivityListResponse is the response for GET /api/v1/activity
type ActivityListResponse struct {
	Activities []ActivityRecord `json:"activities"`
	Total      int              `json:"total"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

// ActivityDetailResponse is the response for GET /api/v1/activity/{id}
type ActivityDetailResponse struct {
	Activity ActivityRecord `json:"activity"`
}

// ExecutionRecord is the outcome of one execution.
type ExecutionRecord struct {
	ExecutionID string    `json:"execution_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	AgentLabel  string    `json:"agent_label,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionListResponse is the response for GET /api/v1/sessions/{id}/executions
type ExecutionListResponse struct {
	Executions []ExecutionRecord `json:"executions"`
	Total      int               `json:"total"`
}
