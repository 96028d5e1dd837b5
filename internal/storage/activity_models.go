package storage

import (
	"encoding/json"
	"time"
)

// ActivityRecord is one tool invocation as stored in BBolt
type ActivityRecord struct {
	ID              string     `json:"id"`                         // Activity id assigned by the execution
	ExecutionID     string     `json:"execution_id"`               // Execution the call belongs to
	SessionID       string     `json:"session_id,omitempty"`       // Connection session id
	ServerName      string     `json:"server_name,omitempty"`      // Tool server that owns the tool
	ToolName        string     `json:"tool_name"`                  // Name of tool called
	Input           string     `json:"input,omitempty"`            // Arguments as JSON (potentially truncated)
	Output          string     `json:"output,omitempty"`           // Tool output (potentially truncated)
	OutputTruncated bool       `json:"output_truncated,omitempty"` // True if output was truncated
	Status          string     `json:"status"`                     // running, completed or failed
	Reason          string     `json:"reason,omitempty"`           // Why the coordinator resolved it (timeout, cancelled)
	DurationMs      int64      `json:"duration_ms,omitempty"`      // Execution duration in milliseconds
	Timestamp       time.Time  `json:"timestamp"`                  // When the call started
	FinishedAt      *time.Time `json:"finished_at,omitempty"`      // When it reached a terminal status
}

// MarshalBinary implements encoding.BinaryMarshaler for BBolt storage
func (a *ActivityRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for BBolt storage
func (a *ActivityRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// ExecutionRecord is the outcome of one query execution
type ExecutionRecord struct {
	ID          string    `json:"id"` // ULID
	ExecutionID string    `json:"execution_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Status      string    `json:"status"` // success, timeout, cancelled or error
	Message     string    `json:"message,omitempty"`
	AgentLabel  string    `json:"agent_label,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// MarshalBinary implements encoding.BinaryMarshaler for BBolt storage
func (e *ExecutionRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for BBolt storage
func (e *ExecutionRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}

// ActivityFilter represents query parameters for filtering activity records
type ActivityFilter struct {
	Server      string    // Filter by server name
	Tool        string    // Filter by tool name
	SessionID   string    // Filter by session
	ExecutionID string    // Filter by execution
	Status      string    // Filter by status (running/completed/failed)
	StartTime   time.Time // Activities after this time
	EndTime     time.Time // Activities before this time
	Limit       int       // Max records to return (default 50, max 100)
	Offset      int       // Pagination offset
}

// DefaultActivityFilter returns an ActivityFilter with sensible defaults
func DefaultActivityFilter() ActivityFilter {
	return ActivityFilter{
		Limit:  50,
		Offset: 0,
	}
}

// Validate validates and normalizes the filter
func (f *ActivityFilter) Validate() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches checks if an activity record matches the filter criteria
func (f *ActivityFilter) Matches(record *ActivityRecord) bool {
	if f.Server != "" && record.ServerName != f.Server {
		return false
	}
	if f.Tool != "" && record.ToolName != f.Tool {
		return false
	}
	if f.SessionID != "" && record.SessionID != f.SessionID {
		return false
	}
	if f.ExecutionID != "" && record.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Status != "" && record.Status != f.Status {
		return false
	}

	// Check time range
	if !f.StartTime.IsZero() && record.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && record.Timestamp.After(f.EndTime) {
		return false
	}

	return true
}
