package core

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// OperationDescriptor describes one callable operation exposed by a tool server.
type OperationDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	ServerID    string          `json:"server_id"`
}

// Result is the outcome of one invocation.
type Result struct {
	// Text is the concatenated text content; non-text content is rendered as JSON.
	Text string `json:"text"`
	// IsError is set when the tool itself reported a failure.
	IsError bool `json:"is_error"`

	Raw *mcp.CallToolResult `json:"-"`
}

func newResult(r *mcp.CallToolResult) *Result {
	if r == nil {
		return &Result{}
	}

	parts := make([]string, 0, len(r.Content))
	for _, content := range r.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
			continue
		}
		if data, err := json.Marshal(content); err == nil {
			parts = append(parts, string(data))
		}
	}

	return &Result{
		Text:    strings.Join(parts, "\n"),
		IsError: r.IsError,
		Raw:     r,
	}
}

func toDescriptor(serverID string, tool mcp.Tool) OperationDescriptor {
	schema := tool.RawInputSchema
	if len(schema) == 0 {
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			schema = data
		}
	}
	return OperationDescriptor{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
		ServerID:    serverID,
	}
}
