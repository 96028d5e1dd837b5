// Package agent defines the policy engine contract the execution core drives
// and an OpenAI-compatible implementation of it.
package agent

import (
	"context"
	"encoding/json"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
)

// Tool is one operation offered to an engine.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	ServerID    string          `json:"server_id,omitempty"`
}

// ToolSet is the callable surface an engine reasons over. Call takes the
// arguments as a JSON object string and returns the tool's text output. A
// tool-reported failure is returned as an error whose message is the tool's
// output, so engines can hand it back to the model.
type ToolSet interface {
	Tools() []Tool
	Call(ctx context.Context, name, arguments string) (string, error)
}

// TokenUsage accumulates model usage over one run.
type TokenUsage struct {
	PromptTokens       int     `json:"prompt_tokens"`
	CompletionTokens   int     `json:"completion_tokens"`
	TotalTokens        int     `json:"total_tokens"`
	SuccessfulRequests int     `json:"successful_requests"`
	TotalCost          float64 `json:"total_cost"`
}

// Add accumulates o into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.SuccessfulRequests += o.SuccessfulRequests
	u.TotalCost += o.TotalCost
}

// RunResult is what one Engine.Run produces.
type RunResult struct {
	Output string     `json:"output"`
	Usage  TokenUsage `json:"usage"`
}

// Engine answers a query, calling tools from its ToolSet as it sees fit. Run
// must return promptly once ctx is done.
type Engine interface {
	Run(ctx context.Context, query string) (*RunResult, error)
}

// Spec is everything an engine is built from besides its tools.
type Spec struct {
	SystemPrompt string
	Params       config.AgentConfig
}

// Factory builds an engine over a tool set.
type Factory interface {
	NewEngine(tools ToolSet, spec Spec) (Engine, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(tools ToolSet, spec Spec) (Engine, error)

// NewEngine calls f.
func (f FactoryFunc) NewEngine(tools ToolSet, spec Spec) (Engine, error) {
	return f(tools, spec)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, query string) (*RunResult, error)

// Run calls f.
func (f EngineFunc) Run(ctx context.Context, query string) (*RunResult, error) {
	return f(ctx, query)
}
