// Package testutil provides a fake MCP tool server for tests. The server runs
// inside the test binary itself: a test's TestMain calls
// RunToolServerIfRequested, and ToolServerConfig returns a config that
// re-executes the binary with the server definition in the environment.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
)

// EnvToolServer carries the JSON-encoded ToolServerSpec to the child process.
const EnvToolServer = "MCPAGENT_TEST_TOOLSERVER"

// Failure modes for the fake server.
const (
	// ModeExitBeforeHandshake writes a line to stderr and exits with status 3.
	ModeExitBeforeHandshake = "exit_before_handshake"
	// ModeHang never answers the initialize request.
	ModeHang = "hang"
	// ModeNoTools advertises no tool capability.
	ModeNoTools = "no_tools"
)

// Tool kinds understood by the fake server.
const (
	// KindEcho returns "<tool>:<text>" using the "text" argument.
	KindEcho = "echo"
	// KindSleep sleeps for the "ms" argument (or DelayMS) and then answers "slept".
	KindSleep = "sleep"
	// KindFail returns a tool-level error result.
	KindFail = "fail"
	// KindEnv returns the value of the environment variable named by "name".
	KindEnv = "env"
)

// ToolSpec defines one fake tool.
type ToolSpec struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	// DelayMS is the default sleep for KindSleep tools.
	DelayMS int `json:"delay_ms,omitempty"`
}

// ToolServerSpec defines a fake server.
type ToolServerSpec struct {
	Name  string     `json:"name"`
	Mode  string     `json:"mode,omitempty"`
	Tools []ToolSpec `json:"tools"`
}

// Echo is shorthand for an echo tool.
func Echo(name string) ToolSpec { return ToolSpec{Name: name, Kind: KindEcho} }

// Sleep is shorthand for a sleep tool with a default delay.
func Sleep(name string, delay time.Duration) ToolSpec {
	return ToolSpec{Name: name, Kind: KindSleep, DelayMS: int(delay / time.Millisecond)}
}

// ToolServerConfig returns a config that starts the fake server described by
// spec by re-executing the running test binary.
func ToolServerConfig(id string, spec ToolServerSpec) config.ToolServerConfig {
	if spec.Name == "" {
		spec.Name = id
	}
	data, err := json.Marshal(spec)
	if err != nil {
		panic(err)
	}
	return config.ToolServerConfig{
		ID:      id,
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{EnvToolServer: string(data)},
		Enabled: true,
	}
}

// CatalogSpec returns the catalog entry that materialises into the same
// process as ToolServerConfig(id, spec).
func CatalogSpec(id string, spec ToolServerSpec, requiresCredentials ...string) *config.ServerSpec {
	cfg := ToolServerConfig(id, spec)
	return &config.ServerSpec{
		ID:                  id,
		Command:             cfg.Command,
		Args:                cfg.Args,
		Env:                 cfg.Env,
		RequiresCredentials: requiresCredentials,
	}
}

// MissingCommandConfig returns a config whose command does not exist.
func MissingCommandConfig(id string) config.ToolServerConfig {
	return config.ToolServerConfig{
		ID:      id,
		Command: "/nonexistent/mcpagent-test-toolserver",
		Enabled: true,
	}
}

// RunToolServerIfRequested serves the fake tool server and exits the process
// when EnvToolServer is set. It returns immediately otherwise.
func RunToolServerIfRequested() {
	raw := os.Getenv(EnvToolServer)
	if raw == "" {
		return
	}

	var spec ToolServerSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "invalid tool server spec: %v\n", err)
		os.Exit(2)
	}

	switch spec.Mode {
	case ModeExitBeforeHandshake:
		fmt.Fprintln(os.Stderr, "fatal: missing credentials for "+spec.Name)
		os.Exit(3)
	case ModeHang:
		select {}
	}

	var opts []mcpserver.ServerOption
	if spec.Mode != ModeNoTools {
		opts = append(opts, mcpserver.WithToolCapabilities(true))
	}
	s := mcpserver.NewMCPServer(spec.Name, "1.0.0", opts...)

	if spec.Mode != ModeNoTools {
		for _, tool := range spec.Tools {
			addTool(s, tool)
		}
	}

	if err := mcpserver.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func addTool(s *mcpserver.MCPServer, spec ToolSpec) {
	switch spec.Kind {
	case KindSleep:
		s.AddTool(mcp.NewTool(spec.Name,
			mcp.WithDescription("Sleeps before answering"),
			mcp.WithNumber("ms", mcp.Description("Milliseconds to sleep")),
		), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			delay := time.Duration(spec.DelayMS) * time.Millisecond
			if ms, ok := request.GetArguments()["ms"].(float64); ok {
				delay = time.Duration(ms) * time.Millisecond
			}
			select {
			case <-time.After(delay):
				return mcp.NewToolResultText("slept"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	case KindFail:
		s.AddTool(mcp.NewTool(spec.Name,
			mcp.WithDescription("Always fails"),
		), func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError(spec.Name + " failed"), nil
		})
	case KindEnv:
		s.AddTool(mcp.NewTool(spec.Name,
			mcp.WithDescription("Reads an environment variable"),
			mcp.WithString("name", mcp.Required(), mcp.Description("Variable name")),
		), func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := request.RequireString("name")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			value, ok := os.LookupEnv(name)
			if !ok {
				return mcp.NewToolResultText("<unset>"), nil
			}
			return mcp.NewToolResultText(value), nil
		})
	default:
		s.AddTool(mcp.NewTool(spec.Name,
			mcp.WithDescription("Echoes its text argument"),
			mcp.WithString("text", mcp.Description("Text to echo")),
		), func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, _ := request.GetArguments()["text"].(string)
			return mcp.NewToolResultText(strings.Join([]string{spec.Name, text}, ":")), nil
		})
	}
}
