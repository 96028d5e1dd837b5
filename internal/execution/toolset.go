package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

// Invoker is the aggregated tool set an engine calls into.
// *upstream.Registry satisfies it.
type Invoker interface {
	Operations() []core.OperationDescriptor
	Invoke(ctx context.Context, name string, args map[string]interface{}) (*core.Result, error)
}

// TrackedTools exposes inv as an agent.ToolSet. Calls made with a context
// derived from Coordinator.Execute are recorded as activities of that
// execution; other calls pass straight through.
func TrackedTools(inv Invoker) agent.ToolSet {
	ops := inv.Operations()
	tools := make([]agent.Tool, len(ops))
	for i, op := range ops {
		tools[i] = agent.Tool{
			Name:        op.Name,
			Description: op.Description,
			Parameters:  op.InputSchema,
			ServerID:    op.ServerID,
		}
	}
	owners := make(map[string]string, len(ops))
	for _, op := range ops {
		owners[op.Name] = op.ServerID
	}
	return &trackedTools{inv: inv, tools: tools, owners: owners}
}

type trackedTools struct {
	inv    Invoker
	tools  []agent.Tool
	owners map[string]string
}

func (t *trackedTools) Tools() []agent.Tool {
	return append([]agent.Tool(nil), t.tools...)
}

func (t *trackedTools) Call(ctx context.Context, name, arguments string) (string, error) {
	tr := trackerFrom(ctx)

	var id string
	if tr != nil {
		var err error
		if id, err = tr.start(name, t.owners[name], arguments); err != nil {
			return "", err
		}
	}

	output, err := t.call(ctx, name, arguments)
	if tr != nil {
		if err != nil {
			tr.finish(id, err.Error(), true)
		} else {
			tr.finish(id, output, false)
		}
	}
	return output, err
}

func (t *trackedTools) call(ctx context.Context, name, arguments string) (string, error) {
	args, err := parseArguments(arguments)
	if err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}

	result, err := t.inv.Invoke(ctx, name, args)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", errors.New(result.Text)
	}
	return result.Text, nil
}

func parseArguments(arguments string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(arguments) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}
