package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/secret"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/secureenv"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

// connectionFlags are the flags that stand in for connection parameters in
// commands that act as a single local connection.
type connectionFlags struct {
	agentID     string
	workspaceID string
	credentials []string
	flags       []string
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.agentID, "agent-id", "cli", "Agent id exported to tool servers as AGENT_ID")
	cmd.Flags().StringVar(&f.workspaceID, "workspace-id", "", "Workspace id exported to tool servers as WORKSPACE_ID")
	cmd.Flags().StringArrayVar(&f.credentials, "cred", nil, "Connection credential as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&f.flags, "flag", nil, "Feature flag to set on the connection (repeatable)")
}

func (f *connectionFlags) params() (config.ConnectionParams, error) {
	creds, err := parseKeyValues(f.credentials)
	if err != nil {
		return config.ConnectionParams{}, fmt.Errorf("invalid --cred: %w", err)
	}

	params := config.ConnectionParams{
		AgentID:     f.agentID,
		WorkspaceID: f.workspaceID,
		Credentials: creds,
	}
	if len(f.flags) > 0 {
		params.Flags = make(map[string]bool, len(f.flags))
		for _, name := range f.flags {
			if name = strings.TrimSpace(name); name != "" {
				params.Flags[name] = true
			}
		}
	}
	return params, nil
}

// parseKeyValues parses name=value pairs. Values may contain '='.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%q is not name=value", pair)
		}
		out[name] = value
	}
	return out, nil
}

// startRegistry selects the catalog for params and starts the enabled tool
// servers. Callers must CloseAll the registry.
func startRegistry(ctx context.Context, cfg *config.Config, params config.ConnectionParams, logger *zap.Logger) (*upstream.Registry, []config.ToolServerConfig, error) {
	resolver := secret.NewResolver().WithCredentials(params.Credentials)
	configs := config.BuildToolServerConfigs(ctx, cfg.Servers, params, resolver)

	reg, err := upstream.Build(ctx, configs, &upstream.Options{
		Logger: logger,
		Session: core.Options{
			Logger:           logger,
			EnvManager:       secureenv.NewManager(cfg.Environment),
			HandshakeTimeout: cfg.HandshakeTimeout,
			CallTimeout:      cfg.CallToolTimeout,
			CloseTimeout:     cfg.ConnectionCleanupTimeout,
		},
	})
	if err != nil {
		return nil, configs, err
	}
	return reg, configs, nil
}
