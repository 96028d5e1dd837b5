package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	EnvAgentID     = "AGENT_ID"
	EnvWorkspaceID = "WORKSPACE_ID"
)

// ServerSpec is one catalog entry: a tool server that connections may enable.
type ServerSpec struct {
	ID          string            `json:"id" yaml:"id" toml:"id"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty" toml:"description"`
	Command     string            `json:"command" yaml:"command" toml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env"`
	WorkingDir  string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty" toml:"working_dir"`

	// RequiresCredentials lists credential names that must be present and
	// non-empty for the server to be enabled on a connection.
	RequiresCredentials []string `json:"requires_credentials,omitempty" yaml:"requires_credentials,omitempty" toml:"requires_credentials"`
	// RequiresFlags lists feature flags that must be set on the connection.
	RequiresFlags []string `json:"requires_flags,omitempty" yaml:"requires_flags,omitempty" toml:"requires_flags"`
	Disabled      bool     `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled"`
}

// ToolServerConfig describes how to start one tool-server process for one
// connection. It is built per connection and never mutated afterwards.
type ToolServerConfig struct {
	ID         string            `json:"id"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Enabled    bool              `json:"enabled"`

	// DisabledReason is set when Enabled is false.
	DisabledReason string `json:"disabled_reason,omitempty"`
}

// ConnectionParams is what a caller supplies when opening a connection.
type ConnectionParams struct {
	AgentID     string            `json:"agent_id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Flags       map[string]bool   `json:"flags,omitempty"`
}

// SecretExpander expands ${type:name} references inside env values.
type SecretExpander interface {
	ExpandSecretRefs(ctx context.Context, input string) (string, error)
}

// BuildToolServerConfigs selects and materialises the catalog entries enabled
// for params. Every spec yields one config, sorted by ID; specs whose
// requirements are unmet or whose env cannot be expanded come back with
// Enabled=false and a reason. Env values are expanded with expander, which
// should carry the connection's credentials.
func BuildToolServerConfigs(ctx context.Context, specs []*ServerSpec, params ConnectionParams, expander SecretExpander) []ToolServerConfig {
	configs := make([]ToolServerConfig, 0, len(specs))

	for _, spec := range specs {
		if spec == nil {
			continue
		}

		cfg := ToolServerConfig{
			ID:         spec.ID,
			Command:    spec.Command,
			Args:       append([]string(nil), spec.Args...),
			WorkingDir: spec.WorkingDir,
		}

		if reason := unmetRequirement(spec, params); reason != "" {
			cfg.DisabledReason = reason
			configs = append(configs, cfg)
			continue
		}

		env, err := expandEnv(ctx, spec.Env, expander)
		if err != nil {
			cfg.DisabledReason = err.Error()
			configs = append(configs, cfg)
			continue
		}
		if params.AgentID != "" {
			env[EnvAgentID] = params.AgentID
		}
		if params.WorkspaceID != "" {
			env[EnvWorkspaceID] = params.WorkspaceID
		}

		cfg.Env = env
		cfg.Enabled = true
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// EnabledOnly filters configs down to the enabled ones, preserving order.
func EnabledOnly(configs []ToolServerConfig) []ToolServerConfig {
	out := make([]ToolServerConfig, 0, len(configs))
	for _, c := range configs {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

func unmetRequirement(spec *ServerSpec, params ConnectionParams) string {
	if spec.Disabled {
		return "disabled in catalog"
	}
	var missing []string
	for _, name := range spec.RequiresCredentials {
		if strings.TrimSpace(params.Credentials[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("missing credentials: %s", strings.Join(missing, ", "))
	}
	for _, flag := range spec.RequiresFlags {
		if !params.Flags[flag] {
			missing = append(missing, flag)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("flags not set: %s", strings.Join(missing, ", "))
	}
	return ""
}

func expandEnv(ctx context.Context, env map[string]string, expander SecretExpander) (map[string]string, error) {
	out := make(map[string]string, len(env)+2)
	for k, v := range env {
		if expander != nil {
			expanded, err := expander.ExpandSecretRefs(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("env %s: %w", k, err)
			}
			v = expanded
		}
		out[k] = v
	}
	return out, nil
}
