package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".mcpagent"
	ConfigFileName = "mcpagent.yaml"
	EnvPrefix      = "MCPAGENT"
)

// Load reads configuration from configPath (optional), MCPAGENT_* environment
// variables and defaults, in increasing order of precedence for the latter two
// over the file.
func Load(configPath string) (*Config, error) {
	return LoadWithViper(viper.New(), configPath)
}

// LoadWithViper is Load on a caller-provided viper instance, so CLI flags bound
// with BindPFlag take part in resolution.
func LoadWithViper(v *viper.Viper, configPath string) (*Config, error) {
	cfg := DefaultConfig()
	setupViper(v, cfg)

	if configPath == "" {
		configPath = findConfigFile()
	}

	var sections *fileSections
	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
		// An empty file (including /dev/null) means defaults only.
		if info.Size() > 0 {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
			sections, err = decodeFileSections(configPath)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if sections != nil {
		cfg.Servers = sections.specs()
		if sections.Environment != nil {
			cfg.Environment = sections.Environment
		}
	}

	if cfg.ServersFile != "" {
		extra, err := LoadCatalogFile(expandHome(cfg.ServersFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load servers file: %w", err)
		}
		cfg.Servers = append(cfg.Servers, extra...)
	}

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupViper registers every scalar default so AutomaticEnv can override it:
// viper only consults the environment for keys it already knows about.
func setupViper(v *viper.Viper, d *Config) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", d.Listen)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("servers_file", d.ServersFile)
	v.SetDefault("execution_timeout", d.ExecutionTimeout)
	v.SetDefault("cleanup_timeout", d.CleanupTimeout)
	v.SetDefault("connection_cleanup_timeout", d.ConnectionCleanupTimeout)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("call_tool_timeout", d.CallToolTimeout)
	v.SetDefault("tool_input_truncate", d.ToolInputTruncate)

	v.SetDefault("conversation.max_messages", d.Conversation.MaxMessages)
	v.SetDefault("conversation.ttl", d.Conversation.TTL)
	v.SetDefault("conversation.sweep_interval", d.Conversation.SweepInterval)

	v.SetDefault("agent.provider", d.Agent.Provider)
	v.SetDefault("agent.endpoint", d.Agent.Endpoint)
	v.SetDefault("agent.api_key", d.Agent.APIKey)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.temperature", d.Agent.Temperature)
	v.SetDefault("agent.max_tokens", d.Agent.MaxTokens)
	v.SetDefault("agent.max_iterations", d.Agent.MaxIterations)
	v.SetDefault("agent.max_execution_time", d.Agent.MaxExecutionTime)
	v.SetDefault("agent.max_tools_per_request", d.Agent.MaxToolsPerRequest)
	v.SetDefault("agent.label", d.Agent.Label)
	v.SetDefault("agent.personality", d.Agent.Personality)

	v.SetDefault("activity.enabled", d.Activity.Enabled)
	v.SetDefault("activity.max_response_size", d.Activity.MaxResponseSize)
	v.SetDefault("activity.retention", d.Activity.Retention)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.enable_file", d.Logging.EnableFile)
	v.SetDefault("logging.enable_console", d.Logging.EnableConsole)
	v.SetDefault("logging.filename", d.Logging.Filename)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.json_format", d.Logging.JSONFormat)

	v.SetDefault("observability.metrics.enabled", d.Observability.Metrics.Enabled)
	v.SetDefault("observability.tracing.enabled", d.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.service_name", d.Observability.Tracing.ServiceName)
	v.SetDefault("observability.tracing.otlp_endpoint", d.Observability.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.sample_rate", d.Observability.Tracing.SampleRate)
}

// findConfigFile looks in the working directory, then in ~/.mcpagent.
func findConfigFile() string {
	locations := []string{ConfigFileName}
	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
