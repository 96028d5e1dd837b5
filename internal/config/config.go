package config

import (
	"time"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/secureenv"
)

const (
	defaultListen = "127.0.0.1:8090"

	DefaultExecutionTimeout         = 60 * time.Second
	DefaultCleanupTimeout           = 5 * time.Second
	DefaultConnectionCleanupTimeout = 2 * time.Second
	DefaultHandshakeTimeout         = 30 * time.Second
	DefaultCallToolTimeout          = 2 * time.Minute

	DefaultMaxMessages   = 10
	DefaultHistoryTTL    = 24 * time.Hour
	DefaultSweepInterval = time.Hour

	DefaultModel              = "gpt-4o-mini"
	DefaultTemperature        = 0.7
	DefaultMaxTokens          = 1000
	DefaultMaxIterations      = 30
	DefaultMaxExecutionTime   = 120 * time.Second
	DefaultMaxToolsPerRequest = 128

	DefaultToolInputTruncate = 2000
	DefaultActivityMaxSize   = 64 * 1024
	DefaultActivityRetention = 7 * 24 * time.Hour
)

// Config is the top-level configuration of the agent service.
type Config struct {
	Listen      string `json:"listen" mapstructure:"listen"`
	APIKey      string `json:"api_key,omitempty" mapstructure:"api_key"`
	DataDir     string `json:"data_dir" mapstructure:"data_dir"`
	ServersFile string `json:"servers_file,omitempty" mapstructure:"servers_file"`

	// Servers is the catalog every connection selects its tool servers from.
	Servers []*ServerSpec `json:"servers" mapstructure:"-"`

	ExecutionTimeout         time.Duration `json:"execution_timeout" mapstructure:"execution_timeout"`
	CleanupTimeout           time.Duration `json:"cleanup_timeout" mapstructure:"cleanup_timeout"`
	ConnectionCleanupTimeout time.Duration `json:"connection_cleanup_timeout" mapstructure:"connection_cleanup_timeout"`
	HandshakeTimeout         time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	CallToolTimeout          time.Duration `json:"call_tool_timeout" mapstructure:"call_tool_timeout"`

	// ToolInputTruncate caps tool input/output carried in activity events.
	ToolInputTruncate int `json:"tool_input_truncate" mapstructure:"tool_input_truncate"`

	Conversation  ConversationConfig   `json:"conversation" mapstructure:"conversation"`
	Agent         AgentConfig          `json:"agent" mapstructure:"agent"`
	Activity      ActivityConfig       `json:"activity" mapstructure:"activity"`
	Logging       *LogConfig           `json:"logging,omitempty" mapstructure:"logging"`
	Observability ObservabilityConfig  `json:"observability" mapstructure:"observability"`
	Environment   *secureenv.EnvConfig `json:"environment,omitempty" mapstructure:"environment"`
}

// ConversationConfig bounds short-term chat history.
type ConversationConfig struct {
	MaxMessages   int           `json:"max_messages" mapstructure:"max_messages"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// AgentConfig configures the LLM policy engine.
type AgentConfig struct {
	Provider           string        `json:"provider" mapstructure:"provider"` // openai or azure
	Endpoint           string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	APIKey             string        `json:"api_key,omitempty" mapstructure:"api_key"`
	Model              string        `json:"model" mapstructure:"model"`
	Temperature        float32       `json:"temperature" mapstructure:"temperature"`
	MaxTokens          int           `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations      int           `json:"max_iterations" mapstructure:"max_iterations"`
	MaxExecutionTime   time.Duration `json:"max_execution_time" mapstructure:"max_execution_time"`
	MaxToolsPerRequest int           `json:"max_tools_per_request" mapstructure:"max_tools_per_request"`
	Label              string        `json:"label" mapstructure:"label"`
	Personality        string        `json:"personality,omitempty" mapstructure:"personality"`
	SubAgents          []SubAgent    `json:"sub_agents,omitempty" mapstructure:"sub_agents"`
}

// SubAgent describes a specialist the assistant may delegate work to. A
// sub-agent is queried through its ID and runs with only the catalog
// servers listed in Servers (all of them when empty).
type SubAgent struct {
	ID          string   `json:"id" mapstructure:"id"`
	Name        string   `json:"name" mapstructure:"name"`
	Description string   `json:"description,omitempty" mapstructure:"description"`
	Servers     []string `json:"servers,omitempty" mapstructure:"servers"`
	Personality string   `json:"personality,omitempty" mapstructure:"personality"`
}

// FindSubAgent returns the configured sub-agent with the given id.
func (c *AgentConfig) FindSubAgent(id string) (*SubAgent, bool) {
	for i := range c.SubAgents {
		if c.SubAgents[i].ID == id {
			return &c.SubAgents[i], true
		}
	}
	return nil, false
}

// ActivityConfig controls the tool activity audit log.
type ActivityConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	MaxResponseSize int           `json:"max_response_size" mapstructure:"max_response_size"`
	Retention       time.Duration `json:"retention" mapstructure:"retention"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log_dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max_size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max_age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName  string  `json:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate" mapstructure:"sample_rate"`
}

// DefaultConfig returns a configuration with every tunable set.
func DefaultConfig() *Config {
	return &Config{
		Listen:                   defaultListen,
		ExecutionTimeout:         DefaultExecutionTimeout,
		CleanupTimeout:           DefaultCleanupTimeout,
		ConnectionCleanupTimeout: DefaultConnectionCleanupTimeout,
		HandshakeTimeout:         DefaultHandshakeTimeout,
		CallToolTimeout:          DefaultCallToolTimeout,
		ToolInputTruncate:        DefaultToolInputTruncate,
		Conversation: ConversationConfig{
			MaxMessages:   DefaultMaxMessages,
			TTL:           DefaultHistoryTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Agent: AgentConfig{
			Provider:           "openai",
			Model:              DefaultModel,
			Temperature:        DefaultTemperature,
			MaxTokens:          DefaultMaxTokens,
			MaxIterations:      DefaultMaxIterations,
			MaxExecutionTime:   DefaultMaxExecutionTime,
			MaxToolsPerRequest: DefaultMaxToolsPerRequest,
			Label:              "assistant",
		},
		Activity: ActivityConfig{
			Enabled:         true,
			MaxResponseSize: DefaultActivityMaxSize,
			Retention:       DefaultActivityRetention,
		},
		Logging: DefaultLogConfig(),
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{
				ServiceName:  "mcpagent",
				OTLPEndpoint: "localhost:4318",
				SampleRate:   1.0,
			},
		},
		Environment: secureenv.DefaultEnvConfig(),
	}
}

// DefaultLogConfig returns the default logging configuration: console only.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
	}
}

// Validate fills in zero values and rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = DefaultCleanupTimeout
	}
	if c.ConnectionCleanupTimeout <= 0 {
		c.ConnectionCleanupTimeout = DefaultConnectionCleanupTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CallToolTimeout <= 0 {
		c.CallToolTimeout = DefaultCallToolTimeout
	}
	if c.ToolInputTruncate < 0 {
		c.ToolInputTruncate = 0 // 0 means disabled
	}
	if c.Conversation.MaxMessages <= 0 {
		c.Conversation.MaxMessages = DefaultMaxMessages
	}
	if c.Conversation.TTL <= 0 {
		c.Conversation.TTL = DefaultHistoryTTL
	}
	if c.Conversation.SweepInterval <= 0 {
		c.Conversation.SweepInterval = DefaultSweepInterval
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Agent.MaxToolsPerRequest <= 0 {
		c.Agent.MaxToolsPerRequest = DefaultMaxToolsPerRequest
	}
	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}
	if c.Environment == nil {
		c.Environment = secureenv.DefaultEnvConfig()
	}

	if errs := c.ValidateDetailed(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
