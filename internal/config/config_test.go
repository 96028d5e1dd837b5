package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:8090", cfg.Listen)
	assert.Equal(t, 60*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, 5*time.Second, cfg.CleanupTimeout)
	assert.Equal(t, 2*time.Second, cfg.ConnectionCleanupTimeout)
	assert.Equal(t, 10, cfg.Conversation.MaxMessages)
	assert.Equal(t, 24*time.Hour, cfg.Conversation.TTL)
	assert.Equal(t, "gpt-4o-mini", cfg.Agent.Model)
	assert.InDelta(t, 0.7, cfg.Agent.Temperature, 0.0001)
	assert.Equal(t, 1000, cfg.Agent.MaxTokens)
	assert.Equal(t, 30, cfg.Agent.MaxIterations)
	assert.True(t, cfg.Activity.Enabled)
	assert.Empty(t, cfg.Servers)
	require.NotNil(t, cfg.Environment)
	assert.True(t, cfg.Environment.InheritSystemSafe)
}

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8090", cfg.Listen)
	assert.Equal(t, DefaultExecutionTimeout, cfg.ExecutionTimeout)
	assert.Equal(t, DefaultMaxMessages, cfg.Conversation.MaxMessages)
	assert.Equal(t, DefaultMaxIterations, cfg.Agent.MaxIterations)
	assert.NotNil(t, cfg.Logging)
	assert.NotNil(t, cfg.Environment)
}

func TestValidateRejectsBadServers(t *testing.T) {
	tests := []struct {
		name    string
		servers []*ServerSpec
		field   string
	}{
		{
			name:    "missing command",
			servers: []*ServerSpec{{ID: "gmail"}},
			field:   "servers[0].command",
		},
		{
			name:    "invalid id",
			servers: []*ServerSpec{{ID: "bad id", Command: "x"}},
			field:   "servers[0].id",
		},
		{
			name:    "duplicate id",
			servers: []*ServerSpec{{ID: "a", Command: "x"}, {ID: "a", Command: "y"}},
			field:   "servers[1].id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Servers = tt.servers

			errs := cfg.ValidateDetailed()
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.field, errs[0].Field)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAgentSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.Temperature = 3
	cfg.Agent.Provider = "llama"

	errs := cfg.ValidateDetailed()
	require.Len(t, errs, 2)
	assert.Equal(t, "agent.temperature", errs[0].Field)
	assert.Equal(t, "agent.provider", errs[1].Field)
}

func TestValidateSubAgents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = []*ServerSpec{{ID: "sheets", Command: "x"}}
	cfg.Agent.SubAgents = []SubAgent{
		{ID: "analyst", Name: "Analyst", Servers: []string{"sheets"}},
		{ID: "analyst", Name: "Copy"},
		{ID: "writer", Servers: []string{"docs"}},
	}

	errs := cfg.ValidateDetailed()
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{
		"agent.sub_agents[1].id",
		"agent.sub_agents[2].name",
		"agent.sub_agents[2].servers",
	}, fields)
}

func TestFindSubAgent(t *testing.T) {
	agentCfg := AgentConfig{SubAgents: []SubAgent{{ID: "analyst", Name: "Analyst"}}}

	sa, ok := agentCfg.FindSubAgent("analyst")
	require.True(t, ok)
	assert.Equal(t, "Analyst", sa.Name)

	_, ok = agentCfg.FindSubAgent("missing")
	assert.False(t, ok)
}
