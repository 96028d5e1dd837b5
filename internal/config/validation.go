package config

import (
	"fmt"
	"regexp"
)

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateDetailed returns every problem found instead of stopping at the first.
func (c *Config) ValidateDetailed() []ValidationError {
	var errs []ValidationError

	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "agent.temperature", Message: "must be between 0 and 2"})
	}
	if c.Agent.Provider != "" && c.Agent.Provider != ProviderOpenAI && c.Agent.Provider != ProviderAzure {
		errs = append(errs, ValidationError{
			Field:   "agent.provider",
			Message: fmt.Sprintf("unknown provider %q", c.Agent.Provider),
		})
	}
	if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
		errs = append(errs, ValidationError{Field: "observability.tracing.sample_rate", Message: "must be between 0 and 1"})
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		if s == nil {
			errs = append(errs, ValidationError{Field: field, Message: "empty server entry"})
			continue
		}
		if !serverIDPattern.MatchString(s.ID) {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("invalid server id %q", s.ID)})
		} else if seen[s.ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate server id %q", s.ID)})
		}
		seen[s.ID] = true
		if s.Command == "" {
			errs = append(errs, ValidationError{Field: field + ".command", Message: "command is required"})
		}
	}

	subAgents := make(map[string]bool, len(c.Agent.SubAgents))
	for i, sa := range c.Agent.SubAgents {
		field := fmt.Sprintf("agent.sub_agents[%d]", i)
		if !serverIDPattern.MatchString(sa.ID) {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("invalid sub-agent id %q", sa.ID)})
		} else if subAgents[sa.ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate sub-agent id %q", sa.ID)})
		}
		subAgents[sa.ID] = true
		if sa.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "name is required"})
		}
		for _, id := range sa.Servers {
			if !seen[id] {
				errs = append(errs, ValidationError{Field: field + ".servers", Message: fmt.Sprintf("unknown server %q", id)})
			}
		}
	}

	return errs
}

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)
