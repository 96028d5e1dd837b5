package agent

import (
	"fmt"
	"strings"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
)

// DefaultPersonality is used when no personality prompt is configured.
const DefaultPersonality = `You are a helpful AI assistant with access to various tools and services.
You can help with a wide variety of tasks and questions, including knowledge base queries, document management,
communication tools, and general assistance.

Always be helpful, accurate, and use the appropriate tools when needed to assist users with their requests.
You can refer to previous messages in the conversation to provide contextual responses and maintain conversation flow.

IMPORTANT: Provide clear, concise responses that directly address the user's needs.`

// DelegationTool is the operation a delegating tool server exposes to hand
// a task to a sub-agent by id.
const DelegationTool = "call_subagent"

// BuildSystemPrompt composes the personality prompt with the roster of
// sub-agents the assistant may delegate to. Sub-agents without an id or a
// name are left out.
func BuildSystemPrompt(personality string, subAgents []config.SubAgent) string {
	prompt := strings.TrimSpace(personality)
	if prompt == "" {
		prompt = DefaultPersonality
	}

	var roster []string
	for _, sa := range subAgents {
		id, name := strings.TrimSpace(sa.ID), strings.TrimSpace(sa.Name)
		if id == "" || name == "" {
			continue
		}
		line := fmt.Sprintf("- Sub-agent %s (%s)", id, name)
		var details []string
		if desc := strings.TrimSpace(sa.Description); desc != "" {
			details = append(details, desc)
		}
		if len(sa.Servers) > 0 {
			details = append(details, "Has access to "+strings.Join(sa.Servers, ", "))
		}
		if len(details) > 0 {
			line += ": " + strings.Join(details, ". ")
		}
		roster = append(roster, line)
	}
	if len(roster) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nYou also have access to specialized sub-agents that can handle specific tasks:\n")
	b.WriteString(strings.Join(roster, "\n"))
	b.WriteString("\n\nOnly delegate to a sub-agent with the " + DelegationTool + " tool when you cannot handle the task with your own tools. ")
	b.WriteString("When delegating, use the sub-agent ID and give a clear, detailed task description.")
	return b.String()
}
