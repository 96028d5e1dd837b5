package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/storage"
)

func TestConvertAnswer(t *testing.T) {
	finished := time.Now()
	answer := &execution.Answer{
		ExecutionID: "e1",
		SessionID:   "s1",
		Output:      "done",
		AgentLabel:  "assistant",
		Activities: []execution.Activity{{
			ID:         "a1",
			ToolName:   "send_message",
			ServerID:   "chat",
			Status:     execution.StatusCompleted,
			FinishedAt: &finished,
		}},
		Usage:    agent.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5, SuccessfulRequests: 1},
		Duration: 1500 * time.Millisecond,
	}

	resp := ConvertAnswer(answer)

	assert.Equal(t, "done", resp.Output)
	assert.Equal(t, int64(1500), resp.DurationMs)
	assert.Equal(t, []string{}, resp.ToolsUsed)
	require.Len(t, resp.Activities, 1)
	assert.Equal(t, "completed", resp.Activities[0].Status)
	assert.Equal(t, "chat", resp.Activities[0].ServerID)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestConvertStoredActivity(t *testing.T) {
	ts := time.Now()
	rec := ConvertStoredActivity(&storage.ActivityRecord{
		ID:              "a1",
		ServerName:      "chat",
		ToolName:        "send_message",
		OutputTruncated: true,
		Status:          "failed",
		Reason:          "timeout",
		Timestamp:       ts,
	})

	assert.Equal(t, "chat", rec.ServerID)
	assert.True(t, rec.OutputTruncated)
	assert.Equal(t, "timeout", rec.Reason)
	assert.True(t, ts.Equal(rec.StartedAt))
}

func TestErrorResponseEnvelope(t *testing.T) {
	data, err := json.Marshal(NewErrorResponseWithRequestID("boom", "req-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"boom","request_id":"req-1"}`, string(data))

	data, err = json.Marshal(NewSuccessResponse(map[string]int{"n": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"n":1}}`, string(data))
}
