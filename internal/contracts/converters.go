package contracts

import (
	"github.com/smart-mcp-proxy/mcpagent-go/internal/connection"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/storage"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(error string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   error,
	}
}

// NewErrorResponseWithRequestID is NewErrorResponse tagged with the request id
// so clients can quote it when reporting failures.
func NewErrorResponseWithRequestID(error, requestID string) APIResponse {
	resp := NewErrorResponse(error)
	resp.RequestID = requestID
	return resp
}

// ConvertOperations converts discovered operations.
func ConvertOperations(ops []core.OperationDescriptor) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, Operation{
			Name:        op.Name,
			Description: op.Description,
			ServerID:    op.ServerID,
			InputSchema: op.InputSchema,
		})
	}
	return out
}

// ConvertSessionInfos converts connection registry listings.
func ConvertSessionInfos(infos []connection.Info) []SessionInfo {
	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionInfo{
			SessionID: info.SessionID,
			State:     info.State,
			InFlight:  info.InFlight,
			CreatedAt: info.CreatedAt,
		})
	}
	return out
}

// ConvertAnswer converts an execution answer.
func ConvertAnswer(a *execution.Answer) MessageResponse {
	activities := make([]ActivityRecord, 0, len(a.Activities))
	for i := range a.Activities {
		activities = append(activities, ConvertExecutionActivity(&a.Activities[i]))
	}
	toolsUsed := a.ToolsUsed
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	return MessageResponse{
		ExecutionID: a.ExecutionID,
		SessionID:   a.SessionID,
		Output:      a.Output,
		AgentLabel:  a.AgentLabel,
		ToolsUsed:   toolsUsed,
		Activities:  activities,
		Usage: TokenUsage{
			PromptTokens:       a.Usage.PromptTokens,
			CompletionTokens:   a.Usage.CompletionTokens,
			TotalTokens:        a.Usage.TotalTokens,
			SuccessfulRequests: a.Usage.SuccessfulRequests,
			TotalCost:          a.Usage.TotalCost,
		},
		DurationMs: a.Duration.Milliseconds(),
	}
}

// ConvertExecutionActivity converts an in-memory activity.
func ConvertExecutionActivity(a *execution.Activity) ActivityRecord {
	return ActivityRecord{
		ID:          a.ID,
		ExecutionID: a.ExecutionID,
		SessionID:   a.SessionID,
		ServerID:    a.ServerID,
		ToolName:    a.ToolName,
		Input:       a.Input,
		Output:      a.Output,
		Status:      string(a.Status),
		Reason:      a.Reason,
		DurationMs:  a.DurationMs,
		StartedAt:   a.StartedAt,
		FinishedAt:  a.FinishedAt,
	}
}

// ConvertStoredActivity converts a persisted activity.
func ConvertStoredActivity(a *storage.ActivityRecord) ActivityRecord {
	return ActivityRecord{
		ID:              a.ID,
		ExecutionID:     a.ExecutionID,
		SessionID:       a.SessionID,
		ServerID:        a.ServerName,
		ToolName:        a.ToolName,
		Input:           a.Input,
		Output:          a.Output,
		OutputTruncated: a.OutputTruncated,
		Status:          a.Status,
		Reason:          a.Reason,
		DurationMs:      a.DurationMs,
		StartedAt:       a.Timestamp,
		FinishedAt:      a.FinishedAt,
	}
}

// ConvertExecutionRecords converts persisted execution outcomes.
func ConvertExecutionRecords(records []*storage.ExecutionRecord) []ExecutionRecord {
	out := make([]ExecutionRecord, 0, len(records))
	for _, r := range records {
		out = append(out, ExecutionRecord{
			ExecutionID: r.ExecutionID,
			SessionID:   r.SessionID,
			Status:      r.Status,
			Message:     r.Message,
			AgentLabel:  r.AgentLabel,
			Timestamp:   r.Timestamp,
		})
	}
	return out
}
