package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
)

func setupTestStorage(t *testing.T, maxResponseSize int) *Manager {
	t.Helper()

	manager, err := NewManager(t.TempDir(), maxResponseSize, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return manager
}

func TestActivityFilter_Validate(t *testing.T) {
	tests := []struct {
		name       string
		filter     ActivityFilter
		wantLimit  int
		wantOffset int
	}{
		{"defaults", ActivityFilter{}, 50, 0},
		{"over max", ActivityFilter{Limit: 500}, 100, 0},
		{"negative offset", ActivityFilter{Limit: 10, Offset: -3}, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.filter.Validate()
			assert.Equal(t, tt.wantLimit, tt.filter.Limit)
			assert.Equal(t, tt.wantOffset, tt.filter.Offset)
		})
	}
}

func TestActivityFilter_Matches(t *testing.T) {
	now := time.Now()
	record := &ActivityRecord{
		ServerName:  "chat",
		ToolName:    "send",
		SessionID:   "s1",
		ExecutionID: "e1",
		Status:      "failed",
		Timestamp:   now,
	}

	assert.True(t, (&ActivityFilter{}).Matches(record))
	assert.True(t, (&ActivityFilter{Server: "chat", Tool: "send", SessionID: "s1", ExecutionID: "e1", Status: "failed"}).Matches(record))
	assert.False(t, (&ActivityFilter{Server: "mail"}).Matches(record))
	assert.False(t, (&ActivityFilter{Status: "completed"}).Matches(record))
	assert.False(t, (&ActivityFilter{StartTime: now.Add(time.Minute)}).Matches(record))
	assert.False(t, (&ActivityFilter{EndTime: now.Add(-time.Minute)}).Matches(record))
}

func TestActivityKey(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	key := activityKey(ts, "abc")
	assert.Equal(t, "01700000000000000000_abc", string(key))
	assert.Equal(t, "abc", parseActivityKey(key))
	assert.Equal(t, "", parseActivityKey([]byte("short")))
}

func TestSaveActivity_UpsertsTerminalUpdate(t *testing.T) {
	m := setupTestStorage(t, 0)
	started := time.Now().UTC()

	running := &ActivityRecord{ID: "act-1", ExecutionID: "e1", ToolName: "send", Status: "running", Timestamp: started}
	require.NoError(t, m.SaveActivity(running))

	finished := started.Add(50 * time.Millisecond)
	require.NoError(t, m.SaveActivity(&ActivityRecord{
		ID: "act-1", ExecutionID: "e1", ToolName: "send",
		Status: "failed", Reason: "timeout", Timestamp: started, FinishedAt: &finished,
	}))

	count, err := m.CountActivities()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := m.GetActivity("act-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "timeout", got.Reason)

	missing, err := m.GetActivity("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveActivity_TruncatesOutput(t *testing.T) {
	m := setupTestStorage(t, 100)

	record := &ActivityRecord{ToolName: "read", Status: "completed", Output: strings.Repeat("x", 1000)}
	require.NoError(t, m.SaveActivity(record))
	assert.NotEmpty(t, record.ID, "ULID assigned")

	got, err := m.GetActivity(record.ID)
	require.NoError(t, err)
	assert.True(t, got.OutputTruncated)
	assert.LessOrEqual(t, len(got.Output), 100)
}

func TestListActivities_NewestFirstWithPagination(t *testing.T) {
	m := setupTestStorage(t, 0)
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		status := "completed"
		if i%2 == 1 {
			status = "failed"
		}
		require.NoError(t, m.SaveActivity(&ActivityRecord{
			ID:        string(rune('a' + i)),
			ToolName:  "ping",
			SessionID: "s1",
			Status:    status,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, total, err := m.ListActivities(ActivityFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, records, 2)
	assert.Equal(t, "e", records[0].ID)
	assert.Equal(t, "d", records[1].ID)

	records, total, err = m.ListActivities(ActivityFilter{Status: "failed", Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)
}

func TestPruneOldActivities(t *testing.T) {
	m := setupTestStorage(t, 0)
	now := time.Now().UTC()

	require.NoError(t, m.SaveActivity(&ActivityRecord{ID: "old", ToolName: "t", Status: "completed", Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, m.SaveActivity(&ActivityRecord{ID: "new", ToolName: "t", Status: "completed", Timestamp: now}))
	require.NoError(t, m.SaveExecution(&ExecutionRecord{ExecutionID: "e-old", Status: "success", Timestamp: now.Add(-48 * time.Hour)}))

	deleted, err := m.PruneOldActivities(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	count, err := m.CountActivities()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	executions, err := m.CountExecutions()
	require.NoError(t, err)
	assert.Equal(t, 0, executions)
}

func TestExecutions_ListBySession(t *testing.T) {
	m := setupTestStorage(t, 0)
	base := time.Now().UTC()

	require.NoError(t, m.SaveExecution(&ExecutionRecord{ExecutionID: "e1", SessionID: "s1", Status: "success", Timestamp: base}))
	require.NoError(t, m.SaveExecution(&ExecutionRecord{ExecutionID: "e2", SessionID: "s2", Status: "error", Timestamp: base.Add(time.Second)}))
	require.NoError(t, m.SaveExecution(&ExecutionRecord{ExecutionID: "e3", SessionID: "s1", Status: "error", Timestamp: base.Add(2 * time.Second)}))

	records, err := m.ListExecutions("s1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "e3", records[0].ExecutionID)
	assert.Equal(t, "e1", records[1].ExecutionID)
	assert.Len(t, records[0].ID, 26, "ULID")
}

func TestActivityObserver_PersistsEventStream(t *testing.T) {
	m := setupTestStorage(t, 0)
	obs := NewActivityObserver(m)

	started := time.Now()
	finished := started.Add(10 * time.Millisecond)
	act := execution.Activity{
		ID: "act-1", ExecutionID: "e1", SessionID: "s1", ToolName: "send", ServerID: "chat",
		Input: `{"to":"x"}`, Status: execution.StatusRunning, StartedAt: started,
	}

	obs.OnEvent(execution.Event{Type: execution.EventStatus, ExecutionID: "e1", Message: "processing"})
	running := act
	obs.OnEvent(execution.Event{Type: execution.EventToolStarted, ExecutionID: "e1", Activity: &running})
	done := act
	done.Status = execution.StatusCompleted
	done.Output = "sent"
	done.FinishedAt = &finished
	obs.OnEvent(execution.Event{Type: execution.EventToolFinished, ExecutionID: "e1", Activity: &done})
	obs.OnEvent(execution.Event{Type: execution.EventFinalAnswer, ExecutionID: "e1", SessionID: "s1", Message: "done", AgentLabel: "general", Timestamp: finished})
	obs.Close()

	// closed observers ignore further events
	obs.OnEvent(execution.Event{Type: execution.EventError, ExecutionID: "e2"})

	got, err := m.GetActivity("act-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "sent", got.Output)
	assert.Equal(t, "chat", got.ServerName)
	require.NotNil(t, got.FinishedAt)

	executions, err := m.ListExecutions("", 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, "success", executions[0].Status)
	assert.Equal(t, "general", executions[0].AgentLabel)
}

func TestActivityObserver_StoresExecutionOutcome(t *testing.T) {
	m := setupTestStorage(t, 0)
	obs := NewActivityObserver(m)

	base := time.Now()
	obs.OnEvent(execution.Event{Type: execution.EventError, ExecutionID: "e1", Status: execution.OutcomeTimeout, Message: "execution timed out after 1m0s", Timestamp: base})
	obs.OnEvent(execution.Event{Type: execution.EventError, ExecutionID: "e2", Status: execution.OutcomeCancelled, Timestamp: base.Add(time.Second)})
	obs.OnEvent(execution.Event{Type: execution.EventError, ExecutionID: "e3", Timestamp: base.Add(2 * time.Second)})
	obs.Close()

	executions, err := m.ListExecutions("", 10)
	require.NoError(t, err)
	require.Len(t, executions, 3)

	byID := make(map[string]string, len(executions))
	for _, e := range executions {
		byID[e.ExecutionID] = e.Status
	}
	assert.Equal(t, map[string]string{"e1": "timeout", "e2": "cancelled", "e3": "error"}, byID)
}

func TestManager_ClosedDatabase(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Nil(t, m.GetDB())
	assert.Error(t, m.SaveActivity(&ActivityRecord{ToolName: "t"}))
	_, _, err = m.ListActivities(ActivityFilter{})
	assert.Error(t, err)
}

func TestManager_SchemaAndStats(t *testing.T) {
	m := setupTestStorage(t, 0)

	version, err := m.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), version)

	stats, err := m.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats["activities"])
}

func TestNewManager_LockedDatabaseIsLeftIntact(t *testing.T) {
	prev := openTimeout
	openTimeout = 100 * time.Millisecond
	t.Cleanup(func() { openTimeout = prev })

	dir := t.TempDir()
	first, err := NewManager(dir, 0, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.SaveActivity(&ActivityRecord{ID: "a1", ToolName: "send_message", Status: "completed"}))

	_, err = NewManager(dir, 0, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.ErrorIs(t, err, bolterrors.ErrTimeout)

	record, err := first.GetActivity("a1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "send_message", record.ToolName)
}
