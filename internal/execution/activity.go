package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/truncate"
)

// ActivityStatus is the lifecycle state of one tool invocation.
type ActivityStatus string

const (
	StatusRunning   ActivityStatus = "running"
	StatusCompleted ActivityStatus = "completed"
	StatusFailed    ActivityStatus = "failed"
)

// Reasons recorded on activities the coordinator resolves itself.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
	ReasonError     = "error"
	ReasonFinished  = "execution finished"
)

// Activity is one recorded tool invocation.
type Activity struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	SessionID   string         `json:"session_id,omitempty"`
	ToolName    string         `json:"tool_name"`
	ServerID    string         `json:"server_id,omitempty"`
	Input       string         `json:"input,omitempty"`
	Output      string         `json:"output,omitempty"`
	Status      ActivityStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
}

// Terminal reports whether the activity has reached completed or failed.
func (a *Activity) Terminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusFailed
}

// tracker records the activities of one execution. Each activity gets
// exactly one terminal update; whichever of the tool call and the
// coordinator's force-resolve comes first wins.
type tracker struct {
	executionID string
	sessionID   string
	truncator   *truncate.Truncator
	emit        func(Event)
	now         func() time.Time

	mu         sync.Mutex
	closed     bool
	activities []*Activity
	byID       map[string]*Activity
}

func newTracker(executionID, sessionID string, inputLimit int, emit func(Event)) *tracker {
	return &tracker{
		executionID: executionID,
		sessionID:   sessionID,
		truncator:   truncate.NewTruncator(inputLimit),
		emit:        emit,
		now:         time.Now,
		byID:        make(map[string]*Activity),
	}
}

// start opens a running activity and emits tool_started.
func (t *tracker) start(toolName, serverID, input string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", errExecutionClosed
	}

	a := &Activity{
		ID:          uuid.NewString(),
		ExecutionID: t.executionID,
		SessionID:   t.sessionID,
		ToolName:    toolName,
		ServerID:    serverID,
		Input:       t.truncator.String(input),
		Status:      StatusRunning,
		StartedAt:   t.now(),
	}
	t.activities = append(t.activities, a)
	t.byID[a.ID] = a

	t.emitLocked(EventToolStarted, a)
	return a.ID, nil
}

// finish resolves a running activity. Finishes for activities the
// coordinator already resolved are dropped.
func (t *tracker) finish(id, output string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byID[id]
	if !ok || a.Terminal() {
		return
	}
	status := StatusCompleted
	if failed {
		status = StatusFailed
	}
	t.resolveLocked(a, status, "", t.truncator.String(output))
}

// close stops accepting new activities and resolves every running one
// with status and reason.
func (t *tracker) close(status ActivityStatus, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, a := range t.activities {
		if !a.Terminal() {
			t.resolveLocked(a, status, reason, a.Output)
		}
	}
}

func (t *tracker) resolveLocked(a *Activity, status ActivityStatus, reason, output string) {
	finished := t.now()
	a.Status = status
	a.Reason = reason
	a.Output = output
	a.FinishedAt = &finished
	a.DurationMs = finished.Sub(a.StartedAt).Milliseconds()

	t.emitLocked(EventToolFinished, a)
}

// emitLocked runs under t.mu so that per-activity events stay ordered.
func (t *tracker) emitLocked(typ EventType, a *Activity) {
	if t.emit == nil {
		return
	}
	snapshot := *a
	t.emit(Event{
		Type:        typ,
		ExecutionID: t.executionID,
		SessionID:   t.sessionID,
		Timestamp:   t.now(),
		Message:     a.ToolName,
		Activity:    &snapshot,
	})
}

// snapshot returns copies of every activity in start order.
func (t *tracker) snapshot() []Activity {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Activity, len(t.activities))
	for i, a := range t.activities {
		out[i] = *a
	}
	return out
}

// toolsUsed lists distinct tool names in first-use order.
func (t *tracker) toolsUsed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool)
	var names []string
	for _, a := range t.activities {
		if !seen[a.ToolName] {
			seen[a.ToolName] = true
			names = append(names, a.ToolName)
		}
	}
	return names
}

type trackerKey struct{}

func withTracker(ctx context.Context, t *tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

func trackerFrom(ctx context.Context) *tracker {
	t, _ := ctx.Value(trackerKey{}).(*tracker)
	return t
}
