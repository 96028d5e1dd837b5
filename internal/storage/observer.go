package storage

import (
	"context"
	"sync"
	"time"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
)

const observerQueueSize = 1024

// ActivityObserver persists execution events. OnEvent never blocks: events
// are queued and written by one background goroutine, in arrival order, so
// an activity's terminal update always lands after its running record.
// Events are dropped with a warning when the queue is full.
type ActivityObserver struct {
	m      *Manager
	events chan execution.Event

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewActivityObserver starts the writer goroutine.
func NewActivityObserver(m *Manager) *ActivityObserver {
	o := &ActivityObserver{
		m:      m,
		events: make(chan execution.Event, observerQueueSize),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// OnEvent implements execution.Observer.
func (o *ActivityObserver) OnEvent(e execution.Event) {
	switch e.Type {
	case execution.EventToolStarted, execution.EventToolFinished, execution.EventFinalAnswer, execution.EventError:
	default:
		return
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.events <- e:
	default:
		o.m.logger.Warnw("Activity queue full, dropping event",
			"type", e.Type,
			"execution_id", e.ExecutionID)
	}
}

// Close flushes queued events and stops the writer.
func (o *ActivityObserver) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.events)
		o.mu.Unlock()
		<-o.done
	})
}

func (o *ActivityObserver) run() {
	defer close(o.done)
	for e := range o.events {
		if err := o.persist(e); err != nil {
			o.m.logger.Errorw("Failed to persist execution event",
				"type", e.Type,
				"execution_id", e.ExecutionID,
				"error", err)
		}
	}
}

func (o *ActivityObserver) persist(e execution.Event) error {
	switch e.Type {
	case execution.EventToolStarted, execution.EventToolFinished:
		if e.Activity == nil {
			return nil
		}
		return o.m.SaveActivity(activityRecord(e.Activity))
	case execution.EventFinalAnswer:
		return o.m.SaveExecution(&ExecutionRecord{
			ExecutionID: e.ExecutionID,
			SessionID:   e.SessionID,
			Status:      outcome(e, execution.OutcomeSuccess),
			Message:     e.Message,
			AgentLabel:  e.AgentLabel,
			Timestamp:   e.Timestamp.UTC(),
		})
	case execution.EventError:
		return o.m.SaveExecution(&ExecutionRecord{
			ExecutionID: e.ExecutionID,
			SessionID:   e.SessionID,
			Status:      outcome(e, execution.OutcomeError),
			Message:     e.Message,
			Timestamp:   e.Timestamp.UTC(),
		})
	}
	return nil
}

func outcome(e execution.Event, fallback string) string {
	if e.Status != "" {
		return e.Status
	}
	return fallback
}

func activityRecord(a *execution.Activity) *ActivityRecord {
	r := &ActivityRecord{
		ID:          a.ID,
		ExecutionID: a.ExecutionID,
		SessionID:   a.SessionID,
		ServerName:  a.ServerID,
		ToolName:    a.ToolName,
		Input:       a.Input,
		Output:      a.Output,
		Status:      string(a.Status),
		Reason:      a.Reason,
		DurationMs:  a.DurationMs,
		Timestamp:   a.StartedAt.UTC(),
	}
	if a.FinishedAt != nil {
		finished := a.FinishedAt.UTC()
		r.FinishedAt = &finished
	}
	return r
}

// RunRetention prunes records older than maxAge every interval until ctx is
// done.
func (m *Manager) RunRetention(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PruneOldActivities(maxAge); err != nil {
				m.logger.Warnw("Activity retention sweep failed", "error", err)
			}
		}
	}
}
