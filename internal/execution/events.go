package execution

import (
	"context"
	"time"
)

// EventType names an entry in the ordered execution event stream.
type EventType string

const (
	EventStatus       EventType = "status"
	EventToolStarted  EventType = "tool_started"
	EventToolFinished EventType = "tool_finished"
	EventFinalAnswer  EventType = "final_answer"
	EventError        EventType = "error"
)

// Event is one entry in an execution's event stream. Activity is set on
// tool events; Message carries the status text, tool name, answer or
// error text depending on Type. Status holds the execution outcome on
// final_answer and error events.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message,omitempty"`
	Status      string    `json:"status,omitempty"`
	AgentLabel  string    `json:"agent_label,omitempty"`
	Activity    *Activity `json:"activity,omitempty"`
}

// Observer receives execution events. Events for one execution are
// delivered sequentially in order on the execution's goroutines, so a slow
// OnEvent holds the execution back.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

// OnEvent implements Observer.
func (m MultiObserver) OnEvent(e Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

type observerKey struct{}

// WithObserver attaches an observer that receives the events of executions
// run with ctx, in addition to the coordinator's own observer.
func WithObserver(ctx context.Context, o Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

func observerFrom(ctx context.Context) Observer {
	o, _ := ctx.Value(observerKey{}).(Observer)
	return o
}
