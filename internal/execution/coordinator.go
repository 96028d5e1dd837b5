// Package execution runs one query against a policy engine under a deadline,
// recording every tool invocation the engine makes as an activity.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/conversation"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
)

// Execution outcomes, carried in Event.Status on final_answer and error
// events and used as the execution metric label.
const (
	OutcomeSuccess   = "success"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// CurrentMessagePrefix introduces the new message after the history in a
// session's prompt.
const CurrentMessagePrefix = "Current user message: "

// StatusProcessing is the message of the status event emitted when an
// execution starts.
const StatusProcessing = "processing"

// Answer is the result envelope of a successful execution.
type Answer struct {
	ExecutionID string           `json:"execution_id"`
	SessionID   string           `json:"session_id,omitempty"`
	Output      string           `json:"output"`
	AgentLabel  string           `json:"agent_label,omitempty"`
	ToolsUsed   []string         `json:"tools_used"`
	Activities  []Activity       `json:"activities"`
	Usage       agent.TokenUsage `json:"usage"`
	Duration    time.Duration    `json:"duration"`
}

// Options configure a Coordinator.
type Options struct {
	// Store holds conversation history; nil disables history.
	Store *conversation.Store
	// Observer receives the events of every execution.
	Observer Observer
	// Timeout bounds each execution; zero means config.DefaultExecutionTimeout.
	Timeout time.Duration
	// InputTruncate caps activity input and output sizes in events.
	InputTruncate int
	// AgentLabel tags assistant messages and answers.
	AgentLabel    string
	Logger        *zap.Logger
	Observability *observability.Manager
}

// Coordinator runs executions. It holds no per-execution state and is safe
// for concurrent use.
type Coordinator struct {
	store      *conversation.Store
	observer   Observer
	timeout    time.Duration
	truncate   int
	agentLabel string
	logger     *zap.Logger
	obs        *observability.Manager
	now        func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		store:      opts.Store,
		observer:   opts.Observer,
		timeout:    opts.Timeout,
		truncate:   opts.InputTruncate,
		agentLabel: opts.AgentLabel,
		logger:     opts.Logger,
		obs:        opts.Observability,
		now:        time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = config.DefaultExecutionTimeout
	}
	if c.truncate <= 0 {
		c.truncate = config.DefaultToolInputTruncate
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.observer == nil {
		c.observer = MultiObserver(nil)
	}
	return c
}

// Timeout returns the per-execution deadline.
func (c *Coordinator) Timeout() time.Duration { return c.timeout }

type runOutcome struct {
	result *agent.RunResult
	err    error
}

// Execute runs query through engine. When sessionID is set, the session's
// history is prepended to the query and, on success, the query and answer
// are appended to it.
//
// Execute returns *TimeoutError when the deadline passes and *CancelledError
// when ctx is cancelled. In every outcome each activity started by the
// execution ends up completed or failed before Execute returns.
func (c *Coordinator) Execute(ctx context.Context, engine agent.Engine, query, sessionID string) (*Answer, error) {
	executionID := uuid.NewString()
	logger := c.logger.With(zap.String("execution_id", executionID), zap.String("session_id", sessionID))

	em := &emitter{observer: MultiObserver{c.observer, observerFrom(ctx)}, now: c.now}
	base := Event{ExecutionID: executionID, SessionID: sessionID}

	if strings.TrimSpace(query) == "" {
		failed := base
		failed.Status = OutcomeError
		em.emit(failed, EventError, ErrEmptyQuery.Error())
		return nil, ErrEmptyQuery
	}

	started := c.now()
	em.emit(base, EventStatus, StatusProcessing)

	ctx, span := c.obs.StartExecutionSpan(ctx, sessionID)
	tr := newTracker(executionID, sessionID, c.truncate, em.emitEvent)
	runCtx, cancel := context.WithTimeout(withTracker(ctx, tr), c.timeout)
	defer cancel()

	prompt := c.contextualQuery(sessionID, query)

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		result, err := engine.Run(runCtx, prompt)
		done <- runOutcome{result: result, err: err}
	}()

	var out runOutcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// An engine that returned together with the deadline still counts.
		select {
		case out = <-done:
		default:
		}
	}

	var err error
	switch {
	case out.err == nil && out.result != nil:
	case errors.Is(ctx.Err(), context.Canceled):
		err = &CancelledError{Cause: ctx.Err()}
	case runCtx.Err() == context.DeadlineExceeded:
		err = &TimeoutError{After: c.deadlineAfter(ctx, started)}
	case out.err != nil:
		err = fmt.Errorf("execution failed: %w", out.err)
	default:
		err = errors.New("execution failed: engine returned no result")
	}

	elapsed := c.now().Sub(started)
	if err != nil {
		cancel()
		status, reason := failureStatus(err)
		tr.close(StatusFailed, reason)
		failed := base
		failed.Status = status
		em.emit(failed, EventError, err.Error())

		c.obs.RecordExecution(status, elapsed)
		observability.EndSpan(span, err)
		logger.Info("Execution ended without an answer",
			zap.String("status", status),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return nil, err
	}

	tr.close(StatusCompleted, ReasonFinished)

	if sessionID != "" && c.store != nil {
		c.store.Append(sessionID, conversation.RoleUser, query, "")
		c.store.Append(sessionID, conversation.RoleAssistant, out.result.Output, c.agentLabel)
	}

	answer := &Answer{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Output:      out.result.Output,
		AgentLabel:  c.agentLabel,
		ToolsUsed:   tr.toolsUsed(),
		Activities:  tr.snapshot(),
		Usage:       out.result.Usage,
		Duration:    elapsed,
	}
	if answer.ToolsUsed == nil {
		answer.ToolsUsed = []string{}
	}

	final := base
	final.AgentLabel = c.agentLabel
	final.Status = OutcomeSuccess
	em.emit(final, EventFinalAnswer, answer.Output)

	c.obs.RecordExecution(OutcomeSuccess, elapsed)
	observability.EndSpan(span, nil)
	logger.Info("Execution completed",
		zap.Duration("duration", elapsed),
		zap.Strings("tools_used", answer.ToolsUsed),
		zap.Int("total_tokens", answer.Usage.TotalTokens))
	return answer, nil
}

// deadlineAfter is the budget the execution had: the coordinator timeout, or
// less when the caller's ctx carried an earlier deadline.
func (c *Coordinator) deadlineAfter(ctx context.Context, started time.Time) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := deadline.Sub(started); d < c.timeout {
			return d
		}
	}
	return c.timeout
}

func (c *Coordinator) contextualQuery(sessionID, query string) string {
	if sessionID == "" || c.store == nil {
		return query
	}
	history := c.store.ContextString(sessionID)
	if history == "" {
		return query
	}
	return history + "\n\n" + CurrentMessagePrefix + query
}

func failureStatus(err error) (status, reason string) {
	var timeout *TimeoutError
	var cancelled *CancelledError
	switch {
	case errors.As(err, &timeout):
		return OutcomeTimeout, ReasonTimeout
	case errors.As(err, &cancelled):
		return OutcomeCancelled, ReasonCancelled
	default:
		return OutcomeError, ReasonError
	}
}

// emitter serializes delivery so observers see one execution's events in
// order even when tools run on several goroutines.
type emitter struct {
	observer Observer
	now      func() time.Time

	mu sync.Mutex
}

func (e *emitter) emit(base Event, typ EventType, message string) {
	base.Type = typ
	base.Message = message
	base.Timestamp = e.now()
	e.emitEvent(base)
}

func (e *emitter) emitEvent(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer.OnEvent(ev)
}
