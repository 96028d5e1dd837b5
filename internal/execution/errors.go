package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyQuery is returned when Execute is given a blank query.
var ErrEmptyQuery = errors.New("empty query received")

// errExecutionClosed refuses tool calls that arrive after their execution
// has already ended.
var errExecutionClosed = errors.New("execution already finished")

// TimeoutError is returned when an execution outlives its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.After)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// CancelledError is returned when the caller cancels an execution.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return "execution cancelled"
	}
	return fmt.Sprintf("execution cancelled: %v", e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// Is reports context.Canceled as matching, whatever the cause.
func (e *CancelledError) Is(target error) bool {
	return target == context.Canceled
}
