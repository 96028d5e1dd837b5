package upstream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoToolsAvailable is returned by Build when no tool server contributed
// any operation.
var ErrNoToolsAvailable = errors.New("no tools available from any tool server")

// DuplicateOperationError is returned by Build when two tool servers expose
// the same operation name.
type DuplicateOperationError struct {
	Name    string
	Servers []string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("duplicate operation %q exposed by tool servers %s", e.Name, strings.Join(e.Servers, ", "))
}

// UnknownOperationError is returned by Invoke for a name no session owns.
type UnknownOperationError struct {
	Name string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q", e.Name)
}
