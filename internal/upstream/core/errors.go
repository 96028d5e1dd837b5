package core

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("tool server session closed")

// SpawnError reports that the tool-server process could not be started.
type SpawnError struct {
	ServerID string
	Command  string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn tool server %s (%s): %v", e.ServerID, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeError reports that the process started but the protocol
// initialization did not complete. Stderr holds the last lines the process
// wrote, which usually name the cause (a missing token, a bad flag).
type HandshakeError struct {
	ServerID string
	Err      error
	Stderr   string
}

func (e *HandshakeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("handshake with tool server %s failed: %v (stderr: %s)", e.ServerID, e.Err, e.Stderr)
	}
	return fmt.Sprintf("handshake with tool server %s failed: %v", e.ServerID, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// DiscoveryError reports that the capability listing failed.
type DiscoveryError struct {
	ServerID string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to list operations of tool server %s: %v", e.ServerID, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
