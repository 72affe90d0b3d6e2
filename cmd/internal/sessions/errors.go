package sessions

import (
	"errors"
	"fmt"

	"linkgate/cmd/internal/transport"
)

var (
	// ErrSessionNotFound is returned when no live session and no persisted credentials exist for an id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotReady is returned when a live session is not open (logging in, reconnecting).
	ErrSessionNotReady = errors.New("session not ready")

	// ErrTerminalDisconnect is returned for sessions torn down by a terminal disconnect.
	ErrTerminalDisconnect = errors.New("session terminally disconnected")

	// ErrReviveTimeout is returned when a revived session did not open in time.
	ErrReviveTimeout = errors.New("session revive timed out")

	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("session manager closed")
)

// DisconnectError carries the cause of a terminal disconnect.
type DisconnectError struct {
	SessionID string
	Cause     transport.DisconnectCause
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("%s: session=%s cause=%s", ErrTerminalDisconnect.Error(), e.SessionID, e.Cause)
}

func (e *DisconnectError) Unwrap() error { return ErrTerminalDisconnect }

// TransportError wraps a failure reported by the transport handle.
type TransportError struct {
	SessionID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: session=%s: %v", e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
