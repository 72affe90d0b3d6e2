package authstate

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by backends when a record does not exist.
	// Store never surfaces it to callers.
	ErrNotFound = errors.New("authstate: not found")

	// ErrStoreUnavailable marks any backend failure (unreachable DB, disk error).
	ErrStoreUnavailable = errors.New("authstate: store unavailable")

	// ErrCorruptCredentials is returned when a persisted credentials blob cannot be opened or decoded.
	ErrCorruptCredentials = errors.New("authstate: corrupt credentials")

	// ErrCorruptKey is returned when a persisted key value cannot be opened.
	ErrCorruptKey = errors.New("authstate: corrupt key record")

	// ErrInvalidSessionID is returned for ids that are empty or contain unsafe characters.
	ErrInvalidSessionID = errors.New("authstate: invalid session id")

	// ErrInvalidKeyType is returned for an empty key type.
	ErrInvalidKeyType = errors.New("authstate: invalid key type")
)

// OpError describes a failed backend operation.
// It unwraps to both ErrStoreUnavailable and the underlying cause.
type OpError struct {
	Op        string
	Backend   string
	SessionID string
	Err       error
}

func (e *OpError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("authstate: %s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("authstate: %s %s session=%s: %v", e.Backend, e.Op, e.SessionID, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }
