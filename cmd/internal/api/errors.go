package api

import (
	"context"
	"errors"
	"net/http"

	"linkgate/cmd/internal/authstate"
	"linkgate/cmd/internal/sessions"
)

// statusFor maps a Manager error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var te *sessions.TransportError

	switch {
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, authstate.ErrInvalidSessionID):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sessions.ErrSessionNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, sessions.ErrTerminalDisconnect):
		return http.StatusGone, "terminal_disconnect"
	case errors.Is(err, sessions.ErrInvalidDestination):
		return http.StatusBadRequest, "invalid_destination"
	case errors.As(err, &te):
		// A send that timed out on the wire is still a transport failure.
		return http.StatusBadGateway, "transport_error"
	case errors.Is(err, sessions.ErrReviveTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "revive_timeout"
	case errors.Is(err, authstate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, authstate.ErrCorruptCredentials):
		return http.StatusInternalServerError, "corrupt_credentials"
	case errors.Is(err, sessions.ErrManagerClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
