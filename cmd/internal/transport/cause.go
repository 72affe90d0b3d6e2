package transport

// DisconnectCause classifies a closed connection.
type DisconnectCause string

const (
	CauseLoggedOut           DisconnectCause = "logged_out"
	CauseBadSession          DisconnectCause = "bad_session"
	CauseConnectionLost      DisconnectCause = "connection_lost"
	CauseConnectionClosed    DisconnectCause = "connection_closed"
	CauseConnectionReplaced  DisconnectCause = "connection_replaced"
	CauseRestartRequired     DisconnectCause = "restart_required"
	CauseMultideviceMismatch DisconnectCause = "multidevice_mismatch"
	CauseForbidden           DisconnectCause = "forbidden"
	CauseUnavailableService  DisconnectCause = "unavailable_service"
	CauseUnknown             DisconnectCause = "unknown"
)

// Status codes used by the remote network.
const (
	StatusLoggedOut           = 401
	StatusForbidden           = 403
	StatusTimedOut            = 408
	StatusMultideviceMismatch = 411
	StatusConnectionClosed    = 428
	StatusConnectionReplaced  = 440
	StatusBadSession          = 500
	StatusUnavailableService  = 503
	StatusRestartRequired     = 515
)

// CauseFromStatus maps a remote status code to a cause.
func CauseFromStatus(code int) DisconnectCause {
	switch code {
	case StatusLoggedOut:
		return CauseLoggedOut
	case StatusBadSession:
		return CauseBadSession
	case StatusTimedOut:
		return CauseConnectionLost
	case StatusConnectionClosed:
		return CauseConnectionClosed
	case StatusConnectionReplaced:
		return CauseConnectionReplaced
	case StatusRestartRequired:
		return CauseRestartRequired
	case StatusMultideviceMismatch:
		return CauseMultideviceMismatch
	case StatusForbidden:
		return CauseForbidden
	case StatusUnavailableService:
		return CauseUnavailableService
	default:
		return CauseUnknown
	}
}

// Terminal reports whether a session must be destroyed rather than reconnected.
func (c DisconnectCause) Terminal() bool {
	return c == CauseLoggedOut || c == CauseBadSession
}

func (c DisconnectCause) String() string { return string(c) }
