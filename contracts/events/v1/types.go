// Package v1 defines the linkgate session event stream contract, v1.
//
// Events are pushed server -> caller over a websocket (or any other stream)
// while a session logs in, connects, reconnects and disconnects.
// This package is intentionally stable and dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by event stream clients.
const Subprotocol = "linkgate.events.v1"

// Type constants (wire-stable).
const (
	// TypeSessionStarted carries the id of a newly created session.
	TypeSessionStarted = "session_started"
	// TypeQR carries a login code to be scanned by the user.
	TypeQR = "qr"
	// TypeConnected reports the session is authenticated and open.
	TypeConnected = "connected"
	// TypeReconnecting reports a transient disconnect and a scheduled reconnect.
	TypeReconnecting = "reconnecting"
	// TypeDisconnected reports the session is gone (terminal) or stopped in this process.
	TypeDisconnected = "disconnected"
	// TypeError is a generic error envelope.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSessionStarted,
		TypeQR,
		TypeConnected,
		TypeReconnecting,
		TypeDisconnected,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SessionStartedPayload is the first event of an interactive login.
type SessionStartedPayload struct {
	SessionID string `json:"session_id"`
}

// QRPayload carries the raw login code and a rendered image (data URL).
type QRPayload struct {
	Code    string `json:"code"`
	QRImage string `json:"qr_image,omitempty"`
}

// ConnectedPayload is sent once the transport reports the connection open.
type ConnectedPayload struct {
	Me string `json:"me,omitempty"`
}

// ReconnectingPayload describes a scheduled reconnect attempt.
type ReconnectingPayload struct {
	Attempt int    `json:"attempt"`
	Cause   string `json:"cause"`
	DelayMS int64  `json:"delay_ms"`
}

// DisconnectedPayload is the final event of a stream.
type DisconnectedPayload struct {
	Reason   string `json:"reason"`
	Terminal bool   `json:"terminal"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
