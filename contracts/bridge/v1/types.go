// Package v1 defines the linkgate bridge protocol, v1.
//
// A bridge process speaks the chat protocol on behalf of one session and keeps
// no state of its own: every credential and key read or write is relayed to
// linkgate over this protocol, and linkgate persists it before replying.
//
// Direction legend: L = linkgate, B = bridge.
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

// Subprotocol is the websocket subprotocol linkgate requests when dialing a bridge.
const Subprotocol = "linkgate.bridge.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session on the bridge (L -> B).
	TypeHello = "hello"

	// TypeCredsUpdate carries the full, updated credentials record (B -> L, replied with ack).
	TypeCredsUpdate = "creds_update"
	// TypeKeysGet requests key values (B -> L, replied with keys_result).
	TypeKeysGet = "keys_get"
	// TypeKeysResult answers keys_get (L -> B).
	TypeKeysResult = "keys_result"
	// TypeKeysSet carries a batch of key writes (B -> L, replied with ack).
	TypeKeysSet = "keys_set"

	// TypeConnectionUpdate reports QR codes and connection state changes (B -> L).
	TypeConnectionUpdate = "connection_update"

	// TypeMessageSend asks the bridge to deliver a text message (L -> B, replied with message_result).
	TypeMessageSend = "message_send"
	// TypeMessageResult answers message_send (B -> L).
	TypeMessageResult = "message_result"
	// TypeLogout asks the bridge to unlink the device (L -> B, replied with ack).
	TypeLogout = "logout"

	// TypeAck is a generic success reply.
	TypeAck = "ack"
	// TypeError is a generic failure reply.
	TypeError = "error"
)

// Connection states carried by ConnectionUpdatePayload.
const (
	ConnectionConnecting = "connecting"
	ConnectionOpen       = "open"
	ConnectionClose      = "close"
)

// Envelope is the canonical wire wrapper. Replies set ReplyTo to the request ID.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
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
	case TypeHello,
		TypeCredsUpdate,
		TypeKeysGet,
		TypeKeysResult,
		TypeKeysSet,
		TypeConnectionUpdate,
		TypeMessageSend,
		TypeMessageResult,
		TypeLogout,
		TypeAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload hands the bridge the session's current credentials.
type HelloPayload struct {
	SessionID   string          `json:"session_id"`
	Credentials json.RawMessage `json:"credentials"`
}

// CredsUpdatePayload replaces the whole credentials record.
type CredsUpdatePayload struct {
	Credentials json.RawMessage `json:"credentials"`
}

// KeysGetPayload requests the values of ids of one key type.
type KeysGetPayload struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

// KeysResultPayload maps every requested id to its value; missing ids are null.
type KeysResultPayload struct {
	Keys map[string][]byte `json:"keys"`
}

// KeysSetPayload is type -> id -> value; a null value deletes the record.
type KeysSetPayload struct {
	Keys map[string]map[string][]byte `json:"keys"`
}

// ConnectionUpdatePayload mirrors the transport's connection events.
// StatusCode is set on close and classifies the disconnect.
type ConnectionUpdatePayload struct {
	QR         string `json:"qr,omitempty"`
	Connection string `json:"connection,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// MessageSendPayload requests delivery of a text message.
type MessageSendPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// MessageResultPayload answers message_send with the network message id.
type MessageResultPayload struct {
	MessageID string `json:"message_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
