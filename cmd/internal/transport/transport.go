// Package transport abstracts the chat protocol client a session drives.
//
// The protocol itself (framing, encryption, handshake) is opaque to linkgate.
// A Dialer opens one Handle per session; the handle reads and writes
// authentication material through an AuthState and reports progress to a
// Listener. Package wsbridge is the production implementation; package
// transporttest provides an in-memory fake.
package transport

import (
	"context"
	"errors"

	"linkgate/cmd/internal/authstate"
)

// ErrClosed is returned by Handle operations after Close or after the
// underlying connection went away.
var ErrClosed = errors.New("transport: handle closed")

// ConnectionState is the coarse connection state reported by the transport.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// Disconnect describes why a connection closed.
type Disconnect struct {
	Cause      DisconnectCause
	StatusCode int
	Err        error
}

// Update is one connection event. QR and Connection may both be set; a
// consumer handles the QR first. Disconnect is set when Connection == ConnectionClose.
type Update struct {
	QR         string
	Connection ConnectionState
	Disconnect *Disconnect
}

// AuthState is the per-session view of persisted authentication material.
// *authstate.Adapter implements it.
type AuthState interface {
	SessionID() string
	Credentials() *authstate.Credentials
	ReplaceCredentials(*authstate.Credentials)
	GetKeys(ctx context.Context, typ authstate.KeyType, ids []string) (map[string][]byte, error)
	SetKeys(ctx context.Context, batch authstate.KeyBatch) error
}

// Listener receives a handle's events. Calls for one handle are serialized.
//
// CredentialsChanged is invoked after the AuthState credentials were replaced;
// the transport must not proceed until it returns nil.
type Listener interface {
	CredentialsChanged(ctx context.Context) error
	ConnectionUpdated(ctx context.Context, u Update)
}

// Handle is a live connection for one session.
type Handle interface {
	// Send delivers a text message and returns the network message id.
	Send(ctx context.Context, to, text string) (string, error)
	// Logout unlinks the device on the remote side.
	Logout(ctx context.Context) error
	// Close releases the connection without logging out. Idempotent.
	Close() error
}

// Dialer opens handles. ctx bounds the dial only, not the handle lifetime.
// Implementations must not invoke the listener before Dial returns.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, state AuthState, l Listener) (Handle, error)
}
