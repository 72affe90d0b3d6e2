// Package transporttest provides an in-memory transport for tests.
//
// A FakeDialer records every dial; the FakeHandle it returns lets a test play
// the remote side: emit QR codes, open or close the connection, and push
// credential or key updates through the session's auth state.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"linkgate/cmd/internal/authstate"
	"linkgate/cmd/internal/transport"
)

// FakeDialer implements transport.Dialer.
type FakeDialer struct {
	// AutoOpen makes every new handle report ConnectionOpen right after Dial.
	AutoOpen bool
	// OnDial runs inside Dial before the handle is returned. It may emit
	// events, modelling a transport that reports open during the handshake.
	OnDial func(h *FakeHandle)

	mu      sync.Mutex
	dials   map[string]int
	handles map[string][]*FakeHandle
	failN   map[string]int
	dialed  chan *FakeHandle
}

// NewFakeDialer constructs a dialer. Dialed handles are also published on Dialed().
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		dials:   make(map[string]int),
		handles: make(map[string][]*FakeHandle),
		failN:   make(map[string]int),
		dialed:  make(chan *FakeHandle, 256),
	}
}

var _ transport.Dialer = (*FakeDialer)(nil)

// ErrDialRefused is returned for dials made to fail with FailNextDials.
var ErrDialRefused = errors.New("transporttest: dial refused")

// Dial records the dial and returns a new FakeHandle.
func (d *FakeDialer) Dial(ctx context.Context, sessionID string, state transport.AuthState, l transport.Listener) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dials[sessionID]++
	if d.failN[sessionID] > 0 {
		d.failN[sessionID]--
		d.mu.Unlock()
		return nil, ErrDialRefused
	}
	h := &FakeHandle{SessionID: sessionID, state: state, listener: l}
	d.handles[sessionID] = append(d.handles[sessionID], h)
	autoOpen, onDial := d.AutoOpen, d.OnDial
	d.mu.Unlock()

	if onDial != nil {
		onDial(h)
	}

	select {
	case d.dialed <- h:
	default:
	}
	if autoOpen {
		// Events must not be delivered before Dial returns.
		go h.Open()
	}
	return h, nil
}

// FailNextDials makes the next n dials for sessionID fail.
func (d *FakeDialer) FailNextDials(sessionID string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN[sessionID] = n
}

// Dials returns how many times sessionID was dialed (including failed dials).
func (d *FakeDialer) Dials(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[sessionID]
}

// Handles returns the handles created for sessionID, oldest first.
func (d *FakeDialer) Handles(sessionID string) []*FakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeHandle(nil), d.handles[sessionID]...)
}

// Last returns the newest handle for sessionID, or nil.
func (d *FakeDialer) Last(sessionID string) *FakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs := d.handles[sessionID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Dialed publishes every successfully dialed handle.
func (d *FakeDialer) Dialed() <-chan *FakeHandle { return d.dialed }

// SentMessage is one recorded Send call.
type SentMessage struct {
	To   string
	Text string
}

// FakeHandle implements transport.Handle. Event methods call the listener
// synchronously and are serialized per handle.
type FakeHandle struct {
	SessionID string

	state    transport.AuthState
	listener transport.Listener

	evMu sync.Mutex

	mu        sync.Mutex
	sent      []SentMessage
	sendErr   error
	logoutErr error
	loggedOut bool
	closed    bool
}

var _ transport.Handle = (*FakeHandle)(nil)

// Send records the message and returns a synthetic id.
func (h *FakeHandle) Send(ctx context.Context, to, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", transport.ErrClosed
	}
	if h.sendErr != nil {
		return "", h.sendErr
	}
	h.sent = append(h.sent, SentMessage{To: to, Text: text})
	return fmt.Sprintf("FAKE-%s-%d", h.SessionID, len(h.sent)), nil
}

// Logout records the call.
func (h *FakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	h.loggedOut = true
	return h.logoutErr
}

// Close marks the handle closed.
func (h *FakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// SetSendError makes subsequent Send calls fail with err (nil clears it).
func (h *FakeHandle) SetSendError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// SetLogoutError makes Logout fail with err.
func (h *FakeHandle) SetLogoutError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logoutErr = err
}

// Sent returns the recorded messages.
func (h *FakeHandle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentMessage(nil), h.sent...)
}

// Closed reports whether Close was called.
func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// LoggedOut reports whether Logout was called.
func (h *FakeHandle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// ---- remote side ----

// QR emits a login code.
func (h *FakeHandle) QR(code string) {
	h.emit(transport.Update{QR: code})
}

// Open reports the connection open.
func (h *FakeHandle) Open() {
	h.emit(transport.Update{Connection: transport.ConnectionOpen})
}

// Disconnect reports the connection closed with cause.
func (h *FakeHandle) Disconnect(cause transport.DisconnectCause) {
	h.emit(transport.Update{
		Connection: transport.ConnectionClose,
		Disconnect: &transport.Disconnect{Cause: cause},
	})
}

// DisconnectStatus reports the connection closed with a remote status code.
func (h *FakeHandle) DisconnectStatus(code int) {
	h.emit(transport.Update{
		Connection: transport.ConnectionClose,
		Disconnect: &transport.Disconnect{Cause: transport.CauseFromStatus(code), StatusCode: code},
	})
}

// Emit delivers an arbitrary update, e.g. a QR and a close in one event.
func (h *FakeHandle) Emit(u transport.Update) {
	h.emit(u)
}

// UpdateCredentials mutates a copy of the credentials, installs it, and
// returns the listener's persistence result.
func (h *FakeHandle) UpdateCredentials(ctx context.Context, fn func(*authstate.Credentials)) error {
	h.evMu.Lock()
	defer h.evMu.Unlock()

	c := h.state.Credentials()
	fn(c)
	h.state.ReplaceCredentials(c)
	return h.listener.CredentialsChanged(ctx)
}

// SetKeys writes a key batch through the auth state.
func (h *FakeHandle) SetKeys(ctx context.Context, batch authstate.KeyBatch) error {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	return h.state.SetKeys(ctx, batch)
}

// GetKeys reads keys through the auth state.
func (h *FakeHandle) GetKeys(ctx context.Context, typ authstate.KeyType, ids []string) (map[string][]byte, error) {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	return h.state.GetKeys(ctx, typ, ids)
}

func (h *FakeHandle) emit(u transport.Update) {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	h.listener.ConnectionUpdated(context.Background(), u)
}
