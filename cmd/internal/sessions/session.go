package sessions

import (
	"context"
	"sync"
	"time"

	"linkgate/cmd/internal/authstate"
	"linkgate/cmd/internal/transport"
)

// Session is one registry entry: the adapter plus the current transport
// handle and its lifecycle state.
//
// gen is bumped whenever the handle is replaced or the session is retired;
// listener callbacks carry the generation they were created with and are
// ignored once it no longer matches.
type Session struct {
	id      string
	adapter *authstate.Adapter

	mu        sync.Mutex
	state     State
	handle    transport.Handle
	gen       uint64
	attempts  int
	retired   bool
	exhausted bool
	lastCause transport.DisconnectCause
	timer     *time.Timer
	changed   chan struct{}
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID    string `json:"session_id"`
	State State  `json:"state"`
}

func newSession(id string, adapter *authstate.Adapter) *Session {
	return &Session{
		id:      id,
		adapter: adapter,
		changed: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot for listings.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{ID: s.id, State: s.state}
}

// setStateLocked applies a legal transition and wakes waiters.
func (s *Session) setStateLocked(next State) bool {
	if s.state != "" && !s.state.CanTransition(next) {
		return false
	}
	s.state = next
	s.broadcastLocked()
	return true
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// retireLocked detaches the handle, cancels a pending reconnect and makes
// every outstanding listener stale. The caller closes the returned handle.
func (s *Session) retireLocked(next State) transport.Handle {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	h := s.handle
	s.handle = nil
	s.gen++
	s.retired = true
	if next == "" || !s.setStateLocked(next) {
		s.broadcastLocked()
	}
	return h
}

// waitSettled blocks until the session is open, terminal or retired.
func (s *Session) waitSettled(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, retired, ch := s.state, s.retired, s.changed
		s.mu.Unlock()

		if st == StateOpen || st.Terminal() || retired {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ErrReviveTimeout
		}
	}
}

// handleInstallWait bounds how long Send waits for a dial that already
// reported open to hand over its connection.
const handleInstallWait = 2 * time.Second

// waitHandle blocks while the session is open but its dial has not returned
// the handle yet.
func (s *Session) waitHandle(ctx context.Context, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		s.mu.Lock()
		pending := s.state == StateOpen && s.handle == nil && !s.retired
		ch := s.changed
		s.mu.Unlock()

		if !pending {
			return
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) me() string {
	c := s.adapter.Credentials()
	if c == nil || c.Me == nil {
		return ""
	}
	return c.Me.ID
}
