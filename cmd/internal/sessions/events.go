package sessions

import (
	"context"
	"time"

	"linkgate/cmd/internal/transport"
	eventsv1 "linkgate/contracts/events/v1"
)

// sessionListener binds transport callbacks to one handle generation.
type sessionListener struct {
	m   *Manager
	s   *Session
	gen uint64
}

var _ transport.Listener = (*sessionListener)(nil)

// CredentialsChanged persists the adapter's credentials before the transport continues.
func (l *sessionListener) CredentialsChanged(ctx context.Context) error {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != l.gen || s.retired {
		return errSessionRetired
	}
	if err := s.adapter.SaveCredentials(ctx); err != nil {
		l.m.log.Error("session.creds.persist_fail", "session_id", s.id, "err", err)
		return err
	}
	return nil
}

func (l *sessionListener) ConnectionUpdated(_ context.Context, u transport.Update) {
	l.m.handleUpdate(l.s, l.gen, u)
}

// handleUpdate applies one connection event. An event may carry a QR code
// and a connection change together; the QR is published first.
func (m *Manager) handleUpdate(s *Session, gen uint64, u transport.Update) {
	if u.QR != "" && !m.applyQR(s, gen, u.QR) {
		return
	}
	switch u.Connection {
	case transport.ConnectionOpen:
		m.applyOpen(s, gen)
	case transport.ConnectionClose:
		m.applyClose(s, gen, causeOf(u))
	}
}

// lockCurrent locks s.mu and reports whether gen is still the live handle.
// On false the lock is released.
func (m *Manager) lockCurrent(s *Session, gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen || s.retired {
		s.mu.Unlock()
		m.log.Debug("session.event.stale", "session_id", s.id)
		return false
	}
	return true
}

func (m *Manager) applyQR(s *Session, gen uint64, code string) bool {
	if !m.lockCurrent(s, gen) {
		return false
	}
	if !s.setStateLocked(StateQRPending) {
		state := s.state
		s.mu.Unlock()
		m.log.Warn("session.event.illegal", "session_id", s.id, "from", state, "to", StateQRPending)
		return true
	}
	s.mu.Unlock()
	m.publishQR(s.id, code)
	return true
}

func (m *Manager) applyOpen(s *Session, gen uint64) {
	if !m.lockCurrent(s, gen) {
		return
	}
	if !s.setStateLocked(StateOpen) {
		state := s.state
		s.mu.Unlock()
		m.log.Warn("session.event.illegal", "session_id", s.id, "from", state, "to", StateOpen)
		return
	}
	s.attempts = 0
	s.lastCause = ""
	s.mu.Unlock()

	me := s.me()
	m.log.Info("session.open", "session_id", s.id, "me", me)
	m.notify.Publish(s.id, eventsv1.TypeConnected, eventsv1.ConnectedPayload{Me: me})
}

func (m *Manager) applyClose(s *Session, gen uint64, cause transport.DisconnectCause) {
	if !m.lockCurrent(s, gen) {
		return
	}
	if !cause.Terminal() {
		m.closeTransientLocked(s, cause)
		return
	}
	h := s.retireLocked(StateClosedTerminal)
	s.lastCause = cause
	s.mu.Unlock()
	m.teardown(s, h, cause)
}

// closeTransientLocked handles a recoverable close: it drops the handle and
// either schedules a reconnect or gives up for this process. Unlocks s.mu.
func (m *Manager) closeTransientLocked(s *Session, cause transport.DisconnectCause) {
	h := s.handle
	s.handle = nil
	s.gen++
	s.attempts++
	s.lastCause = cause
	s.setStateLocked(StateClosedTransient)
	attempt := s.attempts
	m.metrics.disconnected(cause.String(), false)

	if m.cfg.Backoff.Exhausted(attempt) {
		s.exhausted = true
		s.retired = true
		s.broadcastLocked()
		s.mu.Unlock()

		closeHandle(m, s.id, h)
		m.reg.Remove(s.id, s)
		m.log.Warn("session.reconnect.exhausted", "session_id", s.id, "cause", cause, "attempt", attempt)
		m.notify.Publish(s.id, eventsv1.TypeDisconnected, eventsv1.DisconnectedPayload{Reason: "retries_exhausted"})
		m.notify.CloseSession(s.id)
		return
	}

	delay := m.cfg.Backoff.Delay(attempt)
	gen := s.gen
	m.log.Info("session.disconnect.transient", "session_id", s.id, "cause", cause, "attempt", attempt, "delay", delay)
	m.metrics.reconnectScheduled(cause.String())
	m.notify.Publish(s.id, eventsv1.TypeReconnecting, eventsv1.ReconnectingPayload{
		Attempt: attempt,
		Cause:   cause.String(),
		DelayMS: delay.Milliseconds(),
	})
	s.timer = time.AfterFunc(delay, func() { m.reconnect(s, gen) })
	s.mu.Unlock()

	closeHandle(m, s.id, h)
}

// teardown destroys a terminally disconnected session: handle, persisted
// state, then the registry entry.
func (m *Manager) teardown(s *Session, h transport.Handle, cause transport.DisconnectCause) {
	closeHandle(m, s.id, h)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), defaultStoreTimeout)
	defer cancel()
	if err := m.store.DeleteSession(ctx, s.id); err != nil {
		m.log.Error("session.teardown.store_fail", "session_id", s.id, "err", err)
	}
	m.reg.Remove(s.id, s)

	m.metrics.disconnected(cause.String(), true)
	m.log.Info("session.disconnect.terminal", "session_id", s.id, "cause", cause)
	m.notify.Publish(s.id, eventsv1.TypeDisconnected, eventsv1.DisconnectedPayload{
		Reason:   cause.String(),
		Terminal: true,
	})
	m.notify.CloseSession(s.id)
}

func closeHandle(m *Manager, id string, h transport.Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		m.log.Debug("session.handle.close_fail", "session_id", id, "err", err)
	}
}
