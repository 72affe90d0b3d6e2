package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"linkgate/cmd/internal/authstate"
	"linkgate/cmd/internal/transport"
	eventsv1 "linkgate/contracts/events/v1"
)

const (
	defaultReviveTimeout = 30 * time.Second
	defaultLogoutTimeout = 10 * time.Second
	defaultStoreTimeout  = 30 * time.Second
)

// ErrInvalidDestination is returned by Send for an empty destination.
var ErrInvalidDestination = errors.New("invalid destination")

var errSessionRetired = errors.New("session retired")

// Config tunes a Manager. The zero Backoff reconnects immediately and forever.
type Config struct {
	Backoff       Backoff
	ReviveTimeout time.Duration
	LogoutTimeout time.Duration
	AddressDomain string
	EventQueue    int
	QRRenderer    QRRenderer
	Metrics       prometheus.Registerer
	Logger        *slog.Logger
}

// Manager owns the registry and drives every session's lifecycle.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	store   *authstate.Store
	dialer  transport.Dialer
	reg     *Registry
	notify  *Notifier
	metrics *managerMetrics

	locks   stripedLock
	revives singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewManager constructs a Manager over store and dialer.
func NewManager(store *authstate.Store, dialer transport.Dialer, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("sessions: nil store")
	}
	if dialer == nil {
		return nil, errors.New("sessions: nil dialer")
	}
	if cfg.ReviveTimeout <= 0 {
		cfg.ReviveTimeout = defaultReviveTimeout
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = defaultLogoutTimeout
	}
	if cfg.AddressDomain == "" {
		cfg.AddressDomain = defaultAddressDomain
	}
	if cfg.QRRenderer == nil {
		cfg.QRRenderer = PNGDataURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		store:  store,
		dialer: dialer,
		reg:    NewRegistry(),
		notify: NewNotifier(cfg.Logger, cfg.EventQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	m.metrics = newManagerMetrics(cfg.Metrics, func() float64 { return float64(m.reg.Len()) })
	return m, nil
}

// Registry exposes the live session map (read-mostly; used by listings and tests).
func (m *Manager) Registry() *Registry { return m.reg }

// Notifier exposes the event fan-out.
func (m *Manager) Notifier() *Notifier { return m.notify }

// StartSession creates a new session id and starts an interactive login.
// The returned subscription already holds session_started; QR codes follow.
func (m *Manager) StartSession(ctx context.Context) (string, *Subscription, error) {
	if m.closed.Load() {
		return "", nil, ErrManagerClosed
	}
	id, err := NewSessionID(time.Now().UTC())
	if err != nil {
		return "", nil, err
	}

	sub := m.notify.Subscribe(id)
	m.notify.Publish(id, eventsv1.TypeSessionStarted, eventsv1.SessionStartedPayload{SessionID: id})

	unlock := m.locks.lock(id)
	_, err = m.startLocked(ctx, id)
	unlock()
	if err != nil {
		sub.Close()
		m.notify.CloseSession(id)
		return "", nil, err
	}

	m.metrics.sessionStarted()
	m.log.Info("session.start", "session_id", id)
	return id, sub, nil
}

// Revive starts a persisted session that is not live. A live session is
// returned as is; ids without persisted credentials yield ErrSessionNotFound.
func (m *Manager) Revive(ctx context.Context, id string) (*Session, error) {
	if !authstate.ValidSessionID(id) {
		return nil, ErrSessionNotFound
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	unlock := m.locks.lock(id)
	defer unlock()

	if s := m.reg.Get(id); s != nil {
		return s, nil
	}
	ok, err := m.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	s, err := m.startLocked(ctx, id)
	m.metrics.revived(err == nil)
	if err != nil {
		m.log.Warn("session.revive.fail", "session_id", id, "err", err)
		return nil, err
	}
	m.log.Info("session.revive", "session_id", id)
	return s, nil
}

// Subscribe attaches to the events of an existing session, reviving it if needed.
func (m *Manager) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if !authstate.ValidSessionID(id) {
		return nil, ErrSessionNotFound
	}
	sub := m.notify.Subscribe(id)
	if m.reg.Get(id) != nil {
		return sub, nil
	}
	if _, err := m.Revive(ctx, id); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Send delivers text to the destination through session id.
// A session that is not live is revived first and waited for.
func (m *Manager) Send(ctx context.Context, id, to, text string) (msgID string, err error) {
	defer func() { m.metrics.sent(err == nil) }()

	if m.closed.Load() {
		return "", ErrManagerClosed
	}
	to = NormalizeAddress(to, m.cfg.AddressDomain)
	if to == "" {
		return "", ErrInvalidDestination
	}

	s := m.reg.Get(id)
	if s == nil {
		s, err = m.reviveAndWait(ctx, id)
		if err != nil {
			return "", err
		}
	}
	return m.sendOn(ctx, s, to, text)
}

func (m *Manager) reviveAndWait(ctx context.Context, id string) (*Session, error) {
	ch := m.revives.DoChan(id, func() (any, error) {
		rctx, cancel := context.WithTimeout(m.ctx, m.cfg.ReviveTimeout)
		defer cancel()

		s, err := m.Revive(rctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.waitSettled(rctx); err != nil {
			m.log.Warn("session.revive.timeout", "session_id", id, "timeout", m.cfg.ReviveTimeout)
			return nil, err
		}
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) sendOn(ctx context.Context, s *Session, to, text string) (string, error) {
	s.waitHandle(ctx, handleInstallWait)

	s.mu.Lock()
	state, h, exhausted, cause := s.state, s.handle, s.exhausted, s.lastCause
	s.mu.Unlock()

	switch {
	case state.Terminal():
		return "", &DisconnectError{SessionID: s.id, Cause: cause}
	case state != StateOpen || h == nil || exhausted:
		return "", ErrSessionNotReady
	}

	msgID, err := h.Send(ctx, to, text)
	if err != nil {
		m.log.Warn("session.send.fail", "session_id", s.id, "err", err)
		return "", &TransportError{SessionID: s.id, Err: err}
	}
	return msgID, nil
}

// Logout unlinks and destroys a session: live handle, persisted state and
// registry entry, in that order. It never fails from the caller's view.
func (m *Manager) Logout(ctx context.Context, id string) {
	if !authstate.ValidSessionID(id) {
		return
	}
	unlock := m.locks.lock(id)
	defer unlock()

	s := m.reg.Get(id)
	var h transport.Handle
	if s != nil {
		s.mu.Lock()
		h = s.retireLocked(StateClosedTerminal)
		s.lastCause = transport.CauseLoggedOut
		s.mu.Unlock()
	}

	if h != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LogoutTimeout)
		if err := h.Logout(lctx); err != nil {
			m.log.Warn("session.logout.transport_fail", "session_id", id, "err", err)
		}
		cancel()
		if err := h.Close(); err != nil {
			m.log.Debug("session.handle.close_fail", "session_id", id, "err", err)
		}
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStoreTimeout)
	if err := m.store.DeleteSession(dctx, id); err != nil {
		m.log.Error("session.logout.store_fail", "session_id", id, "err", err)
	}
	cancel()

	if s != nil {
		m.reg.Remove(id, s)
	}
	m.notify.Publish(id, eventsv1.TypeDisconnected, eventsv1.DisconnectedPayload{
		Reason:   transport.CauseLoggedOut.String(),
		Terminal: true,
	})
	m.notify.CloseSession(id)
	m.log.Info("session.logout", "session_id", id)
}

// AbandonIfPending logs out a session that never reached open.
// It reports whether the session was abandoned.
func (m *Manager) AbandonIfPending(ctx context.Context, id string) bool {
	s := m.reg.Get(id)
	if s == nil {
		return false
	}
	if st := s.State(); st == StateOpen || st.Terminal() {
		return false
	}
	m.log.Info("session.abandon", "session_id", id)
	m.Logout(ctx, id)
	return true
}

// ListActiveSessions returns the ids of live sessions, sorted.
func (m *Manager) ListActiveSessions() []string { return m.reg.List() }

// Sessions returns id and state of every live session, sorted by id.
func (m *Manager) Sessions() []SessionInfo {
	snap := m.reg.Snapshot()
	out := make([]SessionInfo, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Info())
	}
	return out
}

// Shutdown stops reconnects and closes every handle. Persisted state is kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	var g errgroup.Group
	g.SetLimit(16)
	for _, s := range m.reg.Snapshot() {
		s.mu.Lock()
		h := s.retireLocked("")
		s.mu.Unlock()

		m.reg.Remove(s.id, s)
		m.notify.Publish(s.id, eventsv1.TypeDisconnected, eventsv1.DisconnectedPayload{Reason: "shutdown"})

		if h == nil {
			continue
		}
		id := s.id
		g.Go(func() error {
			if err := h.Close(); err != nil {
				m.log.Debug("session.handle.close_fail", "session_id", id, "err", err)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.notify.CloseAll()
	m.log.Info("sessions.shutdown")
	return err
}

// startLocked registers and dials id. The caller holds id's stripe lock.
func (m *Manager) startLocked(ctx context.Context, id string) (*Session, error) {
	if s := m.reg.Get(id); s != nil {
		return s, nil
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	adapter, err := authstate.NewAdapter(ctx, m.store, id)
	if err != nil {
		return nil, err
	}
	s := newSession(id, adapter)
	m.reg.Put(s)

	if _, err := m.connect(ctx, s); err != nil {
		s.mu.Lock()
		h := s.retireLocked("")
		s.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		m.reg.Remove(id, s)
		return nil, err
	}
	return s, nil
}

// connect dials a new handle for s. The dial runs outside s.mu; if the
// session moved on meanwhile the fresh handle is closed and dropped.
func (m *Manager) connect(ctx context.Context, s *Session) (uint64, error) {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		if m.closed.Load() {
			return 0, ErrManagerClosed
		}
		return 0, errSessionRetired
	}
	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	h, err := m.dialer.Dial(ctx, s.id, s.adapter, &sessionListener{m: m, s: s, gen: gen})
	if err != nil {
		return gen, err
	}

	s.mu.Lock()
	if s.gen != gen || s.retired {
		s.mu.Unlock()
		_ = h.Close()
		return gen, nil
	}
	s.handle = h
	s.broadcastLocked()
	s.mu.Unlock()
	return gen, nil
}

// reconnect is the timer callback scheduled after a transient disconnect.
func (m *Manager) reconnect(s *Session, gen uint64) {
	if m.closed.Load() {
		return
	}
	unlock := m.locks.lock(s.id)
	defer unlock()

	s.mu.Lock()
	if s.gen != gen || s.retired {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	attempt := s.attempts
	s.mu.Unlock()

	m.log.Info("session.reconnect", "session_id", s.id, "attempt", attempt)
	dialGen, err := m.connect(m.ctx, s)
	if err == nil {
		return
	}

	m.log.Warn("session.reconnect.dial_fail", "session_id", s.id, "attempt", attempt, "err", err)
	s.mu.Lock()
	if s.gen != dialGen || s.retired {
		s.mu.Unlock()
		return
	}
	m.closeTransientLocked(s, transport.CauseConnectionLost)
}

func (m *Manager) publishQR(id, code string) {
	p := eventsv1.QRPayload{Code: code}
	img, err := m.cfg.QRRenderer(code)
	if err != nil {
		m.log.Warn("session.qr.render_fail", "session_id", id, "err", err)
	} else {
		p.QRImage = img
	}
	m.notify.Publish(id, eventsv1.TypeQR, p)
}

func causeOf(u transport.Update) transport.DisconnectCause {
	if u.Disconnect == nil || strings.TrimSpace(string(u.Disconnect.Cause)) == "" {
		return transport.CauseUnknown
	}
	return u.Disconnect.Cause
}
