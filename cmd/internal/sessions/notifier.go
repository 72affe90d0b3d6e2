package sessions

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	eventsv1 "linkgate/contracts/events/v1"
)

const defaultSubscriptionQueue = 32

// Subscription receives the events of one session.
//
// Events is never closed: a closed Done means no further events will be
// queued, but already queued ones may still be drained.
type Subscription struct {
	SessionID string
	Events    chan eventsv1.Envelope

	n         *Notifier
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed once the session's stream ended or Close was called.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	if s.n != nil {
		s.n.unsubscribe(s)
	}
	s.signal()
}

func (s *Subscription) signal() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Notifier fans session events out to subscribers.
// Publish never blocks: slow subscribers lose events.
type Notifier struct {
	log   *slog.Logger
	queue int

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	lastQR map[string]eventsv1.Envelope
}

// NewNotifier constructs a Notifier; queue <= 0 uses the default buffer size.
func NewNotifier(log *slog.Logger, queue int) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	if queue <= 0 {
		queue = defaultSubscriptionQueue
	}
	return &Notifier{
		log:    log,
		queue:  queue,
		subs:   make(map[string]map[*Subscription]struct{}),
		lastQR: make(map[string]eventsv1.Envelope),
	}
}

// Subscribe attaches to sessionID's events. A pending QR is replayed first.
func (n *Notifier) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		Events:    make(chan eventsv1.Envelope, n.queue),
		n:         n,
		done:      make(chan struct{}),
	}

	n.mu.Lock()
	set := n.subs[sessionID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		n.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	if qr, ok := n.lastQR[sessionID]; ok {
		sub.Events <- qr
	}
	n.mu.Unlock()

	return sub
}

func (n *Notifier) unsubscribe(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.subs[sub.SessionID]
	delete(set, sub)
	if len(set) == 0 {
		delete(n.subs, sub.SessionID)
	}
}

// Publish builds an envelope and queues it to every subscriber of sessionID.
func (n *Notifier) Publish(sessionID, typ string, payload any) {
	env, err := newEvent(sessionID, typ, payload)
	if err != nil {
		n.log.Error("notifier.event.encode_failed", "session_id", sessionID, "type", typ, "err", err)
		return
	}

	n.mu.Lock()
	switch typ {
	case eventsv1.TypeQR:
		n.lastQR[sessionID] = env
	case eventsv1.TypeConnected, eventsv1.TypeDisconnected:
		delete(n.lastQR, sessionID)
	}
	subs := make([]*Subscription, 0, len(n.subs[sessionID]))
	for s := range n.subs[sessionID] {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		select {
		case <-s.done:
			continue
		default:
		}

		select {
		case s.Events <- env:
		default:
			n.log.Warn("notifier.event.dropped", "session_id", sessionID, "type", typ)
		}
	}
}

// CloseSession ends every subscription of sessionID.
func (n *Notifier) CloseSession(sessionID string) {
	n.mu.Lock()
	set := n.subs[sessionID]
	delete(n.subs, sessionID)
	delete(n.lastQR, sessionID)
	n.mu.Unlock()

	for s := range set {
		s.signal()
	}
}

// CloseAll ends every subscription.
func (n *Notifier) CloseAll() {
	n.mu.Lock()
	all := n.subs
	n.subs = make(map[string]map[*Subscription]struct{})
	n.lastQR = make(map[string]eventsv1.Envelope)
	n.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.signal()
		}
	}
}

// Subscribers returns how many subscriptions sessionID has.
func (n *Notifier) Subscribers(sessionID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[sessionID])
}

func newEvent(sessionID, typ string, payload any) (eventsv1.Envelope, error) {
	env := eventsv1.Envelope{
		V:         eventsv1.Version,
		Type:      typ,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TS:        time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return eventsv1.Envelope{}, err
		}
		env.Payload = b
	}
	return env, nil
}
