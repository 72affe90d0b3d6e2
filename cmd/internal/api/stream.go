package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"linkgate/cmd/internal/sessions"
	eventsv1 "linkgate/contracts/events/v1"
)

const (
	maxInboundFrameBytes = 4 << 10
	maxPingFailures      = 3
	closeGrace           = 1 * time.Second
)

// handleEvents streams the events of an existing session.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.svc.Subscribe(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "session.events.fail", id, err)
		return
	}
	defer sub.Close()

	conn, ok := h.accept(w, r, true)
	if !ok {
		return
	}
	h.stream(r.Context(), conn, sub)
}

// handleLoginStream starts a new session and streams its login events.
// A session that has not connected when the socket goes away is abandoned.
func (h *Handler) handleLoginStream(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.accept(w, r, false)
	if !ok {
		return
	}

	id, sub, err := h.svc.StartSession(r.Context())
	if err != nil {
		status, code := statusFor(err)
		h.logServiceError("session.create.fail", "", status, err)
		writeCloseError(r.Context(), conn, h.cfg.WriteTimeout, code, err.Error())
		_ = conn.Close(websocket.StatusInternalError, "start failed")
		return
	}
	defer sub.Close()

	h.stream(r.Context(), conn, sub)

	if h.svc.AbandonIfPending(context.WithoutCancel(r.Context()), id) {
		h.log.Info("ws.session.abandoned", "session_id", id)
	}
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, requireSubprotocol bool) (*websocket.Conn, bool) {
	if err := h.origin.enforce(r); err != nil {
		h.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil, false
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{eventsv1.Subprotocol},
		OriginPatterns:     h.origin.patterns,
		InsecureSkipVerify: h.cfg.DevInsecure,
	})
	if err != nil {
		h.log.Error("ws.accept.fail", "err", err)
		return nil, false
	}

	if sp := conn.Subprotocol(); requireSubprotocol && sp != eventsv1.Subprotocol {
		h.log.Info("ws.reject.subprotocol", "got", sp, "want", eventsv1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, false
	}
	conn.SetReadLimit(maxInboundFrameBytes)
	return conn, true
}

// stream pumps sub's events to conn until the session's stream ends, the
// peer goes away or the request is canceled.
func (h *Handler) stream(parent context.Context, conn *websocket.Conn, sub *sessions.Subscription) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	errs := make(chan eventsv1.Envelope, 4)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		write := func(env eventsv1.Envelope) bool {
			if err := writeEnvelope(ctx, conn, env, h.cfg.WriteTimeout); err != nil {
				h.log.Info("ws.write.fail", "session_id", sub.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return false
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case env := <-errs:
				if !write(env) {
					return
				}
			case env := <-sub.Events:
				if !write(env) {
					return
				}
			case <-sub.Done():
				for {
					select {
					case env := <-sub.Events:
						if !write(env) {
							return
						}
					default:
						shutdown(websocket.StatusNormalClosure, "session ended")
						return
					}
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(h.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, h.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					h.log.Info("ws.ping.fail", "session_id", sub.SessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Streams are one-way; inbound frames are only read to process control
	// frames and detect the peer going away.
	rl := NewRateLimiter(h.cfg.RateEvents, h.cfg.RateWindow)
readLoop:
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				h.log.Info("ws.read.fail", "session_id", sub.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}
		select {
		case errs <- errorEvent(sub.SessionID, "unsupported", "event streams are read-only"):
		default:
		}
	}

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func errorEvent(sessionID, code, msg string) eventsv1.Envelope {
	p, _ := json.Marshal(eventsv1.ErrorPayload{Code: code, Message: msg})
	return eventsv1.Envelope{
		V:         eventsv1.Version,
		Type:      eventsv1.TypeError,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Payload:   p,
	}
}

func writeCloseError(ctx context.Context, conn *websocket.Conn, timeout time.Duration, code, msg string) {
	_ = writeEnvelope(ctx, conn, errorEvent("", code, msg), timeout)
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env eventsv1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
