package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "linkgate/contracts/bridge/v1"

	"linkgate/cmd/internal/authstate"
	"linkgate/cmd/internal/transport"

	"github.com/coder/websocket"
)

type handleTimeouts struct {
	request time.Duration
	write   time.Duration
}

// handle is one bridge connection.
//
// Concurrency model:
//   - A single read loop dispatches bridge requests in arrival order, so the
//     listener sees one session's events serialized.
//   - Send/Logout may be called from any goroutine; replies are routed back by
//     envelope id.
type handle struct {
	conn      *websocket.Conn
	sessionID string
	state     transport.AuthState
	listener  transport.Listener
	log       *slog.Logger
	timeouts  handleTimeouts

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	pending    map[string]chan v1.Envelope
	closing    bool
	peerClosed bool

	closeOnce sync.Once
}

var _ transport.Handle = (*handle)(nil)

func newHandle(conn *websocket.Conn, sessionID string, state transport.AuthState, l transport.Listener, log *slog.Logger, t handleTimeouts) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		conn:      conn,
		sessionID: sessionID,
		state:     state,
		listener:  l,
		log:       log.With("session_id", sessionID),
		timeouts:  t,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		pending:   make(map[string]chan v1.Envelope),
	}
}

// Send asks the bridge to deliver text and waits for the message id.
func (h *handle) Send(ctx context.Context, to, text string) (string, error) {
	rep, err := h.request(ctx, v1.TypeMessageSend, v1.MessageSendPayload{To: to, Text: text})
	if err != nil {
		return "", err
	}
	if rep.Type != v1.TypeMessageResult {
		return "", fmt.Errorf("wsbridge: unexpected reply %q to %s", rep.Type, v1.TypeMessageSend)
	}
	var p v1.MessageResultPayload
	if err := json.Unmarshal(rep.Payload, &p); err != nil {
		return "", fmt.Errorf("wsbridge: invalid message_result: %w", err)
	}
	return p.MessageID, nil
}

// Logout asks the bridge to unlink the device.
func (h *handle) Logout(ctx context.Context) error {
	rep, err := h.request(ctx, v1.TypeLogout, struct{}{})
	if err != nil {
		return err
	}
	if rep.Type != v1.TypeAck {
		return fmt.Errorf("wsbridge: unexpected reply %q to %s", rep.Type, v1.TypeLogout)
	}
	return nil
}

// Close is idempotent and never reports the close to the listener.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closing = true
		peerClosed := h.peerClosed
		h.mu.Unlock()

		if peerClosed {
			// The bridge already announced the close; skip the handshake.
			_ = h.conn.CloseNow()
		} else {
			_ = h.conn.Close(websocket.StatusNormalClosure, "closed")
		}
		h.cancel()
	})
	return nil
}

func (h *handle) readLoop() {
	defer close(h.done)

	for {
		env, err := readEnvelope(h.ctx, h.conn)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				h.log.Info("wsbridge.read.bad_frame", "err", err)
				continue
			}
			h.onReadFailure(err)
			return
		}
		if err := env.Validate(); err != nil {
			h.log.Info("wsbridge.read.bad_envelope", "err", err)
			continue
		}
		if env.ReplyTo != "" {
			h.deliver(env)
			continue
		}
		h.dispatch(env)
	}
}

func (h *handle) onReadFailure(err error) {
	h.mu.Lock()
	silent := h.closing || h.peerClosed
	h.mu.Unlock()

	_ = h.conn.CloseNow()
	if silent {
		return
	}

	h.log.Info("wsbridge.read.fail", "close_status", websocket.CloseStatus(err), "err", err)
	h.listener.ConnectionUpdated(h.ctx, transport.Update{
		Connection: transport.ConnectionClose,
		Disconnect: &transport.Disconnect{Cause: transport.CauseConnectionLost, Err: err},
	})
}

func (h *handle) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeCredsUpdate:
		h.onCredsUpdate(env)
	case v1.TypeKeysGet:
		h.onKeysGet(env)
	case v1.TypeKeysSet:
		h.onKeysSet(env)
	case v1.TypeConnectionUpdate:
		h.onConnectionUpdate(env)
	default:
		h.replyError(env.ID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- bridge -> linkgate ----

func (h *handle) onCredsUpdate(env v1.Envelope) {
	var p v1.CredsUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.replyError(env.ID, "bad_payload", err.Error())
		return
	}
	creds, err := authstate.UnmarshalCredentials(p.Credentials)
	if err != nil {
		h.replyError(env.ID, "bad_credentials", err.Error())
		return
	}

	h.state.ReplaceCredentials(creds)
	if err := h.listener.CredentialsChanged(h.ctx); err != nil {
		h.replyError(env.ID, "persist_failed", err.Error())
		return
	}
	h.reply(env.ID, v1.TypeAck, struct{}{})
}

func (h *handle) onKeysGet(env v1.Envelope) {
	var p v1.KeysGetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.replyError(env.ID, "bad_payload", err.Error())
		return
	}
	keys, err := h.state.GetKeys(h.ctx, authstate.KeyType(p.Type), p.IDs)
	if err != nil {
		h.log.Error("wsbridge.keys_get.fail", "type", p.Type, "err", err)
		h.replyError(env.ID, "store_unavailable", err.Error())
		return
	}
	h.reply(env.ID, v1.TypeKeysResult, v1.KeysResultPayload{Keys: keys})
}

func (h *handle) onKeysSet(env v1.Envelope) {
	var p v1.KeysSetPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.replyError(env.ID, "bad_payload", err.Error())
		return
	}
	batch := make(authstate.KeyBatch, len(p.Keys))
	for typ, m := range p.Keys {
		batch[authstate.KeyType(typ)] = m
	}
	if err := h.state.SetKeys(h.ctx, batch); err != nil {
		h.log.Error("wsbridge.keys_set.fail", "err", err)
		h.replyError(env.ID, "persist_failed", err.Error())
		return
	}
	h.reply(env.ID, v1.TypeAck, struct{}{})
}

func (h *handle) onConnectionUpdate(env v1.Envelope) {
	var p v1.ConnectionUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.log.Info("wsbridge.connection_update.bad_payload", "err", err)
		return
	}

	u := transport.Update{QR: p.QR, Connection: transport.ConnectionState(p.Connection)}
	if u.Connection == transport.ConnectionClose {
		d := &transport.Disconnect{Cause: transport.CauseFromStatus(p.StatusCode), StatusCode: p.StatusCode}
		if p.Reason != "" {
			d.Err = errors.New(p.Reason)
		}
		u.Disconnect = d

		h.mu.Lock()
		h.peerClosed = true
		h.mu.Unlock()
	}
	h.listener.ConnectionUpdated(h.ctx, u)
}

// ---- request / reply plumbing ----

func (h *handle) request(ctx context.Context, typ string, payload any) (v1.Envelope, error) {
	env, err := newEnvelope(typ, "", payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	ch := make(chan v1.Envelope, 1)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return v1.Envelope{}, transport.ErrClosed
	}
	h.pending[env.ID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, env.ID)
		h.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeouts.request)
		defer cancel()
	}

	if err := writeEnvelope(ctx, h.conn, env, h.timeouts.write); err != nil {
		select {
		case <-h.done:
			return v1.Envelope{}, transport.ErrClosed
		default:
		}
		return v1.Envelope{}, fmt.Errorf("wsbridge: write %s: %w", typ, err)
	}

	select {
	case rep := <-ch:
		if rep.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(rep.Payload, &ep)
			return rep, &RemoteError{Code: ep.Code, Message: ep.Message}
		}
		return rep, nil
	case <-h.done:
		return v1.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (h *handle) deliver(env v1.Envelope) {
	h.mu.Lock()
	ch := h.pending[env.ReplyTo]
	h.mu.Unlock()

	if ch == nil {
		h.log.Debug("wsbridge.reply.orphan", "reply_to", env.ReplyTo, "type", env.Type)
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (h *handle) reply(replyTo, typ string, payload any) {
	env, err := newEnvelope(typ, replyTo, payload)
	if err != nil {
		h.log.Error("wsbridge.reply.encode_fail", "type", typ, "err", err)
		return
	}
	if err := writeEnvelope(h.ctx, h.conn, env, h.timeouts.write); err != nil {
		h.log.Info("wsbridge.reply.write_fail", "type", typ, "err", err)
	}
}

func (h *handle) replyError(replyTo, code, msg string) {
	h.reply(replyTo, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}
