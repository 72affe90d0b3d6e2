// Package wsbridge implements transport.Dialer on top of a remote bridge
// process reached over a websocket.
//
// The bridge runs the chat protocol for one session per connection and keeps
// no state: every credentials or key read/write is relayed to linkgate and
// acknowledged only after it was persisted.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "linkgate/contracts/bridge/v1"

	"linkgate/cmd/internal/authstate"
	"linkgate/cmd/internal/transport"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second

	// Bridge frames carry whole credential records and key batches.
	maxFrameBytes = 4 << 20 // 4 MiB
)

// Dialer dials one bridge connection per session.
type Dialer struct {
	// URL is the bridge websocket endpoint (ws:// or wss://).
	URL string

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	WriteTimeout   time.Duration

	// HTTPClient is used for the handshake (default: http.DefaultClient).
	HTTPClient *http.Client
	// Header is sent with the handshake (e.g. an auth token for the bridge).
	Header http.Header

	Logger *slog.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial connects, sends hello with the current credentials and starts the read loop.
func (d *Dialer) Dial(ctx context.Context, sessionID string, state transport.AuthState, l transport.Listener) (transport.Handle, error) {
	if state == nil || l == nil {
		return nil, errors.New("wsbridge: nil auth state or listener")
	}
	target, err := d.endpoint(sessionID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, durationOr(d.DialTimeout, defaultDialTimeout))
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", sessionID, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("wsbridge: subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)

	creds, err := authstate.MarshalCredentials(state.Credentials())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "bad credentials")
		return nil, err
	}

	h := newHandle(conn, sessionID, state, l, d.logger(), handleTimeouts{
		request: durationOr(d.RequestTimeout, defaultRequestTimeout),
		write:   durationOr(d.WriteTimeout, defaultWriteTimeout),
	})

	hello, err := newEnvelope(v1.TypeHello, "", v1.HelloPayload{
		SessionID:   sessionID,
		Credentials: json.RawMessage(creds),
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode hello")
		return nil, err
	}
	if err := writeEnvelope(dialCtx, conn, hello, h.timeouts.write); err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "hello failed")
		return nil, fmt.Errorf("wsbridge: hello %s: %w", sessionID, err)
	}

	go h.readLoop()
	return h, nil
}

func (d *Dialer) endpoint(sessionID string) (string, error) {
	raw := strings.TrimSpace(d.URL)
	if raw == "" {
		return "", errors.New("wsbridge: empty bridge url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("wsbridge: bad bridge url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("wsbridge: unsupported scheme: %s", u.Scheme)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
