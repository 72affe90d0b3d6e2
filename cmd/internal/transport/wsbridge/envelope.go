package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "linkgate/contracts/bridge/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var errBadFrame = errors.New("wsbridge: bad frame")

// RemoteError is an error envelope returned by the bridge.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "wsbridge: remote error: " + e.Code
	}
	return fmt.Sprintf("wsbridge: remote error: %s: %s", e.Code, e.Message)
}

func newEnvelope(typ, replyTo string, payload any) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		ReplyTo: replyTo,
		TS:      time.Now().UTC(),
		Payload: b,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type: %v", errBadFrame, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
