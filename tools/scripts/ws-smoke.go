// Package main provides a CI-friendly websocket smoke test for the linkgate login stream.
//
// It validates:
//   - handshake + subprotocol selection
//   - session_started carries a session id
//   - a qr or connected event follows
//
// With -wait-connected it keeps the socket open until the QR is scanned.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	eventsv1 "linkgate/contracts/events/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

func main() {
	var (
		wsURL         = flag.String("url", "ws://127.0.0.1:8080/ws", "Login stream URL")
		origin        = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		timeout       = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		waitConnected = flag.Duration("wait-connected", 0, "Also wait this long for connected (0: stop after the first qr)")
		verbose       = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	conn := mustConnect(root, *wsURL, *origin, *timeout)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "smoke done") }()

	started := mustReadUntil(root, conn, *timeout, eventsv1.TypeSessionStarted)
	var sp eventsv1.SessionStartedPayload
	if err := json.Unmarshal(started.Payload, &sp); err != nil || strings.TrimSpace(sp.SessionID) == "" {
		fatalf("session_started without session_id: %s", started.Payload)
	}
	if *verbose {
		fmt.Printf("session_started: %s\n", sp.SessionID)
	}

	first := mustReadUntil(root, conn, *timeout, eventsv1.TypeQR, eventsv1.TypeConnected)
	if first.Type == eventsv1.TypeQR {
		var qp eventsv1.QRPayload
		if err := json.Unmarshal(first.Payload, &qp); err != nil || qp.Code == "" {
			fatalf("qr without code: %s", first.Payload)
		}
		if *verbose {
			fmt.Printf("qr: code=%s image_bytes=%d\n", qp.Code, len(qp.QRImage))
		}
		if *waitConnected > 0 {
			fmt.Println("scan the QR code to continue...")
			first = mustReadUntil(root, conn, *waitConnected, eventsv1.TypeConnected)
		}
	}

	fmt.Printf("OK: session_id=%s last_event=%s\n", sp.SessionID, first.Type)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{eventsv1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != eventsv1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, eventsv1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)
	return conn
}

// mustReadUntil returns the first event of one of the wanted types. An error
// or disconnected event ends the smoke test.
func mustReadUntil(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration, want ...string) eventsv1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("waiting for %v: %v", want, err)
		}

		var env eventsv1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("bad frame %q: %v", data, err)
		}
		if err := env.Validate(); err != nil {
			fatalf("invalid envelope %q: %v", data, err)
		}

		for _, w := range want {
			if env.Type == w {
				return env
			}
		}
		switch env.Type {
		case eventsv1.TypeError, eventsv1.TypeDisconnected:
			fatalf("unexpected %s while waiting for %v: %s", env.Type, want, env.Payload)
		}
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
