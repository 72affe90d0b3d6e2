package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"linkgate/cmd/internal/authstate"
	"linkgate/cmd/internal/sessions"
	"linkgate/cmd/internal/transport"
	"linkgate/cmd/internal/transport/transporttest"
	eventsv1 "linkgate/contracts/events/v1"
)

type testServer struct {
	srv    *httptest.Server
	m      *sessions.Manager
	dialer *transporttest.FakeDialer
	store  *authstate.Store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	st, err := authstate.NewStore(authstate.NewMemoryBackend())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	d := transporttest.NewFakeDialer()
	m, err := sessions.NewManager(st, d, sessions.Config{
		ReviveTimeout: 2 * time.Second,
		QRRenderer:    func(code string) (string, error) { return "img:" + code, nil },
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	h, err := NewHandler(discardLogger(), m, cfg)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	r := chi.NewRouter()
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, m: m, dialer: d, store: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + path
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/v1/sessions", nil)
	if status != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", status, body)
	}
	var resp createSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.SessionID == "" {
		t.Fatalf("create body=%s err=%v", body, err)
	}
	return resp.SessionID
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return resp.Error.Code
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func readEvent(t *testing.T, ctx context.Context, c *websocket.Conn) eventsv1.Envelope {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var env eventsv1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode event %s: %v", data, err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("invalid event %s: %v", data, err)
	}
	return env
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{sessions.ErrSessionNotFound, http.StatusNotFound, "not_found"},
		{sessions.ErrSessionNotReady, http.StatusConflict, "not_ready"},
		{&sessions.DisconnectError{SessionID: "s", Cause: transport.CauseLoggedOut}, http.StatusGone, "terminal_disconnect"},
		{&sessions.TransportError{SessionID: "s", Err: errors.New("boom")}, http.StatusBadGateway, "transport_error"},
		{&sessions.TransportError{SessionID: "s", Err: context.DeadlineExceeded}, http.StatusBadGateway, "transport_error"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "revive_timeout"},
		{&authstate.OpError{Op: "read", Backend: "fs", SessionID: "s", Err: errors.New("disk")}, http.StatusServiceUnavailable, "store_unavailable"},
		{sessions.ErrReviveTimeout, http.StatusGatewayTimeout, "revive_timeout"},
		{sessions.ErrInvalidDestination, http.StatusBadRequest, "invalid_destination"},
		{fmt.Errorf("wrapped: %w", sessions.ErrSessionNotFound), http.StatusNotFound, "not_found"},
		{errors.New("surprise"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("statusFor(%v)=(%d,%s) want (%d,%s)", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestSessionsAPI_CreateSendLogout(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{})
	id := ts.createSession(t)
	ts.dialer.Last(id).Open()

	status, body := ts.do(t, http.MethodGet, "/v1/sessions", nil)
	if status != http.StatusOK {
		t.Fatalf("list status=%d", status)
	}
	var list listSessionsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != id || list.Sessions[0].State != sessions.StateOpen {
		t.Fatalf("list=%s", body)
	}

	status, body = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", sendRequest{To: "15550001111", Text: "hi"})
	if status != http.StatusOK {
		t.Fatalf("send status=%d body=%s", status, body)
	}
	var sent sendResponse
	if err := json.Unmarshal(body, &sent); err != nil || !sent.Success || sent.MessageID == "" {
		t.Fatalf("send body=%s err=%v", body, err)
	}
	if got := ts.dialer.Last(id).Sent(); len(got) != 1 || got[0].To != "15550001111@s.whatsapp.net" {
		t.Fatalf("transport saw %+v", got)
	}

	status, body = ts.do(t, http.MethodDelete, "/v1/sessions/"+id, nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"success":true`) {
		t.Fatalf("logout status=%d body=%s", status, body)
	}
	if active := ts.m.ListActiveSessions(); len(active) != 0 {
		t.Fatalf("active=%v after logout", active)
	}

	// Logout is idempotent.
	status, _ = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/logout", nil)
	if status != http.StatusOK {
		t.Fatalf("second logout status=%d", status)
	}
}

func TestSessionsAPI_SendErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{MaxMessageChars: 10})
	pending := ts.createSession(t)
	broken := ts.createSession(t)
	h := ts.dialer.Last(broken)
	h.Open()
	h.SetSendError(errors.New("socket gone"))

	cases := []struct {
		name   string
		id     string
		body   any
		status int
		code   string
	}{
		{"unknown session", "nope", sendRequest{To: "1", Text: "x"}, http.StatusNotFound, "not_found"},
		{"not ready", pending, sendRequest{To: "1", Text: "x"}, http.StatusConflict, "not_ready"},
		{"transport error", broken, sendRequest{To: "1", Text: "x"}, http.StatusBadGateway, "transport_error"},
		{"bad json", pending, `{"to":`, http.StatusBadRequest, "bad_json"},
		{"unknown field", pending, `{"to":"1","text":"x","extra":1}`, http.StatusBadRequest, "bad_json"},
		{"empty text", pending, sendRequest{To: "1", Text: " "}, http.StatusBadRequest, "invalid_request"},
		{"too long", pending, sendRequest{To: "1", Text: strings.Repeat("a", 11)}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		status, body := ts.do(t, http.MethodPost, "/v1/sessions/"+tc.id+"/messages", tc.body)
		if status != tc.status {
			t.Errorf("%s: status=%d want %d body=%s", tc.name, status, tc.status, body)
			continue
		}
		if code := errorCode(t, body); code != tc.code {
			t.Errorf("%s: code=%s want %s", tc.name, code, tc.code)
		}
	}
}

func TestLegacyRoutes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{})

	status, body := ts.do(t, http.MethodGet, "/sessions", nil)
	if status != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("empty list status=%d body=%s", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/send", legacySendRequest{SessionID: "ghost", Number: "1555", Message: "x"})
	if status != http.StatusNotFound {
		t.Fatalf("send unknown status=%d body=%s", status, body)
	}
	var lerr legacyErrorResponse
	if err := json.Unmarshal(body, &lerr); err != nil || lerr.Error != "Session not found or not logged in" {
		t.Fatalf("legacy error body=%s", body)
	}

	id := ts.createSession(t)
	ts.dialer.Last(id).Open()

	status, body = ts.do(t, http.MethodPost, "/send", legacySendRequest{SessionID: id, Number: "1555", Message: "hello"})
	if status != http.StatusOK || !strings.Contains(string(body), `"success":true`) {
		t.Fatalf("send status=%d body=%s", status, body)
	}

	status, body = ts.do(t, http.MethodGet, "/sessions", nil)
	var list []legacySession
	if err := json.Unmarshal(body, &list); err != nil || status != http.StatusOK {
		t.Fatalf("list status=%d body=%s", status, body)
	}
	if len(list) != 1 || list[0].SessionID != id {
		t.Fatalf("legacy list=%s", body)
	}

	status, _ = ts.do(t, http.MethodPost, "/logout", legacyLogoutRequest{SessionID: id})
	if status != http.StatusOK {
		t.Fatalf("logout status=%d", status)
	}
	if active := ts.m.ListActiveSessions(); len(active) != 0 {
		t.Fatalf("active=%v after legacy logout", active)
	}
}

func TestEventsStream_SessionLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{})
	ctx := testCtx(t)
	id := ts.createSession(t)

	c, _, err := websocket.Dial(ctx, ts.wsURL("/v1/sessions/"+id+"/events"), &websocket.DialOptions{
		Subprotocols: []string{eventsv1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()

	h := ts.dialer.Last(id)
	h.QR("code-1")
	qr := readEvent(t, ctx, c)
	if qr.Type != eventsv1.TypeQR || qr.SessionID != id {
		t.Fatalf("first event=%+v", qr)
	}
	var qp eventsv1.QRPayload
	if err := json.Unmarshal(qr.Payload, &qp); err != nil || qp.QRImage != "img:code-1" {
		t.Fatalf("qr payload=%s", qr.Payload)
	}

	h.Open()
	if env := readEvent(t, ctx, c); env.Type != eventsv1.TypeConnected {
		t.Fatalf("event=%s want connected", env.Type)
	}

	h.DisconnectStatus(transport.StatusLoggedOut)
	env := readEvent(t, ctx, c)
	var dp eventsv1.DisconnectedPayload
	if err := json.Unmarshal(env.Payload, &dp); err != nil || env.Type != eventsv1.TypeDisconnected || !dp.Terminal {
		t.Fatalf("event=%+v payload=%s", env, env.Payload)
	}

	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("stream end err=%v want normal closure", err)
	}
}

func TestEventsStream_Rejections(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{})
	ctx := testCtx(t)

	_, resp, err := websocket.Dial(ctx, ts.wsURL("/v1/sessions/unknown/events"), &websocket.DialOptions{
		Subprotocols: []string{eventsv1.Subprotocol},
	})
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session dial err=%v resp=%v", err, resp)
	}

	id := ts.createSession(t)
	c, _, err := websocket.Dial(ctx, ts.wsURL("/v1/sessions/"+id+"/events"), nil)
	if err != nil {
		t.Fatalf("dial without subprotocol: %v", err)
	}
	defer func() { _ = c.CloseNow() }()
	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("err=%v want protocol error close", err)
	}

	_, resp, err = websocket.Dial(ctx, ts.wsURL("/v1/sessions/"+id+"/events"), &websocket.DialOptions{
		Subprotocols: []string{eventsv1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{"https://evil.example"}},
	})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin dial err=%v resp=%v", err, resp)
	}
}

func TestLoginStream_AbandonsUnconnectedSession(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{})
	ctx := testCtx(t)

	c, _, err := websocket.Dial(ctx, ts.wsURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	started := readEvent(t, ctx, c)
	if started.Type != eventsv1.TypeSessionStarted || started.SessionID == "" {
		t.Fatalf("first event=%+v", started)
	}
	id := started.SessionID

	ts.dialer.Last(id).QR("login-code")
	if env := readEvent(t, ctx, c); env.Type != eventsv1.TypeQR {
		t.Fatalf("event=%s want qr", env.Type)
	}

	_ = c.Close(websocket.StatusNormalClosure, "done")

	eventually(t, "abandoned session removal", func() bool { return len(ts.m.ListActiveSessions()) == 0 })
	if h := ts.dialer.Last(id); !h.Closed() {
		t.Fatalf("abandoned handle not closed")
	}
}

func TestLoginStream_KeepsConnectedSession(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Config{})
	ctx := testCtx(t)

	c, _, err := websocket.Dial(ctx, ts.wsURL("/ws"), &websocket.DialOptions{
		Subprotocols: []string{eventsv1.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	id := readEvent(t, ctx, c).SessionID
	ts.dialer.Last(id).Open()
	if env := readEvent(t, ctx, c); env.Type != eventsv1.TypeConnected {
		t.Fatalf("event=%s want connected", env.Type)
	}

	// Inbound frames are answered with an error event.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"v":"v1","type":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEvent(t, ctx, c); env.Type != eventsv1.TypeError {
		t.Fatalf("event=%s want error", env.Type)
	}

	_ = c.Close(websocket.StatusNormalClosure, "done")

	time.Sleep(100 * time.Millisecond)
	if active := ts.m.ListActiveSessions(); len(active) != 1 || active[0] != id {
		t.Fatalf("active=%v want [%s]", active, id)
	}
}
