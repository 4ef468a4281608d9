package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/protocol"
	"github.com/Iron-Ham/claudio-ide/internal/router"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testToken = "secret-token"

type harness struct {
	srv      *Server
	queue    *router.Queue
	attached chan session.Connection
	detached chan Reason
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	rt := router.New(nil)
	h := &harness{
		queue:    rt.Open("s1"),
		attached: make(chan session.Connection, 8),
		detached: make(chan Reason, 8),
	}
	cfg := Config{
		SessionID:         "s1",
		AuthToken:         testToken,
		RequireAuth:       true,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  time.Second,
		SendBuffer:        16,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.srv = New(cfg, WithInbox(rt), WithHooks(Hooks{
		OnAttach: func(c session.Connection) { h.attached <- c },
		OnDetach: func(_ string, r Reason) { h.detached <- r },
	}))
	require.NoError(t, h.srv.Start(0))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.srv.Stop(ctx)
	})
	return h
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set(AuthHeader, token)
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.srv.Addr(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (h *harness) waitAttached(t *testing.T) session.Connection {
	t.Helper()
	select {
	case c := <-h.attached:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not attached")
		return session.Connection{}
	}
}

func (h *harness) waitDetached(t *testing.T) Reason {
	t.Helper()
	select {
	case r := <-h.detached:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not detached")
		return reasonUnset
	}
}

func notification(t *testing.T, method string) []byte {
	t.Helper()
	m, err := protocol.NewNotification(method, map[string]string{"k": "v"})
	require.NoError(t, err)
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	return data
}

func TestServer_StartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := New(Config{SessionID: "s1"})
	err = srv.Start(port)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBindFailed)
	assert.Equal(t, errors.ExitBindFailed, errors.ExitCode(err))
	assert.True(t, errors.IsRetryable(err))
	require.NoError(t, srv.Stop(context.Background()))
}

func TestServer_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	err := h.srv.Start(0)
	require.Error(t, err)
	// Only a bind failure is worth retrying on another port.
	assert.False(t, errors.IsRetryable(err))
}

func TestServer_RejectsMissingToken(t *testing.T) {
	h := newHarness(t, nil)

	for _, token := range []string{"", "wrong"} {
		header := http.Header{}
		if token != "" {
			header.Set(AuthHeader, token)
		}
		ws, resp, err := websocket.DefaultDialer.Dial("ws://"+h.srv.Addr(), header)
		if ws != nil {
			ws.Close()
		}
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Empty(t, h.srv.Connections())
}

func TestServer_AuthNotRequired(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequireAuth = false })
	h.dial(t, "")
	h.waitAttached(t)
}

func TestServer_RejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, nil)
	header := http.Header{}
	header.Set(AuthHeader, testToken)
	header.Set("Origin", "https://evil.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+h.srv.Addr(), header)
	if ws != nil {
		ws.Close()
	}
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_InboundOrder(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, testToken)
	conn := h.waitAttached(t)

	methods := []string{"first", "second", "third"}
	for _, m := range methods {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, notification(t, m)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range methods {
		in, err := h.queue.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, in.Message.Method)
		assert.Equal(t, "s1", in.SessionID)
		assert.Equal(t, conn.ID, in.ConnectionID)
	}
}

func TestServer_MalformedFrameGetsParseError(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, testToken)
	h.waitAttached(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	reply, err := protocol.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeParseError, reply.Error.Code)
	assert.Zero(t, h.queue.Len())
}

func TestServer_SendAndBroadcast(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.srv.Broadcast(&protocol.Message{Method: "nobody"})
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	a := h.dial(t, testToken)
	ca := h.waitAttached(t)
	b := h.dial(t, testToken)
	h.waitAttached(t)
	require.Len(t, h.srv.Connections(), 2)

	require.NoError(t, h.srv.Send(ca.ID, &protocol.Message{Method: "only-a"}))
	n, err := h.srv.Broadcast(&protocol.Message{Method: "everyone"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	read := func(ws *websocket.Conn) string {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		m, err := protocol.Decode(data)
		require.NoError(t, err)
		return m.Method
	}
	assert.Equal(t, "only-a", read(a))
	assert.Equal(t, "everyone", read(a))
	assert.Equal(t, "everyone", read(b))

	err = h.srv.Send("missing", &protocol.Message{Method: "x"})
	assert.ErrorIs(t, err, errors.ErrConnectionNotFound)
}

func TestServer_ClientCloseIsNormal(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, testToken)
	h.waitAttached(t)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	r := h.waitDetached(t)
	assert.Equal(t, ReasonClosed, r)
	assert.False(t, r.Abnormal())
}

func TestServer_DetachFollowsSlowAttach(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(ev string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, ev)
	}
	detached := make(chan struct{})
	srv := New(Config{SessionID: "s1", HeartbeatInterval: time.Second, HeartbeatTimeout: time.Second},
		WithHooks(Hooks{
			OnAttach: func(session.Connection) {
				time.Sleep(200 * time.Millisecond)
				record("attach")
			},
			OnDetach: func(string, Reason) {
				record("detach")
				close(detached)
			},
		}))
	require.NoError(t, srv.Start(0))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr(), nil)
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	select {
	case <-detached:
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not detached")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"attach", "detach"}, order)
	assert.Empty(t, srv.Connections())
}

func TestServer_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.HeartbeatInterval = 30 * time.Millisecond
		c.HeartbeatTimeout = 30 * time.Millisecond
	})
	// The client never reads, so it never answers pings.
	h.dial(t, testToken)
	h.waitAttached(t)

	r := h.waitDetached(t)
	assert.Equal(t, ReasonHeartbeatTimeout, r)
	assert.True(t, r.Abnormal())
	assert.Empty(t, h.srv.Connections())
}

func TestServer_PongKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.HeartbeatInterval = 30 * time.Millisecond
		c.HeartbeatTimeout = 30 * time.Millisecond
	})
	ws := h.dial(t, testToken)
	h.waitAttached(t)

	// Reading lets the client's default ping handler answer with pongs.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case r := <-h.detached:
		t.Fatalf("connection dropped while answering pings: %s", r)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Len(t, h.srv.Connections(), 1)
}

func TestServer_Disconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.dial(t, testToken)
	c := h.waitAttached(t)

	require.NoError(t, h.srv.Disconnect(c.ID))
	assert.Equal(t, ReasonKicked, h.waitDetached(t))
	assert.ErrorIs(t, h.srv.Disconnect(c.ID), errors.ErrConnectionNotFound)
}

func TestServer_StopFlushesAndReleasesPort(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, testToken)
	c := h.waitAttached(t)
	port := h.srv.Port()

	for i := range 5 {
		require.NoError(t, h.srv.Send(c.ID, &protocol.Message{Method: "m" + strconv.Itoa(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Stop(ctx))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := range 5 {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		m, err := protocol.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, "m"+strconv.Itoa(i), m.Method)
	}
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Equal(t, ReasonServerStop, h.waitDetached(t))

	err = h.srv.Send(c.ID, &protocol.Message{Method: "late"})
	assert.ErrorIs(t, err, errors.ErrServerStopped)
	require.NoError(t, h.srv.Stop(ctx))

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "port still bound after Stop")
	ln.Close()
}

func TestServer_StopForcesAfterGrace(t *testing.T) {
	h := newHarness(t, nil)
	h.dial(t, testToken)
	h.waitAttached(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- h.srv.Stop(ctx) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked past an expired grace period")
	}
	assert.Empty(t, h.srv.Connections())
}

func TestReason_String(t *testing.T) {
	tests := map[Reason]string{
		ReasonClosed:           "closed",
		ReasonHeartbeatTimeout: "heartbeat_timeout",
		ReasonTransportError:   "transport_error",
		ReasonServerStop:       "server_stop",
		ReasonKicked:           "kicked",
		reasonUnset:            "unknown",
	}
	for r, want := range tests {
		assert.Equal(t, want, r.String())
	}
}

func TestLoopbackOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1", true},
		{"http://[::1]:8080", true},
		{"https://example.com", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		r, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1/", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, loopbackOrigin(r), tt.origin)
	}
}
