// Package server runs the websocket endpoint an agent connects to for one
// session.
//
// A Server owns exactly one listener. Each accepted connection passes an
// auth handshake, then gets a read pump that decodes JSON-RPC frames into
// the session's inbox and a write pump that serializes outbound frames and
// heartbeat pings. A connection that stops answering pings is dropped; the
// Server itself keeps accepting until Stop.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/protocol"
	"github.com/Iron-Ham/claudio-ide/internal/router"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// AuthHeader carries the session's auth token during the handshake.
const AuthHeader = "x-claude-code-ide-authorization"

// Subprotocol is offered to clients that ask for one.
const Subprotocol = "mcp"

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 3 * time.Second
	defaultSendBuffer        = 64
	defaultMaxMessageBytes   = 16 << 20
	writeTimeout             = 10 * time.Second
)

// ErrSendBufferFull is returned by Send when a connection's outbound queue
// is full.
var ErrSendBufferFull = errors.New("send buffer full")

// Config describes one session server.
type Config struct {
	SessionID string
	// Host is the interface to bind; empty means 127.0.0.1.
	Host string
	// AuthToken is compared against AuthHeader when RequireAuth is set.
	AuthToken   string
	RequireAuth bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	MaxMessageBytes   int64
}

// Inbox receives decoded inbound messages. Deliver must not block.
type Inbox interface {
	Deliver(msg router.Inbound) error
}

// Hooks report connection lifecycle changes back to the owner of the
// session. Every field is optional. Hooks run on connection goroutines and
// must not block.
type Hooks struct {
	OnAttach func(conn session.Connection)
	OnDetach func(connID string, reason Reason)
	// OnActivity fires for every inbound frame and pong.
	OnActivity func(connID string)
}

// Server is a per-session websocket server.
type Server struct {
	cfg    Config
	inbox  Inbox
	hooks  Hooks
	logger *logging.Logger
	now    func() time.Time

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*conn
	listener net.Listener
	httpSrv  *http.Server
	started  bool
	stopping bool
	stopCh   chan struct{}

	wg conc.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithInbox sets where inbound messages are delivered.
func WithInbox(inbox Inbox) Option {
	return func(s *Server) {
		s.inbox = inbox
	}
}

// WithHooks sets the connection lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(s *Server) {
		s.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock replaces time.Now for attach and last-seen timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a Server. It does not listen until Start.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}

	s := &Server{
		cfg:    cfg,
		now:    time.Now,
		conns:  make(map[string]*conn),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("server").WithSession(cfg.SessionID)
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{Subprotocol},
		CheckOrigin:      loopbackOrigin,
	}
	return s
}

// Start binds port and begins accepting connections. A bind failure is
// reported as ErrBindFailed.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.NewSessionError("server already started", errors.ErrInvalidInput).WithSessionID(s.cfg.SessionID)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewPortError(fmt.Sprintf("listen on %s: %v", addr, err), errors.ErrBindFailed).WithPort(port)
	}

	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true

	srv := s.httpSrv
	s.wg.Go(func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("session server stopped serving", "error", err.Error())
		}
	})

	s.logger.Info("session server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// ServeHTTP performs the handshake and admits the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isStopping() {
		http.Error(w, "session server stopping", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.RequireAuth && !s.authorized(r) {
		s.logger.Warn("handshake rejected",
			"remote_addr", r.RemoteAddr,
			"error", errors.ErrHandshakeFailed.Error())
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err.Error())
		return
	}
	s.admit(ws, r.RemoteAddr)
}

func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get(AuthHeader)
	if got == "" || s.cfg.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AuthToken)) == 1
}

// admit registers an upgraded connection and starts its pumps.
func (s *Server) admit(ws *websocket.Conn, remote string) {
	now := s.now()
	c := &conn{
		srv:      s,
		ws:       ws,
		id:       uuid.NewString(),
		remote:   remote,
		sendCh:   make(chan []byte, s.cfg.SendBuffer),
		done:     make(chan struct{}),
		attached: make(chan struct{}),
		info: session.Connection{
			RemoteAddr: remote,
			AttachedAt: now,
			LastSeenAt: now,
		},
	}
	c.info.ID = c.id
	c.logger = s.logger.WithConnection(c.id)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session stopped"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	s.conns[c.id] = c
	// Goroutines are added under the lock so none can start after Stop
	// begins waiting.
	s.wg.Go(c.writePump)
	s.wg.Go(c.readPump)
	count := len(s.conns)
	s.mu.Unlock()

	c.logger.Info("agent connected", "remote_addr", remote, "connections", count)
	if s.hooks.OnAttach != nil {
		s.hooks.OnAttach(c.snapshot())
	}
	close(c.attached)
}

// detach is called exactly once per connection, by its read pump. A
// connection that drops during its handshake is reported to OnDetach only
// after OnAttach has returned for it.
func (s *Server) detach(c *conn, reason Reason) {
	<-c.attached

	s.mu.Lock()
	delete(s.conns, c.id)
	remaining := len(s.conns)
	s.mu.Unlock()

	c.logger.Info("agent disconnected", "reason", reason.String(), "remaining", remaining)
	if s.hooks.OnDetach != nil {
		s.hooks.OnDetach(c.id, reason)
	}
}

// Send queues msg for one connection. Frames sent to the same connection
// are written in the order Send was called.
func (s *Server) Send(connID string, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return s.SendRaw(connID, data)
}

// SendRaw queues an already encoded frame for one connection.
func (s *Server) SendRaw(connID string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping {
		return errors.NewSessionError("send", errors.ErrServerStopped).WithSessionID(s.cfg.SessionID)
	}
	c, ok := s.conns[connID]
	if !ok {
		return errors.NewNotFoundError("connection", connID).WithCause(errors.ErrConnectionNotFound)
	}
	return c.enqueue(data)
}

// Broadcast queues msg for every connection and returns how many accepted
// it. It fails with ErrNoConnection when nothing is attached.
func (s *Server) Broadcast(msg *protocol.Message) (int, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, errors.Wrap(err, "encode message")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping {
		return 0, errors.NewSessionError("broadcast", errors.ErrServerStopped).WithSessionID(s.cfg.SessionID)
	}
	if len(s.conns) == 0 {
		return 0, errors.NewSessionError("broadcast", errors.ErrNoConnection).WithSessionID(s.cfg.SessionID)
	}

	sent := 0
	var errs []error
	for _, c := range s.conns {
		if err := c.enqueue(data); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, errors.Join(errs...)
	}
	return sent, nil
}

// Connections returns the attached connections ordered by attach time.
func (s *Server) Connections() []session.Connection {
	s.mu.RLock()
	out := make([]session.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.snapshot())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b session.Connection) int {
		if c := a.AttachedAt.Compare(b.AttachedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Disconnect closes one connection. Its OnDetach hook reports ReasonKicked.
func (s *Server) Disconnect(connID string) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("connection", connID).WithCause(errors.ErrConnectionNotFound)
	}
	c.shutdown(ReasonKicked, websocket.CloseNormalClosure, "disconnected by host")
	return nil
}

// Stop stops accepting, lets each connection flush what is already queued,
// sends close frames and waits for every goroutine to exit. Connections
// still draining when ctx is done are closed forcibly. The port is free
// when Stop returns. Stopping twice is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	srv := s.httpSrv
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("stopping session server", "connections", len(conns))

	var errs []error
	if srv != nil {
		// Hijacked websocket connections are not tracked by http.Server, so
		// this only closes the listener and idle handshakes.
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			errs = append(errs, errors.Wrap(err, "close listener"))
		}
	}

	forced := 0
	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			forced++
			c.shutdown(ReasonServerStop, websocket.CloseGoingAway, "session stopped")
		}
	}
	if forced > 0 {
		s.logger.Warn("grace period expired, connections closed forcibly", "forced", forced)
	}

	s.wg.Wait()
	s.logger.Info("session server stopped")
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Stopped is closed when Stop begins.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopCh
}

func (s *Server) isStopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping
}

// loopbackOrigin admits non-browser clients (no Origin header) and pages
// served from the loopback interface.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
