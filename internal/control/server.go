package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/claudio-ide/internal/discovery"
	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/instance"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// ErrHostRunning is returned by Start when another host already answers on
// the socket path.
var ErrHostRunning = errors.New("a host is already listening on the control socket")

// Host is the set of session operations served over the socket.
// *instance.Manager implements it.
type Host interface {
	CreateSession(ctx context.Context, workdir string, opts instance.CreateOptions) (*session.Session, error)
	ListSessions() []instance.Info
	KillSession(ctx context.Context, target string) ([]string, error)
	SwitchActive(id string) error
	GetActive() (string, bool)
	SendToSession(id, method string, payload json.RawMessage) (int, error)
	AgentEnv(id string) ([]string, error)
	LaunchAgent(id string) (string, error)
	SessionForPath(path string) (*session.Session, error)
	Sweep() ([]discovery.Record, error)
}

// Server accepts control connections on a Unix socket.
type Server struct {
	path           string
	host           Host
	logger         *logging.Logger
	requestTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       conc.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRequestTimeout bounds each operation.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// NewServer creates a Server for host at path. Call Start to listen.
func NewServer(path string, host Host, opts ...ServerOption) *Server {
	s := &Server{
		path:           path,
		host:           host,
		requestTimeout: DefaultRequestTimeout,
		conns:          make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("control")
	return s
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Start listens on the socket path and serves connections in the
// background. A leftover socket file from a dead host is replaced; a live
// one yields ErrHostRunning.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create control socket directory: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		if probe, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
			probe.Close()
			return errors.Wrapf(ErrHostRunning, "%s", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove stale control socket: %w", err)
		}
		s.logger.Info("removed stale control socket", "path", s.path)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict control socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("control socket listening", "path", s.path)
	s.wg.Go(s.acceptLoop)
	return nil
}

// Close stops accepting, closes open connections, waits for handlers and
// removes the socket file. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	if ln != nil {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control accept error (continuing)", "error", err.Error())
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.serveConn(conn)
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !s.isClosed() {
				s.logger.Debug("control connection ended", "error", err.Error())
			}
			return
		}

		var resp Response
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = failure(errors.NewValidationError("malformed request: " + err.Error()))
		} else {
			resp = s.handle(req)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			data, _ = json.Marshal(failure(err))
		}
		_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if _, err := conn.Write(append(data, '\n')); err != nil {
			s.logger.Debug("control write failed", "error", err.Error())
			return
		}
	}
}

// handle runs one request against the host.
func (s *Server) handle(req Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	log := s.logger.With("op", string(req.Op))
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = errors.NewTimeoutError(string(req.Op), s.requestTimeout)
		}
		logFailure(log, err, "session_id", req.SessionID, "error", err.Error())
		return failure(err)
	}
	resp.OK = true
	return resp
}

// logFailure reports a failed request at the level its error ranks at, so
// lookups of unknown ids stay out of the default log.
func logFailure(log *logging.Logger, err error, args ...any) {
	const msg = "control request failed"
	switch errors.GetSeverity(err) {
	case errors.SeverityDebug, errors.SeverityInfo:
		log.Debug(msg, args...)
	case errors.SeverityWarning:
		log.Warn(msg, args...)
	default:
		log.Error(msg, args...)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Op {
	case OpPing:
		return Response{PID: os.Getpid()}, nil

	case OpCreate:
		sess, err := s.host.CreateSession(ctx, req.Path, instance.CreateOptions{
			LaunchAgent: req.LaunchAgent,
			Activate:    req.Activate,
			ParentPort:  req.ParentPort,
		})
		if err != nil {
			return Response{}, err
		}
		return Response{SessionID: sess.ID, Session: s.info(sess.ID)}, nil

	case OpList:
		return Response{Sessions: s.host.ListSessions()}, nil

	case OpKill:
		killed, err := s.host.KillSession(ctx, req.SessionID)
		if err != nil {
			return Response{Killed: killed}, err
		}
		return Response{Killed: killed}, nil

	case OpSwitch:
		if req.SessionID == "" {
			return Response{}, errors.NewValidationError("session id is required").WithField("sessionId")
		}
		if err := s.host.SwitchActive(req.SessionID); err != nil {
			return Response{}, err
		}
		return Response{SessionID: req.SessionID}, nil

	case OpActive:
		id, ok := s.host.GetActive()
		if !ok {
			return Response{}, nil
		}
		return Response{SessionID: id, Session: s.info(id)}, nil

	case OpSend:
		n, err := s.host.SendToSession(req.SessionID, req.Method, req.Payload)
		if err != nil {
			return Response{}, err
		}
		return Response{Delivered: n}, nil

	case OpEnv:
		env, err := s.host.AgentEnv(req.SessionID)
		if err != nil {
			return Response{}, err
		}
		return Response{Env: env}, nil

	case OpLaunch:
		if req.SessionID == "" {
			return Response{}, errors.NewValidationError("session id is required").WithField("sessionId")
		}
		where, err := s.host.LaunchAgent(req.SessionID)
		if err != nil {
			return Response{}, err
		}
		return Response{SessionID: req.SessionID, Agent: where}, nil

	case OpLookup:
		sess, err := s.host.SessionForPath(req.Path)
		if err != nil {
			return Response{}, err
		}
		return Response{SessionID: sess.ID, Session: s.info(sess.ID)}, nil

	case OpSweep:
		removed, err := s.host.Sweep()
		return Response{Removed: len(removed)}, err

	default:
		return Response{}, errors.NewValidationError(fmt.Sprintf("unknown op %q", req.Op)).WithField("op")
	}
}

func (s *Server) info(id string) *instance.Info {
	for _, info := range s.host.ListSessions() {
		if info.ID == id {
			return &info
		}
	}
	return nil
}
