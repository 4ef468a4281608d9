package instance

import (
	"context"
	"os"

	"github.com/google/uuid"

	"github.com/Iron-Ham/claudio-ide/internal/agent"
	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/server"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// CreateOptions tunes CreateSession.
type CreateOptions struct {
	// LaunchAgent starts the configured agent once the session is running.
	LaunchAgent bool
	// Activate makes the session active even if another one already is.
	Activate bool
	// ParentPort records the port of the session that spawned this one. It
	// is advertised in the discovery record and ignored when an existing
	// session is returned.
	ParentPort int
}

// CreateSession returns the live session for workdir, creating one if none
// exists. The path is resolved to its canonical worktree root first, so any
// path inside a worktree maps to the same session.
//
// A new session is registered, given a port and a running server, and then
// advertised in the discovery directory. If any step fails every earlier
// step is undone and the single error is returned. If the workdir's
// previous session is still being torn down, CreateSession waits (bounded
// by ctx) for it to be unregistered.
func (m *Manager) CreateSession(ctx context.Context, workdir string, opts CreateOptions) (*session.Session, error) {
	if m.isClosed() {
		return nil, errors.NewSessionError("host is shutting down", errors.ErrServerStopped).WithWorkdir(workdir)
	}
	if opts.ParentPort < 0 || opts.ParentPort > 65535 {
		return nil, errors.NewValidationError("parent port out of range").
			WithField("parentPort").
			WithValue(opts.ParentPort)
	}
	canonical, err := m.resolver.Resolve(workdir)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "create session for %s", canonical)
		}

		existing, err := m.store.GetByWorkdir(canonical)
		if err == nil {
			sess, retry, err := m.reuse(ctx, existing, opts)
			if err != nil || !retry {
				return sess, err
			}
			continue
		}

		// The pending entry exists before the session becomes visible so a
		// concurrent create for the same workdir always has something to wait on.
		id := uuid.NewString()
		done := m.markPending(id)
		sess, err := m.store.Register(session.Session{
			ID:         id,
			Workdir:    canonical,
			AuthToken:  uuid.NewString(),
			PID:        os.Getpid(),
			ParentPort: opts.ParentPort,
		})
		if err != nil {
			done()
			if errors.Is(err, errors.ErrWorkdirClaimed) {
				// Lost a race with a concurrent create for the same workdir.
				continue
			}
			return nil, err
		}
		out, err := m.bringUp(sess, opts)
		done()
		return out, err
	}
}

// markPending registers a creation in progress and returns the function
// that ends it.
func (m *Manager) markPending(id string) func() {
	ready := make(chan struct{})
	m.mu.Lock()
	m.pending[id] = ready
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		close(ready)
	}
}

// reuse handles a workdir that already has a registered session. It returns
// retry=true when the caller should look the workdir up again.
func (m *Manager) reuse(ctx context.Context, existing *session.Session, opts CreateOptions) (*session.Session, bool, error) {
	if !existing.State.IsLive() {
		m.logger.Debug("waiting for previous session to unregister",
			"session_id", existing.ID, "state", existing.State.String())
		if err := m.store.AwaitRemoval(ctx, existing.ID); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	m.mu.Lock()
	ready := m.pending[existing.ID]
	m.mu.Unlock()
	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, false, errors.Wrapf(ctx.Err(), "waiting for session %s to start", existing.ID)
		}
	}

	sess, err := m.store.Get(existing.ID)
	if err != nil || !sess.State.IsLive() {
		// The concurrent create failed and rolled back.
		return nil, true, nil
	}
	if opts.Activate {
		m.setActive(sess.ID)
	}
	m.logger.Debug("session already exists for workdir", "session_id", sess.ID, "workdir", sess.Workdir)
	return sess, false, nil
}

// bringUp takes a freshly registered session to running.
func (m *Manager) bringUp(sess *session.Session, opts CreateOptions) (*session.Session, error) {
	id := sess.ID
	log := m.logger.WithSession(id)

	if _, err := m.store.SetState(id, session.StateStarting); err != nil {
		return nil, m.rollback(id, 0, nil, err)
	}

	srv, port, err := m.startServer(sess)
	if err != nil {
		return nil, m.rollback(id, 0, nil, err)
	}
	if err := m.store.SetPort(id, port); err != nil {
		return nil, m.rollback(id, port, srv, err)
	}
	if _, err := m.store.SetState(id, session.StateRunning); err != nil {
		return nil, m.rollback(id, port, srv, err)
	}

	running, err := m.store.Get(id)
	if err != nil {
		return nil, m.rollback(id, port, srv, err)
	}
	if _, err := m.pub.Publish(running); err != nil {
		return nil, m.rollback(id, port, srv, err)
	}

	m.mu.Lock()
	becameActive := opts.Activate || (m.cfg.Sessions.AutoActivate && m.active == "")
	m.mu.Unlock()
	if becameActive {
		m.setActive(id)
	}

	log.Info("session created", "workdir", running.Workdir, "port", port)

	if opts.LaunchAgent {
		if _, err := m.LaunchAgent(id); err != nil {
			// The session stays up; the agent can be started by hand.
			log.Warn("agent launch failed", "error", err.Error())
		}
	}
	return m.store.Get(id)
}

// startServer acquires a port and binds a server to it, retrying with a new
// port when another process took the probed one in between.
func (m *Manager) startServer(sess *session.Session) (*server.Server, int, error) {
	srvCfg := server.Config{
		SessionID:         sess.ID,
		Host:              m.alloc.Host(),
		AuthToken:         sess.AuthToken,
		RequireAuth:       m.cfg.Server.RequireAuth,
		HeartbeatInterval: m.cfg.Server.HeartbeatInterval(),
		HeartbeatTimeout:  m.cfg.Server.HeartbeatTimeout(),
		SendBuffer:        m.cfg.Server.SendBuffer,
		MaxMessageBytes:   m.cfg.Server.MaxMessageBytes,
	}

	m.router.Open(sess.ID)
	var lastErr error
	for attempt := 1; attempt <= bindRetries; attempt++ {
		port, err := m.alloc.Acquire()
		if err != nil {
			return nil, 0, err
		}
		srv := server.New(srvCfg,
			server.WithInbox(m.router),
			server.WithHooks(m.hooks(sess.ID)),
			server.WithLogger(m.logger),
		)
		if err := srv.Start(port); err != nil {
			m.alloc.Release(port)
			if !errors.IsRetryable(err) {
				return nil, 0, err
			}
			lastErr = err
			m.logger.Warn("session server bind failed", "session_id", sess.ID, "port", port, "attempt", attempt, "error", err.Error())
			continue
		}

		m.mu.Lock()
		m.servers[sess.ID] = srv
		m.mu.Unlock()
		return srv, port, nil
	}
	return nil, 0, lastErr
}

// rollback undoes a partial creation and returns the error to report.
func (m *Manager) rollback(id string, port int, srv *server.Server, cause error) error {
	log := m.logger.WithSession(id)
	log.Error("session creation failed, rolling back", "error", cause.Error())

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.shutdownGrace())
		if err := srv.Stop(ctx); err != nil {
			log.Warn("rollback: server stop failed", "error", err.Error())
		}
		cancel()
	}
	m.mu.Lock()
	delete(m.servers, id)
	m.mu.Unlock()

	m.router.Close(id)
	if port != 0 {
		m.alloc.Release(port)
	}
	if err := m.pub.Retract(id); err != nil {
		log.Warn("rollback: retract failed", "error", err.Error())
	}
	if _, err := m.store.Fail(id, cause); err != nil {
		log.Debug("rollback: could not mark session failed", "error", err.Error())
	}
	if _, err := m.store.Unregister(id); err != nil {
		log.Warn("rollback: unregister failed", "error", err.Error())
	}
	return cause
}

// LaunchAgent starts the configured agent for a running session and returns
// a description of where it runs. A session has at most one launched agent.
func (m *Manager) LaunchAgent(id string) (string, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return "", err
	}
	if !sess.State.Accepting() {
		return "", errors.NewSessionError("session is not running", errors.ErrInvalidInput).WithSessionID(id)
	}

	m.mu.Lock()
	if h, ok := m.agents[id]; ok {
		m.mu.Unlock()
		return h.Describe(), nil
	}
	m.mu.Unlock()

	h, err := m.launcher.Launch(agent.Spec{
		SessionID: id,
		Workdir:   sess.Workdir,
		Env:       agent.Env(id, sess.Workdir, sess.Port),
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if prev, ok := m.agents[id]; ok {
		m.mu.Unlock()
		_ = h.Stop(0)
		return prev.Describe(), nil
	}
	m.agents[id] = h
	m.mu.Unlock()
	return h.Describe(), nil
}
