package instance

import (
	"encoding/json"
	"time"

	"github.com/Iron-Ham/claudio-ide/internal/agent"
	"github.com/Iron-Ham/claudio-ide/internal/discovery"
	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/event"
	"github.com/Iron-Ham/claudio-ide/internal/protocol"
	"github.com/Iron-Ham/claudio-ide/internal/router"
	"github.com/Iron-Ham/claudio-ide/internal/session"
	"github.com/Iron-Ham/claudio-ide/internal/worktree"
)

// Info is one row of ListSessions.
type Info struct {
	ID             string        `json:"id"`
	Workdir        string        `json:"workdir"`
	State          session.State `json:"state"`
	Port           int           `json:"port"`
	Clients        int           `json:"clients"`
	Active         bool          `json:"active"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Idle           time.Duration `json:"idle"`
	Agent          string        `json:"agent,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	ParentPort     int           `json:"parentPort,omitempty"`
}

// ListSessions returns every registered session ordered by creation.
func (m *Manager) ListSessions() []Info {
	all := m.store.GetAll()
	now := time.Now()

	m.mu.Lock()
	active := m.active
	agents := make(map[string]string, len(m.agents))
	for id, h := range m.agents {
		agents[id] = h.Describe()
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, Info{
			ID:             s.ID,
			Workdir:        s.Workdir,
			State:          s.State,
			Port:           s.Port,
			Clients:        s.ConnectedClients(),
			Active:         s.ID == active,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			Idle:           s.IdleFor(now),
			Agent:          agents[s.ID],
			LastError:      s.LastError,
			ParentPort:     s.ParentPort,
		})
	}
	return out
}

// Get returns a copy of one session.
func (m *Manager) Get(id string) (*session.Session, error) {
	return m.store.Get(id)
}

// SwitchActive makes id the session that receives default-targeted
// operations. It only updates bookkeeping.
func (m *Manager) SwitchActive(id string) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if !sess.State.IsLive() {
		return errors.NewSessionError("cannot activate a session that is shutting down", errors.ErrInvalidInput).
			WithSessionID(id)
	}
	m.setActive(id)
	return nil
}

// GetActive returns the active session id. ok is false when none is active.
func (m *Manager) GetActive() (id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

func (m *Manager) setActive(id string) {
	m.mu.Lock()
	prev := m.active
	m.active = id
	m.mu.Unlock()
	if prev != id {
		m.logger.Info("active session changed", "previous", prev, "current", id)
		m.publishActive(prev, id)
	}
}

func (m *Manager) publishActive(prev, cur string) {
	m.bus.Publish(event.NewActiveSessionChangedEvent(prev, cur))
}

// targetID maps an empty target to the active session.
func (m *Manager) targetID(target string) (string, error) {
	if target != "" {
		return target, nil
	}
	id, ok := m.GetActive()
	if !ok {
		return "", errors.ErrNoActiveSession
	}
	return id, nil
}

// SendToSession sends a notification with the given method and payload to
// every agent attached to the session (the active one when id is empty) and
// returns how many connections accepted it.
func (m *Manager) SendToSession(id, method string, payload json.RawMessage) (int, error) {
	id, err := m.targetID(id)
	if err != nil {
		return 0, err
	}
	srv, ok := m.serverFor(id)
	if !ok {
		if _, err := m.store.Get(id); err != nil {
			return 0, err
		}
		return 0, errors.NewSessionError("session has no running server", errors.ErrServerStopped).WithSessionID(id)
	}
	if method == "" {
		return 0, errors.NewValidationError("method must not be empty").WithField("method")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return 0, errors.NewValidationError("payload is not valid JSON").WithField("payload")
	}
	msg, err := protocol.NewNotification(method, payload)
	if err != nil {
		return 0, err
	}
	n, err := srv.Broadcast(msg)
	if err != nil {
		return 0, err
	}
	m.touch(id, "")
	return n, nil
}

// SendTo sends msg to one connection of a session.
func (m *Manager) SendTo(id, connID string, msg *protocol.Message) error {
	srv, ok := m.serverFor(id)
	if !ok {
		if _, err := m.store.Get(id); err != nil {
			return err
		}
		return errors.NewSessionError("session has no running server", errors.ErrServerStopped).WithSessionID(id)
	}
	if err := srv.Send(connID, msg); err != nil {
		return err
	}
	m.touch(id, "")
	return nil
}

// Messages returns the queue of inbound agent messages for a session.
func (m *Manager) Messages(id string) (*router.Queue, error) {
	q, ok := m.router.Queue(id)
	if !ok {
		if _, err := m.store.Get(id); err != nil {
			return nil, err
		}
		return nil, errors.NewSessionError("session has no inbound queue", errors.ErrServerStopped).WithSessionID(id)
	}
	return q, nil
}

// AgentEnv returns the environment an agent needs to connect to the session
// (the active one when id is empty). It contains only that session's values.
func (m *Manager) AgentEnv(id string) ([]string, error) {
	id, err := m.targetID(id)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Port == 0 {
		return nil, errors.NewSessionError("session has no port yet", errors.ErrInvalidInput).WithSessionID(id)
	}
	return agent.Env(sess.ID, sess.Workdir, sess.Port), nil
}

// SessionForPath returns the session whose workdir owns path: the session
// for path's resolved worktree if there is one, otherwise the registered
// session with the deepest workdir containing path.
func (m *Manager) SessionForPath(path string) (*session.Session, error) {
	canonical, err := worktree.Canonical(path)
	if err != nil {
		return nil, err
	}
	if root, err := m.resolver.Resolve(canonical); err == nil {
		if sess, err := m.store.GetByWorkdir(root); err == nil {
			return sess, nil
		}
	}

	var best *session.Session
	for _, s := range m.store.GetAll() {
		if worktree.IsWithin(s.Workdir, canonical) && (best == nil || len(s.Workdir) > len(best.Workdir)) {
			best = s
		}
	}
	if best == nil {
		return nil, errors.NewNotFoundError("session for path", path).WithCause(errors.ErrSessionNotFound)
	}
	return best, nil
}

// Sweep removes stale discovery records left by dead hosts.
func (m *Manager) Sweep() ([]discovery.Record, error) {
	return m.pub.SweepStale()
}

func (m *Manager) touch(id, connID string) {
	_ = m.store.Touch(id, connID)
}
