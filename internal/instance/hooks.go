package instance

import (
	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/event"
	"github.com/Iron-Ham/claudio-ide/internal/server"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// hooks feeds one server's connection changes back into the store. A
// session whose last connection is lost abnormally becomes degraded; the
// next attach brings it back to running. A clean close leaves it running.
func (m *Manager) hooks(id string) server.Hooks {
	log := m.logger.WithSession(id)
	return server.Hooks{
		OnAttach: func(c session.Connection) {
			count, err := m.store.AddConnection(id, c)
			if err != nil {
				log.Debug("attach for unknown session", "connection_id", c.ID, "error", err.Error())
				return
			}
			if sess, err := m.store.Get(id); err == nil && sess.State == session.StateDegraded {
				m.transition(id, session.StateRunning)
			}
			log.Info("agent attached", "connection_id", c.ID, "connections", count)
			m.bus.Publish(event.NewConnectionAttachedEvent(id, c.ID, c.RemoteAddr))
		},

		OnDetach: func(connID string, reason server.Reason) {
			remaining, err := m.store.RemoveConnection(id, connID)
			if err != nil && !errors.Is(err, errors.ErrConnectionNotFound) {
				log.Debug("detach for unknown session", "connection_id", connID, "error", err.Error())
				return
			}
			if remaining == 0 && reason.Abnormal() {
				if sess, err := m.store.Get(id); err == nil && sess.State == session.StateRunning {
					m.transition(id, session.StateDegraded)
				}
			}
			m.bus.Publish(event.NewConnectionDetachedEvent(id, connID, reason.String(), remaining))
		},

		OnActivity: func(connID string) {
			m.touch(id, connID)
		},
	}
}

// transition applies a connection-driven state change. Losing a race with
// teardown is expected and only logged.
func (m *Manager) transition(id string, to session.State) {
	if _, err := m.store.SetState(id, to); err != nil {
		m.logger.Debug("connection state change skipped", "session_id", id, "to", to.String(), "error", err.Error())
	}
}
