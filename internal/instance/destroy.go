package instance

import (
	"context"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// KillAll is the KillSession target that destroys every session.
const KillAll = "all"

// DestroySession tears a session down: stop accepting, drain in-flight
// frames for up to the shutdown grace (or until ctx is done), force close
// what is left, stop its agent, release the port, retract discovery and
// unregister. Every step runs even if an earlier one failed; the failures
// are joined into the returned error and the session ends in StateError
// instead of StateStopped.
//
// Destroying a session that is already being destroyed waits for that
// teardown to finish.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}

	// A session still coming up is torn down once its creation settles.
	m.mu.Lock()
	ready := m.pending[id]
	m.mu.Unlock()
	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for session %s to start", id)
		}
		if sess, err = m.store.Get(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if done, busy := m.destroying[id]; busy {
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for session %s to stop", id)
		}
	}
	done := make(chan struct{})
	m.destroying[id] = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.destroying, id)
		m.mu.Unlock()
		close(done)
	}()

	return m.teardown(ctx, sess)
}

func (m *Manager) teardown(ctx context.Context, sess *session.Session) error {
	id := sess.ID
	log := m.logger.WithSession(id)
	log.Info("destroying session", "workdir", sess.Workdir, "port", sess.Port, "state", sess.State.String())

	var errs []error
	if sess.State.IsLive() {
		if _, err := m.store.SetState(id, session.StateStopping); err != nil {
			errs = append(errs, err)
		}
	}

	// 1-2: stop accepting, drain, force close.
	m.mu.Lock()
	srv := m.servers[id]
	delete(m.servers, id)
	h := m.agents[id]
	delete(m.agents, id)
	m.mu.Unlock()

	if srv != nil {
		graceCtx, cancel := context.WithTimeout(ctx, m.shutdownGrace())
		if err := srv.Stop(graceCtx); err != nil {
			errs = append(errs, errors.Wrap(err, "stop server"))
		}
		cancel()
	}
	if dropped := m.router.Close(id); len(dropped) > 0 {
		log.Warn("undelivered inbound messages discarded", "count", len(dropped))
	}
	if h != nil {
		if err := h.Stop(m.shutdownGrace()); err != nil {
			errs = append(errs, errors.Wrap(err, "stop agent"))
		}
	}

	// 3: release port.
	if sess.Port != 0 {
		m.alloc.Release(sess.Port)
	}

	// 4: retract discovery.
	if err := m.pub.Retract(id); err != nil {
		errs = append(errs, err)
	}

	// 5: final state, then unregister.
	var final error
	if len(errs) > 0 {
		final = errors.NewSessionError("destroy session", errors.Join(errs...)).WithSessionID(id)
		if _, err := m.store.Fail(id, final); err != nil {
			log.Debug("could not mark session failed", "error", err.Error())
		}
	} else if _, err := m.store.SetState(id, session.StateStopped); err != nil {
		log.Debug("could not mark session stopped", "error", err.Error())
	}

	m.mu.Lock()
	wasActive := m.active == id
	if wasActive {
		m.active = ""
	}
	m.mu.Unlock()
	if wasActive {
		m.publishActive(id, "")
	}

	if _, err := m.store.Unregister(id); err != nil && final == nil {
		final = err
	}

	if final != nil {
		log.Error("session destroyed with errors", "error", final.Error())
	} else {
		log.Info("session destroyed")
	}
	return final
}

// KillSession destroys one session, or every session when target is
// KillAll, and returns the ids it destroyed. An empty target means the
// active session.
func (m *Manager) KillSession(ctx context.Context, target string) ([]string, error) {
	if target != KillAll {
		id, err := m.targetID(target)
		if err != nil {
			return nil, err
		}
		if err := m.DestroySession(ctx, id); err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	all := m.store.GetAll()
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	err := forEach(ctx, ids, m.DestroySession)
	return ids, err
}
