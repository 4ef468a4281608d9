package session

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/event"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
)

// Store is the registry of sessions keyed by id, with a secondary index by
// canonical workdir. It holds its lock only for in-memory updates; events are
// published after the lock is released.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	byWorkdir map[string]string
	// gone is closed when the session with that id is unregistered.
	gone map[string]chan struct{}

	limit  int
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLimit caps the number of registered sessions. Zero means unlimited.
func WithLimit(n int) StoreOption {
	return func(s *Store) {
		s.limit = n
	}
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus *event.Bus) StoreOption {
	return func(s *Store) {
		s.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions:  make(map[string]*Session),
		byWorkdir: make(map[string]string),
		gone:      make(map[string]chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("store")
	return s
}

// Register adds sess to the registry in StateCreated and returns a copy of
// what was stored. An empty ID is replaced with a fresh UUID.
//
// Register fails with ErrWorkdirClaimed if any registered session (whatever
// its state) holds the same workdir, and with ErrLimitExceeded if the store
// already holds limit live sessions. Sessions being torn down do not count
// toward the limit. The limit check and the insert happen under one lock.
func (s *Store) Register(sess Session) (*Session, error) {
	if strings.TrimSpace(sess.Workdir) == "" {
		return nil, errors.NewValidationError("workdir must not be empty").WithField("workdir")
	}

	stored := sess.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now()
	stored.State = StateCreated
	stored.CreatedAt = now
	stored.LastActivityAt = now
	stored.Connections = nil
	stored.LastError = ""
	if stored.PID == 0 {
		stored.PID = os.Getpid()
	}

	s.mu.Lock()
	if _, exists := s.sessions[stored.ID]; exists {
		s.mu.Unlock()
		return nil, errors.NewSessionError("duplicate session id", errors.ErrInvalidInput).
			WithSessionID(stored.ID)
	}
	if owner, claimed := s.byWorkdir[stored.Workdir]; claimed {
		s.mu.Unlock()
		return nil, errors.NewSessionError("register", errors.ErrWorkdirClaimed).
			WithSessionID(owner).
			WithWorkdir(stored.Workdir)
	}
	if count := s.liveCount(); s.limit > 0 && count >= s.limit {
		s.mu.Unlock()
		s.logger.Warn("session limit reached", "limit", s.limit, "registered", count, "workdir", stored.Workdir)
		return nil, errors.NewSessionError(fmt.Sprintf("%d of %d sessions in use", count, s.limit), errors.ErrLimitExceeded).
			WithWorkdir(stored.Workdir)
	}
	s.sessions[stored.ID] = stored
	s.byWorkdir[stored.Workdir] = stored.ID
	s.gone[stored.ID] = make(chan struct{})
	out := stored.Clone()
	s.mu.Unlock()

	s.logger.Info("session registered", "session_id", out.ID, "workdir", out.Workdir, "port", out.Port)
	s.publish(event.NewSessionCreatedEvent(out.ID, out.Workdir, out.Port))
	return out, nil
}

// liveCount returns the number of sessions in a live state. The caller holds
// s.mu.
func (s *Store) liveCount() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.State.IsLive() {
			n++
		}
	}
	return n
}

// Unregister removes the session and returns its final descriptor.
func (s *Store) Unregister(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	delete(s.sessions, id)
	if s.byWorkdir[sess.Workdir] == id {
		delete(s.byWorkdir, sess.Workdir)
	}
	if ch, ok := s.gone[id]; ok {
		close(ch)
		delete(s.gone, id)
	}
	s.mu.Unlock()

	s.logger.Info("session unregistered", "session_id", id, "state", sess.State.String())
	s.publish(event.NewSessionDestroyedEvent(sess.ID, sess.Workdir, sess.Port, sess.State.String()))
	return sess, nil
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return sess.Clone(), nil
}

// GetByWorkdir returns a copy of the session registered for workdir.
func (s *Store) GetByWorkdir(workdir string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byWorkdir[workdir]
	if !ok {
		return nil, errors.NewNotFoundError("workdir", workdir)
	}
	return s.sessions[id].Clone(), nil
}

// GetAll returns copies of every session ordered by creation time.
func (s *Store) GetAll() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetState moves the session to the given state if the state machine allows
// it, returning the previous state. Illegal moves fail with a TransitionError
// wrapping ErrInvalidTransition and leave the session unchanged.
func (s *Store) SetState(id string, to State) (State, error) {
	return s.transition(id, to, "")
}

// Fail moves the session to StateError and records cause.
func (s *Store) Fail(id string, cause error) (State, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(id, StateError, msg)
}

func (s *Store) transition(id string, to State, lastError string) (State, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return "", notFound(id)
	}
	from := sess.State
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		err := errors.NewTransitionError(id, from.String(), to.String())
		s.logger.Warn("rejected state transition", "session_id", id, "from", from.String(), "to", to.String())
		return from, err
	}
	sess.State = to
	if lastError != "" {
		sess.LastError = lastError
	}
	s.mu.Unlock()

	s.logger.Debug("session state changed", "session_id", id, "from", from.String(), "to", to.String())
	s.publish(event.NewSessionStateChangedEvent(id, from.String(), to.String()))
	return from, nil
}

// SetPort records the port the session server is bound to.
func (s *Store) SetPort(id string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	sess.Port = port
	return nil
}

// SetAuthToken records the token agents must present during the handshake.
func (s *Store) SetAuthToken(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	sess.AuthToken = token
	return nil
}

// AddConnection attaches conn to the session and returns the new count.
func (s *Store) AddConnection(id string, conn Connection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, notFound(id)
	}
	if _, exists := sess.Connection(conn.ID); exists {
		return len(sess.Connections), nil
	}
	now := s.now()
	if conn.AttachedAt.IsZero() {
		conn.AttachedAt = now
	}
	if conn.LastSeenAt.IsZero() {
		conn.LastSeenAt = conn.AttachedAt
	}
	sess.Connections = append(sess.Connections, conn)
	sess.LastActivityAt = now
	return len(sess.Connections), nil
}

// RemoveConnection detaches the connection and returns the remaining count.
// Removing an unknown connection fails with ErrConnectionNotFound.
func (s *Store) RemoveConnection(id, connID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, notFound(id)
	}
	idx := slices.IndexFunc(sess.Connections, func(c Connection) bool { return c.ID == connID })
	if idx < 0 {
		return len(sess.Connections), errors.NewNotFoundError("connection", connID).WithCause(errors.ErrConnectionNotFound)
	}
	sess.Connections = slices.Delete(sess.Connections, idx, idx+1)
	return len(sess.Connections), nil
}

// Touch records activity on the session and, if connID is set, on that connection.
func (s *Store) Touch(id, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	now := s.now()
	sess.LastActivityAt = now
	if connID == "" {
		return nil
	}
	for i := range sess.Connections {
		if sess.Connections[i].ID == connID {
			sess.Connections[i].LastSeenAt = now
			break
		}
	}
	return nil
}

// AwaitRemoval blocks until the session is unregistered or ctx is done.
// It returns nil immediately if the session is not registered.
func (s *Store) AwaitRemoval(ctx context.Context, id string) error {
	s.mu.RLock()
	ch, ok := s.gone[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for session %s to unregister", id)
	}
}

func (s *Store) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func notFound(id string) error {
	return errors.NewNotFoundError("session", id).WithCause(errors.ErrSessionNotFound)
}
