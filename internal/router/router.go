package router

import (
	"sync"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
)

// Router owns one Queue per session.
type Router struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	logger *logging.Logger
}

// New creates an empty Router.
func New(logger *logging.Logger) *Router {
	return &Router{
		queues: make(map[string]*Queue),
		logger: logging.OrNop(logger).WithComponent("router"),
	}
}

// Open returns the queue for sessionID, creating it if needed. A queue left
// closed by an earlier session with the same id is replaced.
func (r *Router) Open(sessionID string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[sessionID]; ok && !q.Closed() {
		return q
	}
	q := NewQueue()
	r.queues[sessionID] = q
	return q
}

// Close closes and forgets the queue for sessionID. Undelivered messages are
// returned so the caller can log them.
func (r *Router) Close(sessionID string) []Inbound {
	r.mu.Lock()
	q, ok := r.queues[sessionID]
	delete(r.queues, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	q.Close()
	dropped := q.Drain()
	if len(dropped) > 0 {
		r.logger.Debug("dropped undelivered messages", "session_id", sessionID, "count", len(dropped))
	}
	return dropped
}

// Deliver queues msg for its session.
func (r *Router) Deliver(msg Inbound) error {
	q, ok := r.Queue(msg.SessionID)
	if !ok {
		return errors.NewNotFoundError("session queue", msg.SessionID).WithCause(errors.ErrSessionNotFound)
	}
	return q.Push(msg)
}

// Queue returns the open queue for sessionID.
func (r *Router) Queue(sessionID string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[sessionID]
	return q, ok
}

// Pending returns the number of queued messages per session.
func (r *Router) Pending() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.queues))
	for id, q := range r.queues {
		out[id] = q.Len()
	}
	return out
}
