// Package router delivers inbound agent messages from session servers to
// consumers without ever blocking a server's read loop.
//
// Each session gets one unbounded FIFO [Queue]. Servers push frames as they
// arrive; consumers pop them in arrival order at their own pace. The
// [Router] maps session ids to queues and is shared between the instance
// manager and every session server it starts.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/protocol"
)

// ErrClosed is returned by Push on a closed queue and by Pop once a closed
// queue has been drained.
var ErrClosed = errors.New("queue closed")

// Inbound is one message received from an agent connection.
type Inbound struct {
	SessionID    string
	ConnectionID string
	Message      *protocol.Message
	ReceivedAt   time.Time
}

// Queue is an unbounded FIFO of inbound messages. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []Inbound
	closed bool
	// ready holds a token while items is non-empty or the queue is closed.
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends msg to the queue.
func (q *Queue) Push(msg Inbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, msg)
	q.signal()
	return nil
}

// Pop removes and returns the oldest message, waiting until one is available,
// the queue is closed and empty, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Inbound, error) {
	for {
		if msg, ok, err := q.TryPop(); ok || err != nil {
			return msg, err
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		}
	}
}

// TryPop returns the oldest message without waiting. ok is false when the
// queue is empty; err is ErrClosed when it is also closed.
func (q *Queue) TryPop() (msg Inbound, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		if q.closed {
			q.signal()
			return Inbound{}, false, ErrClosed
		}
		return Inbound{}, false, nil
	}
	msg = q.items[0]
	q.items[0] = Inbound{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return msg, true, nil
}

// Drain removes and returns every queued message.
func (q *Queue) Drain() []Inbound {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further pushes. Messages already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// signal leaves a wake-up token for one waiter. Callers hold q.mu.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
