package event

import (
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/claudio-ide/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// wildcard is the pseudo event type matched by every event.
const wildcard = "*"

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus is a synchronous pub-sub event bus. The store, server and manager
// report lifecycle changes on it without knowing who is listening.
//
// The subscription list is copy-on-write: Publish reads an immutable
// snapshot, so handlers may subscribe or unsubscribe while being called.
type Bus struct {
	mu     sync.Mutex // serializes writers of subs
	subs   atomic.Pointer[[]subscription]
	nextID atomic.Uint64
	logger *logging.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger routes handler panics to logger instead of discarding them.
func WithLogger(logger *logging.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{}
	b.subs.Store(&[]subscription{})
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger).WithComponent("event")
	return b
}

func (b *Bus) snapshot() []subscription {
	return *b.subs.Load()
}

// update replaces the subscription list with fn's result.
func (b *Bus) update(fn func([]subscription) []subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := fn(slices.Clone(b.snapshot()))
	b.subs.Store(&next)
}

// Subscribe registers a handler for one event type and returns an ID for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 36)
	b.update(func(subs []subscription) []subscription {
		return append(subs, subscription{id: id, eventType: eventType, handler: handler})
	})
	return id
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	found := false
	b.update(func(subs []subscription) []subscription {
		return slices.DeleteFunc(subs, func(s subscription) bool {
			if s.id == id {
				found = true
				return true
			}
			return false
		})
	})
	return found
}

// Publish calls the handlers of the event's type in registration order, then
// the wildcard handlers. A panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	subs := b.snapshot()
	eventType := e.EventType()
	for _, s := range subs {
		if s.eventType == eventType {
			b.safeCall(s.handler, e)
		}
	}
	for _, s := range subs {
		if s.eventType == wildcard {
			b.safeCall(s.handler, e)
		}
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.update(func([]subscription) []subscription { return nil })
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	return len(b.snapshot())
}
