// Package event provides a synchronous pub-sub bus for session host
// lifecycle notifications.
//
// The session store, the per-session servers and the instance manager
// publish events here; the CLI, the discovery watcher and tests subscribe.
// Handlers run on the publisher's goroutine, after the publisher has released
// its own locks, so a handler may call back into the publisher.
//
// # Event Types
//
//   - session.created, session.state_changed, session.destroyed
//   - session.active_changed
//   - connection.attached, connection.detached
//   - discovery.stale_removed, discovery.republished
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//
//	bus.Subscribe(event.TypeSessionStateChanged, func(e event.Event) {
//	    changed := e.(event.SessionStateChangedEvent)
//	    fmt.Printf("%s: %s -> %s\n", changed.SessionID, changed.From, changed.To)
//	})
//
//	bus.SubscribeAll(func(e event.Event) {
//	    logger.Debug("event", "type", e.EventType())
//	})
//
// A handler that panics is recovered and logged; delivery continues with
// the next handler.
package event
