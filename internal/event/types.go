package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.created")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeSessionCreated        = "session.created"
	TypeSessionStateChanged   = "session.state_changed"
	TypeSessionDestroyed      = "session.destroyed"
	TypeActiveSessionChanged  = "session.active_changed"
	TypeConnectionAttached    = "connection.attached"
	TypeConnectionDetached    = "connection.detached"
	TypeStaleDiscoveryRemoved = "discovery.stale_removed"
	TypeDiscoveryRepublished  = "discovery.republished"
)

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// SessionCreatedEvent is emitted when a session is registered.
type SessionCreatedEvent struct {
	baseEvent
	SessionID string
	Workdir   string
	Port      int
}

// NewSessionCreatedEvent creates a SessionCreatedEvent.
func NewSessionCreatedEvent(sessionID, workdir string, port int) SessionCreatedEvent {
	return SessionCreatedEvent{
		baseEvent: newBaseEvent(TypeSessionCreated),
		SessionID: sessionID,
		Workdir:   workdir,
		Port:      port,
	}
}

// SessionStateChangedEvent is emitted after every accepted state transition.
// States are carried as strings so this package stays below session.
type SessionStateChangedEvent struct {
	baseEvent
	SessionID string
	From      string
	To        string
}

// NewSessionStateChangedEvent creates a SessionStateChangedEvent.
func NewSessionStateChangedEvent(sessionID, from, to string) SessionStateChangedEvent {
	return SessionStateChangedEvent{
		baseEvent: newBaseEvent(TypeSessionStateChanged),
		SessionID: sessionID,
		From:      from,
		To:        to,
	}
}

// SessionDestroyedEvent is emitted once a session is unregistered.
type SessionDestroyedEvent struct {
	baseEvent
	SessionID  string
	Workdir    string
	Port       int
	FinalState string
}

// NewSessionDestroyedEvent creates a SessionDestroyedEvent.
func NewSessionDestroyedEvent(sessionID, workdir string, port int, finalState string) SessionDestroyedEvent {
	return SessionDestroyedEvent{
		baseEvent:  newBaseEvent(TypeSessionDestroyed),
		SessionID:  sessionID,
		Workdir:    workdir,
		Port:       port,
		FinalState: finalState,
	}
}

// ActiveSessionChangedEvent is emitted when the default-target session changes.
// An empty ID means no session.
type ActiveSessionChangedEvent struct {
	baseEvent
	PreviousID string
	CurrentID  string
}

// NewActiveSessionChangedEvent creates an ActiveSessionChangedEvent.
func NewActiveSessionChangedEvent(previousID, currentID string) ActiveSessionChangedEvent {
	return ActiveSessionChangedEvent{
		baseEvent:  newBaseEvent(TypeActiveSessionChanged),
		PreviousID: previousID,
		CurrentID:  currentID,
	}
}

// -----------------------------------------------------------------------------
// Connection Events
// -----------------------------------------------------------------------------

// ConnectionAttachedEvent is emitted when an agent completes the handshake.
type ConnectionAttachedEvent struct {
	baseEvent
	SessionID    string
	ConnectionID string
	RemoteAddr   string
}

// NewConnectionAttachedEvent creates a ConnectionAttachedEvent.
func NewConnectionAttachedEvent(sessionID, connectionID, remoteAddr string) ConnectionAttachedEvent {
	return ConnectionAttachedEvent{
		baseEvent:    newBaseEvent(TypeConnectionAttached),
		SessionID:    sessionID,
		ConnectionID: connectionID,
		RemoteAddr:   remoteAddr,
	}
}

// ConnectionDetachedEvent is emitted when a connection goes away.
type ConnectionDetachedEvent struct {
	baseEvent
	SessionID    string
	ConnectionID string
	// Reason is "closed", "heartbeat_timeout", "transport_error" or "server_stopped"
	Reason string
	// Remaining is the session's connection count after the detach
	Remaining int
}

// NewConnectionDetachedEvent creates a ConnectionDetachedEvent.
func NewConnectionDetachedEvent(sessionID, connectionID, reason string, remaining int) ConnectionDetachedEvent {
	return ConnectionDetachedEvent{
		baseEvent:    newBaseEvent(TypeConnectionDetached),
		SessionID:    sessionID,
		ConnectionID: connectionID,
		Reason:       reason,
		Remaining:    remaining,
	}
}

// -----------------------------------------------------------------------------
// Discovery Events
// -----------------------------------------------------------------------------

// StaleDiscoveryRemovedEvent is emitted when the sweeper deletes an orphaned record.
type StaleDiscoveryRemovedEvent struct {
	baseEvent
	Path      string
	SessionID string
	Port      int
	PID       int
}

// NewStaleDiscoveryRemovedEvent creates a StaleDiscoveryRemovedEvent.
func NewStaleDiscoveryRemovedEvent(path, sessionID string, port, pid int) StaleDiscoveryRemovedEvent {
	return StaleDiscoveryRemovedEvent{
		baseEvent: newBaseEvent(TypeStaleDiscoveryRemoved),
		Path:      path,
		SessionID: sessionID,
		Port:      port,
		PID:       pid,
	}
}

// DiscoveryRepublishedEvent is emitted when a live session's record had to be rewritten.
type DiscoveryRepublishedEvent struct {
	baseEvent
	SessionID string
	Path      string
}

// NewDiscoveryRepublishedEvent creates a DiscoveryRepublishedEvent.
func NewDiscoveryRepublishedEvent(sessionID, path string) DiscoveryRepublishedEvent {
	return DiscoveryRepublishedEvent{
		baseEvent: newBaseEvent(TypeDiscoveryRepublished),
		SessionID: sessionID,
		Path:      path,
	}
}
