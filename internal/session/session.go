// Package session holds the in-memory registry of live IDE sessions.
//
// A Session is one worktree slot: a canonical working directory, the port
// its server listens on, its lifecycle state and the agent connections
// currently attached to it. The Store is the only component allowed to
// change a Session's state, and every read returns a copy so callers never
// alias the registry's data.
package session

import (
	"slices"
	"time"
)

// Connection describes an agent attached to a session server.
type Connection struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
	// LastSeenAt is refreshed by inbound messages and heartbeat pongs.
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Session is the descriptor of one worktree slot.
type Session struct {
	ID      string `json:"id"`
	Workdir string `json:"workdir"`
	Port    int    `json:"port"`
	State   State  `json:"state"`
	// AuthToken must be presented by agents during the handshake.
	AuthToken string `json:"-"`
	// PID is the host process that owns the session.
	PID            int          `json:"pid"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	Connections    []Connection `json:"connections,omitempty"`
	// LastError is set when the session enters StateError.
	LastError string `json:"lastError,omitempty"`
	// ParentPort is the port of the session that spawned this one, or 0.
	ParentPort int `json:"parentPort,omitempty"`
}

// ConnectedClients returns the number of attached connections.
func (s *Session) ConnectedClients() int {
	return len(s.Connections)
}

// IdleFor returns how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	if s.LastActivityAt.IsZero() {
		return now.Sub(s.CreatedAt)
	}
	return now.Sub(s.LastActivityAt)
}

// Connection returns the attached connection with the given id.
func (s *Session) Connection(id string) (Connection, bool) {
	for _, c := range s.Connections {
		if c.ID == id {
			return c, true
		}
	}
	return Connection{}, false
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Connections = slices.Clone(s.Connections)
	return &c
}
