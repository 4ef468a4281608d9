// Package control exposes a running host's session operations to the CLI
// over a Unix socket.
//
// The wire format is newline-delimited JSON: the client writes one Request
// per line and reads exactly one Response line back. A connection may carry
// any number of requests in sequence. Failed operations carry the error
// taxonomy code so the client can rebuild an error that still matches
// errors.Is and maps to the same exit code.
package control

import (
	"encoding/json"
	"time"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/instance"
)

// Op names a control operation.
type Op string

const (
	OpPing   Op = "ping"
	OpCreate Op = "create"
	OpList   Op = "list"
	OpKill   Op = "kill"
	OpSwitch Op = "switch"
	OpActive Op = "active"
	OpSend   Op = "send"
	OpEnv    Op = "env"
	OpLaunch Op = "launch"
	OpLookup Op = "lookup"
	OpSweep  Op = "sweep"
)

// Socket timeouts.
const (
	// ReadTimeout bounds how long an idle connection is kept open.
	ReadTimeout = 5 * time.Minute
	// WriteTimeout bounds a single response write.
	WriteTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds how long one operation may run.
	DefaultRequestTimeout = 30 * time.Second
)

// maxLine bounds a single request line; send payloads can be large.
const maxLine = 16 << 20

// Request is one control call.
type Request struct {
	Op          Op              `json:"op"`
	SessionID   string          `json:"sessionId,omitempty"`
	Path        string          `json:"path,omitempty"`
	Method      string          `json:"method,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	LaunchAgent bool            `json:"launchAgent,omitempty"`
	Activate    bool            `json:"activate,omitempty"`
	ParentPort  int             `json:"parentPort,omitempty"`
}

// Response answers one Request. Only the fields relevant to the op are set.
type Response struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	Session   *instance.Info  `json:"session,omitempty"`
	Sessions  []instance.Info `json:"sessions,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Killed    []string        `json:"killed,omitempty"`
	Delivered int             `json:"delivered,omitempty"`
	Env       []string        `json:"env,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Removed   int             `json:"removed,omitempty"`
	PID       int             `json:"pid,omitempty"`
}

// Err rebuilds the error a failed response carries.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	return errors.FromCode(r.Code, r.Error)
}

func failure(err error) Response {
	return Response{Code: errors.Code(err), Error: err.Error()}
}
