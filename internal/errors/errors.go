// Package errors provides centralized error definitions and error handling utilities
// for the claudio-ide session host. It defines the session-core error taxonomy,
// domain error types with context builders, and classification helpers used to
// turn an error into a log severity, a control-socket error code, or a CLI
// exit code.
//
// # Taxonomy
//
//   - ErrPortExhausted: no free port after bounded retries
//   - ErrBindFailed: a reserved port could not be bound by the session server
//   - ErrLimitExceeded: the configured concurrent-session cap was reached
//   - ErrNotFound: an operation referenced an unknown session id or workdir
//   - ErrInvalidTransition: a lifecycle state machine violation (caller bug)
//   - ErrStaleDiscovery: an orphaned discovery record (recovered, never surfaced)
//
// IsRetryable decides whether session creation tries another port, and
// GetSeverity picks the log level a failed control request is reported at.
//
// # Usage
//
//	err := errors.NewPortError("bind failed", errors.ErrBindFailed).WithPort(41233)
//	if errors.Is(err, errors.ErrBindFailed) { ... }
//
//	os.Exit(errors.ExitCode(err))
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session core taxonomy
var (
	// ErrPortExhausted indicates no free port was found after the bounded number of attempts.
	ErrPortExhausted = New("port exhausted")
	// ErrBindFailed indicates the session server could not bind its reserved port.
	ErrBindFailed = New("bind failed")
	// ErrLimitExceeded indicates the configured maximum concurrent session count was reached.
	ErrLimitExceeded = New("session limit exceeded")
	// ErrNotFound indicates an unknown session id or workdir.
	ErrNotFound = New("not found")
	// ErrInvalidTransition indicates a rejected session state transition.
	ErrInvalidTransition = New("invalid state transition")
	// ErrStaleDiscovery marks a discovery record whose host process is gone.
	ErrStaleDiscovery = New("stale discovery record")
)

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	// ErrWorkdirClaimed indicates another registered session already owns the workdir.
	ErrWorkdirClaimed = New("workdir already claimed by another session")
	// ErrNoConnection indicates a session has no attached agent connection.
	ErrNoConnection = New("session has no attached connection")
	// ErrConnectionNotFound indicates a connection id is not attached to the session.
	ErrConnectionNotFound = fmt.Errorf("connection %w", ErrNotFound)
	// ErrServerStopped indicates the session server has been stopped.
	ErrServerStopped = New("session server stopped")
	// ErrHandshakeFailed indicates a client failed the connection handshake.
	ErrHandshakeFailed = New("handshake failed")
	// ErrNoActiveSession indicates no session is currently active.
	ErrNoActiveSession = New("no active session")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// HostError is the base interface for all claudio-ide errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type HostError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "prefix [k=v, ...]: message: cause".
func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents errors related to session lifecycle management.
//
// Example:
//
//	err := errors.NewSessionError("create failed", errors.ErrLimitExceeded)
//	err = err.WithSessionID("abc123").WithWorkdir("/repo/main")
//	fmt.Println(err) // "session error [session=abc123, workdir=/repo/main]: create failed: session limit exceeded"
type SessionError struct {
	baseError
	SessionID string
	Workdir   string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithWorkdir adds the workdir to the error context.
func (e *SessionError) WithWorkdir(workdir string) *SessionError {
	e.Workdir = workdir
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	if e.Workdir != "" {
		parts = append(parts, "workdir="+e.Workdir)
	}
	return e.format("session error", parts)
}

// PortError represents errors from port allocation and binding.
//
// Example:
//
//	err := errors.NewPortError("listen failed", errors.ErrBindFailed).WithPort(41233)
type PortError struct {
	baseError
	Port     int
	Attempts int
}

// NewPortError creates a new PortError. Port errors are retryable: a later
// attempt may find the port (or another port) free.
func NewPortError(message string, cause error) *PortError {
	return &PortError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithPort adds the port number to the error context.
func (e *PortError) WithPort(port int) *PortError {
	e.Port = port
	return e
}

// WithAttempts records how many ports were probed.
func (e *PortError) WithAttempts(n int) *PortError {
	e.Attempts = n
	return e
}

// Error returns the formatted error message.
func (e *PortError) Error() string {
	var parts []string
	if e.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", e.Port))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return e.format("port error", parts)
}

// TransitionError reports a rejected lifecycle transition. It always wraps
// ErrInvalidTransition and indicates a caller bug.
type TransitionError struct {
	baseError
	SessionID string
	From      string
	To        string
}

// NewTransitionError creates a TransitionError for the given states.
func NewTransitionError(sessionID, from, to string) *TransitionError {
	return &TransitionError{
		baseError: baseError{
			message:  fmt.Sprintf("%s -> %s", from, to),
			cause:    ErrInvalidTransition,
			severity: SeverityWarning,
		},
		SessionID: sessionID,
		From:      from,
		To:        to,
	}
}

// Error returns the formatted error message.
func (e *TransitionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	return e.format("transition error", parts)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session not found: abc123"
type NotFoundError struct {
	ResourceType string
	ResourceID   string
	cause        error
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
}

// Unwrap returns the cause, defaulting to ErrNotFound so that
// errors.Is(err, ErrNotFound) holds for every NotFoundError.
func (e *NotFoundError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrNotFound
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("workdir must not be empty").WithField("workdir")
type ValidationError struct {
	Message string
	Field   string
	Value   any
	cause   error
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	msg := "validation error"
	if e.Field != "" {
		msg += fmt.Sprintf(" [field=%s]", e.Field)
	}
	msg += ": " + e.Message
	if e.Value != nil {
		msg += fmt.Sprintf(" (got: %v)", e.Value)
	}
	return msg
}

// Unwrap returns ErrInvalidInput so validation failures match that sentinel.
func (e *ValidationError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrInvalidInput
}

// TimeoutError represents an operation that did not finish within its
// deadline, such as a control request.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var hostErr HostError
	if As(err, &hostErr) {
		return hostErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrPortExhausted) || Is(err, ErrBindFailed)
}

// GetSeverity returns the severity level of the error. Lookups of unknown
// ids and rejected input are caller mistakes and rank as info; timeouts rank
// as warnings. Anything else that is not a HostError is SeverityError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var hostErr HostError
	if As(err, &hostErr) {
		return hostErr.Severity()
	}
	switch {
	case Is(err, ErrNotFound), Is(err, ErrInvalidInput):
		return SeverityInfo
	case Is(err, ErrTimeout):
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Error codes shared by the control socket and the CLI.
const (
	CodeOK                = "ok"
	CodeNotFound          = "not_found"
	CodeLimitExceeded     = "limit_exceeded"
	CodePortExhausted     = "port_exhausted"
	CodeBindFailed        = "bind_failed"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidInput      = "invalid_input"
	CodeTimeout           = "timeout"
	CodeInternal          = "internal"
)

// Exit codes for CLI-style entry points.
const (
	ExitOK            = 0
	ExitInternal      = 1
	ExitNotFound      = 2
	ExitLimitExceeded = 3
	ExitPortExhausted = 4
	ExitBindFailed    = 5
)

// Code classifies err into one of the taxonomy codes.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case Is(err, ErrNotFound):
		return CodeNotFound
	case Is(err, ErrLimitExceeded):
		return CodeLimitExceeded
	case Is(err, ErrPortExhausted):
		return CodePortExhausted
	case Is(err, ErrBindFailed):
		return CodeBindFailed
	case Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// FromCode rebuilds a taxonomy error from a wire code and message, so that
// errors.Is keeps working on the client side of the control socket.
func FromCode(code, message string) error {
	var sentinel error
	switch code {
	case CodeOK:
		return nil
	case CodeNotFound:
		sentinel = ErrNotFound
	case CodeLimitExceeded:
		sentinel = ErrLimitExceeded
	case CodePortExhausted:
		sentinel = ErrPortExhausted
	case CodeBindFailed:
		sentinel = ErrBindFailed
	case CodeInvalidTransition:
		sentinel = ErrInvalidTransition
	case CodeInvalidInput:
		sentinel = ErrInvalidInput
	case CodeTimeout:
		sentinel = ErrTimeout
	default:
		return New(message)
	}
	return &remoteError{message: message, sentinel: sentinel}
}

type remoteError struct {
	message  string
	sentinel error
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return e.sentinel }

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	switch Code(err) {
	case CodeOK:
		return ExitOK
	case CodeNotFound:
		return ExitNotFound
	case CodeLimitExceeded:
		return ExitLimitExceeded
	case CodePortExhausted:
		return ExitPortExhausted
	case CodeBindFailed:
		return ExitBindFailed
	default:
		return ExitInternal
	}
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
