package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "ports.min")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidTransports returns the transports a discovery record may advertise
func ValidTransports() []string {
	return []string{"ws"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePorts()...)
	errors = append(errors, c.validateSessions()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateDiscovery()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateControl()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validatePorts validates the PortsConfig
func (c *Config) validatePorts() []ValidationError {
	var errors []ValidationError

	if c.Ports.Min < 1024 || c.Ports.Min > 65535 {
		errors = append(errors, ValidationError{
			Field:   "ports.min",
			Value:   c.Ports.Min,
			Message: "must be between 1024 and 65535",
		})
	}
	if c.Ports.Max < 1024 || c.Ports.Max > 65535 {
		errors = append(errors, ValidationError{
			Field:   "ports.max",
			Value:   c.Ports.Max,
			Message: "must be between 1024 and 65535",
		})
	}
	if c.Ports.Max < c.Ports.Min {
		errors = append(errors, ValidationError{
			Field:   "ports.max",
			Value:   c.Ports.Max,
			Message: fmt.Sprintf("must not be less than ports.min (%d)", c.Ports.Min),
		})
	}
	if c.Ports.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "ports.max_attempts",
			Value:   c.Ports.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if c.Ports.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "ports.host",
			Value:   c.Ports.Host,
			Message: "must not be empty",
		})
	}

	return errors
}

// validateSessions validates the SessionsConfig
func (c *Config) validateSessions() []ValidationError {
	var errors []ValidationError

	if c.Sessions.MaxConcurrent < 0 {
		errors = append(errors, ValidationError{
			Field:   "sessions.max_concurrent",
			Value:   c.Sessions.MaxConcurrent,
			Message: "must be non-negative (0 means unlimited)",
		})
	}
	if c.Sessions.ShutdownGraceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "sessions.shutdown_grace_ms",
			Value:   c.Sessions.ShutdownGraceMs,
			Message: "must be non-negative",
		})
	}

	const maxGraceMs = 60_000
	if c.Sessions.ShutdownGraceMs > maxGraceMs {
		errors = append(errors, ValidationError{
			Field:   "sessions.shutdown_grace_ms",
			Value:   c.Sessions.ShutdownGraceMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxGraceMs),
		})
	}

	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.HeartbeatIntervalMs < 100 {
		errors = append(errors, ValidationError{
			Field:   "server.heartbeat_interval_ms",
			Value:   c.Server.HeartbeatIntervalMs,
			Message: "must be at least 100",
		})
	}
	if c.Server.HeartbeatTimeoutMs < 100 {
		errors = append(errors, ValidationError{
			Field:   "server.heartbeat_timeout_ms",
			Value:   c.Server.HeartbeatTimeoutMs,
			Message: "must be at least 100",
		})
	}
	if c.Server.SendBuffer < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.send_buffer",
			Value:   c.Server.SendBuffer,
			Message: "must be at least 1",
		})
	}
	if c.Server.MaxMessageBytes < 1024 {
		errors = append(errors, ValidationError{
			Field:   "server.max_message_bytes",
			Value:   c.Server.MaxMessageBytes,
			Message: "must be at least 1024",
		})
	}

	return errors
}

// validateDiscovery validates the DiscoveryConfig
func (c *Config) validateDiscovery() []ValidationError {
	var errors []ValidationError

	if c.Discovery.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "discovery.dir",
			Value:   c.Discovery.Dir,
			Message: "must not be empty",
		})
	}
	if !slices.Contains(ValidTransports(), c.Discovery.Transport) {
		errors = append(errors, ValidationError{
			Field:   "discovery.transport",
			Value:   c.Discovery.Transport,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTransports(), ", ")),
		})
	}

	return errors
}

// validateAgent validates the AgentConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.ContainsAny(c.Agent.Command, "\n\r") {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "must be a single line",
		})
	}

	return errors
}

// validateControl validates the ControlConfig
func (c *Config) validateControl() []ValidationError {
	var errors []ValidationError

	if c.Control.SocketPath != "" && !filepath.IsAbs(c.Control.SocketPath) {
		errors = append(errors, ValidationError{
			Field:   "control.socket_path",
			Value:   c.Control.SocketPath,
			Message: "must be an absolute path",
		})
	}

	// sockaddr_un caps the path at 108 bytes on Linux, 104 on macOS
	const maxSocketPath = 104
	if len(c.Control.SocketPath) >= maxSocketPath {
		errors = append(errors, ValidationError{
			Field:   "control.socket_path",
			Value:   c.Control.SocketPath,
			Message: fmt.Sprintf("must be shorter than %d bytes", maxSocketPath),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
