package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// AppName names the config directory, the runtime directory and the env prefix.
const AppName = "claudio-ide"

// Config represents the complete host configuration
type Config struct {
	Ports     PortsConfig     `mapstructure:"ports"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Control   ControlConfig   `mapstructure:"control"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// PortsConfig controls the port range handed out to session servers
type PortsConfig struct {
	// Min and Max bound the range (inclusive)
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
	// MaxAttempts bounds how many random candidates are bind-probed before giving up
	MaxAttempts int `mapstructure:"max_attempts"`
	// Host is the interface session servers listen on
	Host string `mapstructure:"host"`
}

// SessionsConfig controls session lifecycle policy
type SessionsConfig struct {
	// MaxConcurrent caps live sessions (0 means unlimited)
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// ShutdownGraceMs bounds how long destroy waits for in-flight sends to drain
	ShutdownGraceMs int `mapstructure:"shutdown_grace_ms"`
	// SweepOnStart removes stale discovery records when the host starts
	SweepOnStart bool `mapstructure:"sweep_on_start"`
	// AutoActivate makes the first created session active when none is
	AutoActivate bool `mapstructure:"auto_activate"`
}

// ServerConfig controls the per-session websocket server
type ServerConfig struct {
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// HeartbeatTimeoutMs is how long a connection may go without a pong
	// (or any frame) past the interval before it is declared dead
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms"`
	// SendBuffer is the per-connection outbound queue depth
	SendBuffer int `mapstructure:"send_buffer"`
	// RequireAuth rejects handshakes lacking the session's auth token
	RequireAuth     bool  `mapstructure:"require_auth"`
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// DiscoveryConfig controls where and how discovery records are published
type DiscoveryConfig struct {
	// Dir is the shared directory agents scan (default: ~/.claude/ide)
	Dir string `mapstructure:"dir"`
	// Transport is recorded in each record so agents know how to connect
	Transport string `mapstructure:"transport"`
	IDEName   string `mapstructure:"ide_name"`
	// Watch republishes records of live sessions that are removed externally
	Watch bool `mapstructure:"watch"`
}

// AgentConfig controls the optional agent launcher
type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// UseTmux runs each agent in its own tmux server instead of a child process
	UseTmux bool `mapstructure:"use_tmux"`
}

// ControlConfig controls the local control socket used by the CLI
type ControlConfig struct {
	// SocketPath is the Unix socket path (default: <runtime dir>/claudio-ide/control.sock)
	SocketPath string `mapstructure:"socket_path"`
}

// LoggingConfig controls host logging
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// Dir is where host.log is written; empty logs to stderr
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Ports: PortsConfig{
			Min:         10000,
			Max:         65535,
			MaxAttempts: 100,
			Host:        "127.0.0.1",
		},
		Sessions: SessionsConfig{
			MaxConcurrent:   8,
			ShutdownGraceMs: 2000,
			SweepOnStart:    true,
			AutoActivate:    true,
		},
		Server: ServerConfig{
			HeartbeatIntervalMs: 5000,
			HeartbeatTimeoutMs:  3000,
			SendBuffer:          64,
			RequireAuth:         true,
			MaxMessageBytes:     16 << 20,
		},
		Discovery: DiscoveryConfig{
			Dir:       DefaultDiscoveryDir(),
			Transport: "ws",
			IDEName:   AppName,
			Watch:     true,
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{},
			UseTmux: true,
		},
		Control: ControlConfig{
			SocketPath: DefaultSocketPath(),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        filepath.Join(StateDir(), "logs"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// ShutdownGrace returns the drain grace period as a time.Duration
func (c *SessionsConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// HeartbeatInterval returns the ping interval as a time.Duration
func (c *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the pong timeout as a time.Duration
func (c *ServerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Ports defaults
	viper.SetDefault("ports.min", defaults.Ports.Min)
	viper.SetDefault("ports.max", defaults.Ports.Max)
	viper.SetDefault("ports.max_attempts", defaults.Ports.MaxAttempts)
	viper.SetDefault("ports.host", defaults.Ports.Host)

	// Sessions defaults
	viper.SetDefault("sessions.max_concurrent", defaults.Sessions.MaxConcurrent)
	viper.SetDefault("sessions.shutdown_grace_ms", defaults.Sessions.ShutdownGraceMs)
	viper.SetDefault("sessions.sweep_on_start", defaults.Sessions.SweepOnStart)
	viper.SetDefault("sessions.auto_activate", defaults.Sessions.AutoActivate)

	// Server defaults
	viper.SetDefault("server.heartbeat_interval_ms", defaults.Server.HeartbeatIntervalMs)
	viper.SetDefault("server.heartbeat_timeout_ms", defaults.Server.HeartbeatTimeoutMs)
	viper.SetDefault("server.send_buffer", defaults.Server.SendBuffer)
	viper.SetDefault("server.require_auth", defaults.Server.RequireAuth)
	viper.SetDefault("server.max_message_bytes", defaults.Server.MaxMessageBytes)

	// Discovery defaults
	viper.SetDefault("discovery.dir", defaults.Discovery.Dir)
	viper.SetDefault("discovery.transport", defaults.Discovery.Transport)
	viper.SetDefault("discovery.ide_name", defaults.Discovery.IDEName)
	viper.SetDefault("discovery.watch", defaults.Discovery.Watch)

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.args", defaults.Agent.Args)
	viper.SetDefault("agent.use_tmux", defaults.Agent.UseTmux)

	// Control defaults
	viper.SetDefault("control.socket_path", defaults.Control.SocketPath)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, ".config", AppName)
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StateDir returns the directory for host state such as logs
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, ".local", "state", AppName)
}

// DefaultDiscoveryDir returns the shared directory agents scan for IDE records
func DefaultDiscoveryDir() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "ide")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".claude", "ide")
	}
	return filepath.Join(home, ".claude", "ide")
}

// DefaultSocketPath returns the control socket path under the runtime directory
func DefaultSocketPath() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, AppName, "control.sock")
	}
	return filepath.Join(os.TempDir(), AppName+"-"+currentUID(), "control.sock")
}

func currentUID() string {
	return strconv.Itoa(os.Getuid())
}
