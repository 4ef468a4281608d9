// Package config provides CLI commands for managing claudio-ide configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/claudio-ide/internal/cmd/render"
	appconfig "github.com/Iron-Ham/claudio-ide/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify claudio-ide configuration",
	Long: `View or modify claudio-ide configuration.

Use 'config show' to display the effective configuration.
Use subcommands to modify settings or create a config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  claudio-ide config set sessions.max_concurrent 4
  claudio-ide config set ports.min 20000
  claudio-ide config set agent.args "--verbose,--model=opus"

List values are comma separated. Run 'claudio-ide config show' to see every
key. The new value is validated before it is written.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/claudio-ide/config.yaml with all available options.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset configuration to defaults",
	Long: `Reset configuration values to their defaults.

Without arguments, resets all configuration to defaults.
With a key argument, resets only that specific key.

Examples:
  claudio-ide config reset                         # Reset all to defaults
  claudio-ide config reset sessions.max_concurrent # Reset only one key`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigReset,
}

var initForce bool

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configResetCmd)
}

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// defaultValues maps every settable key to its default value.
func defaultValues() map[string]any {
	d := appconfig.Default()
	return map[string]any{
		"ports.min":                    d.Ports.Min,
		"ports.max":                    d.Ports.Max,
		"ports.max_attempts":           d.Ports.MaxAttempts,
		"ports.host":                   d.Ports.Host,
		"sessions.max_concurrent":      d.Sessions.MaxConcurrent,
		"sessions.shutdown_grace_ms":   d.Sessions.ShutdownGraceMs,
		"sessions.sweep_on_start":      d.Sessions.SweepOnStart,
		"sessions.auto_activate":       d.Sessions.AutoActivate,
		"server.heartbeat_interval_ms": d.Server.HeartbeatIntervalMs,
		"server.heartbeat_timeout_ms":  d.Server.HeartbeatTimeoutMs,
		"server.send_buffer":           d.Server.SendBuffer,
		"server.require_auth":          d.Server.RequireAuth,
		"server.max_message_bytes":     d.Server.MaxMessageBytes,
		"discovery.dir":                d.Discovery.Dir,
		"discovery.transport":          d.Discovery.Transport,
		"discovery.ide_name":           d.Discovery.IDEName,
		"discovery.watch":              d.Discovery.Watch,
		"agent.command":                d.Agent.Command,
		"agent.args":                   d.Agent.Args,
		"agent.use_tmux":               d.Agent.UseTmux,
		"control.socket_path":          d.Control.SocketPath,
		"logging.level":                d.Logging.Level,
		"logging.dir":                  d.Logging.Dir,
		"logging.max_size_mb":          d.Logging.MaxSizeMB,
		"logging.max_backups":          d.Logging.MaxBackups,
		"logging.compress":             d.Logging.Compress,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	section(out, "Ports")
	field(out, "min", cfg.Ports.Min)
	field(out, "max", cfg.Ports.Max)
	field(out, "max_attempts", cfg.Ports.MaxAttempts)
	field(out, "host", cfg.Ports.Host)

	section(out, "Sessions")
	field(out, "max_concurrent", cfg.Sessions.MaxConcurrent)
	field(out, "shutdown_grace_ms", cfg.Sessions.ShutdownGraceMs)
	field(out, "sweep_on_start", cfg.Sessions.SweepOnStart)
	field(out, "auto_activate", cfg.Sessions.AutoActivate)

	section(out, "Server")
	field(out, "heartbeat_interval_ms", cfg.Server.HeartbeatIntervalMs)
	field(out, "heartbeat_timeout_ms", cfg.Server.HeartbeatTimeoutMs)
	field(out, "send_buffer", cfg.Server.SendBuffer)
	field(out, "require_auth", cfg.Server.RequireAuth)
	field(out, "max_message_bytes", cfg.Server.MaxMessageBytes)

	section(out, "Discovery")
	field(out, "dir", cfg.Discovery.Dir)
	field(out, "transport", cfg.Discovery.Transport)
	field(out, "ide_name", cfg.Discovery.IDEName)
	field(out, "watch", cfg.Discovery.Watch)

	section(out, "Agent")
	field(out, "command", cfg.Agent.Command)
	field(out, "args", strings.Join(cfg.Agent.Args, " "))
	field(out, "use_tmux", cfg.Agent.UseTmux)

	section(out, "Control")
	field(out, "socket_path", cfg.Control.SocketPath)

	section(out, "Logging")
	field(out, "level", cfg.Logging.Level)
	field(out, "dir", cfg.Logging.Dir)
	field(out, "max_size_mb", cfg.Logging.MaxSizeMB)
	field(out, "max_backups", cfg.Logging.MaxBackups)
	field(out, "compress", cfg.Logging.Compress)

	fmt.Fprintln(out)
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "%s %s\n", render.Muted.Render("Config file:"), used)
	} else {
		fmt.Fprintln(out, render.Muted.Render("Config file: (none, using defaults)"))
	}
	return nil
}

func section(w io.Writer, name string) {
	fmt.Fprintf(w, "\n%s\n", render.Header.Render(name))
}

func field(w io.Writer, key string, value any) {
	fmt.Fprintf(w, "  %-22s %v\n", key+":", value)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	defaults := defaultValues()
	def, ok := defaults[key]
	if !ok {
		return unknownKey(key, defaults)
	}

	value, err := parseValue(def, raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	previous := viper.Get(key)
	viper.Set(key, value)
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, previous)
		return err
	}

	if err := writeConfig(cmd.OutOrStdout()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
	return nil
}

// parseValue converts raw to the type of the key's default value.
func parseValue(def any, raw string) (any, error) {
	switch def.(type) {
	case bool:
		return strconv.ParseBool(raw)
	case int:
		return strconv.Atoi(raw)
	case int64:
		return strconv.ParseInt(raw, 10, 64)
	case []string:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if out == nil {
			out = []string{}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func unknownKey(key string, defaults map[string]any) error {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return fmt.Errorf("unknown configuration key: %s\nValid keys:\n  %s", key, strings.Join(keys, "\n  "))
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()
	if _, err := os.Stat(configFile); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configFile)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize claudio-ide's behavior.")
	return nil
}

// configTemplate leaves the platform-dependent paths commented out so the
// computed defaults apply.
const configTemplate = `# claudio-ide configuration

# Port allocation for session servers
ports:
  # Inclusive range candidate ports are drawn from
  min: 10000
  max: 65535
  # Random probes before giving up with a port-exhausted error
  max_attempts: 100
  # Interface session servers listen on
  host: 127.0.0.1

# Session limits and lifecycle
sessions:
  # Maximum number of live sessions
  max_concurrent: 8
  # How long a stopping session waits for its connections to drain
  shutdown_grace_ms: 2000
  # Remove discovery records of dead hosts at startup
  sweep_on_start: true
  # Make the first session active automatically
  auto_activate: true

# Per-session WebSocket server
server:
  heartbeat_interval_ms: 5000
  # A connection that misses a pong for this long is dropped
  heartbeat_timeout_ms: 3000
  # Outbound messages buffered per connection
  send_buffer: 64
  # Reject agents without the session's auth token
  require_auth: true
  max_message_bytes: 16777216

# Discovery records read by agents
discovery:
  # dir: ~/.claude/ide
  transport: ws
  ide_name: claudio-ide
  # Report records written or removed by other hosts
  watch: true

# Agent launched into a session
agent:
  command: claude
  args: []
  # Run the agent in a tmux session instead of a child process
  use_tmux: true

# Local control socket used by the CLI
# socket_path defaults to $XDG_RUNTIME_DIR/claudio-ide/control.sock
control: {}

# Host log file
logging:
  # Level: debug, info, warn, error
  level: info
  # dir: ~/.local/state/claudio-ide/logs
  max_size_mb: 10
  max_backups: 3
  compress: false
`

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", configFile)
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: CLAUDIO_IDE_* (e.g., CLAUDIO_IDE_SESSIONS_MAX_CONCURRENT)")
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	defaults := defaultValues()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		for key, value := range defaults {
			viper.Set(key, value)
		}
		fmt.Fprintln(out, "Reset all configuration to defaults.")
	} else {
		key := args[0]
		value, ok := defaults[key]
		if !ok {
			return unknownKey(key, defaults)
		}
		viper.Set(key, value)
		fmt.Fprintf(out, "Reset %s to default: %v\n", key, value)
	}

	return writeConfig(out)
}

// writeConfig persists the current viper settings to the user's config file.
func writeConfig(out io.Writer) error {
	configFile := appconfig.ConfigFile()
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}
