package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Ports.Min != 10000 || cfg.Ports.Max != 65535 {
		t.Errorf("Ports range = %d-%d, want 10000-65535", cfg.Ports.Min, cfg.Ports.Max)
	}
	if cfg.Ports.MaxAttempts != 100 {
		t.Errorf("Ports.MaxAttempts = %d, want 100", cfg.Ports.MaxAttempts)
	}
	if cfg.Ports.Host != "127.0.0.1" {
		t.Errorf("Ports.Host = %q, want loopback", cfg.Ports.Host)
	}
	if cfg.Discovery.Transport != "ws" {
		t.Errorf("Discovery.Transport = %q, want ws", cfg.Discovery.Transport)
	}
	if !cfg.Server.RequireAuth {
		t.Error("Server.RequireAuth should default to true")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestDurations(t *testing.T) {
	s := SessionsConfig{ShutdownGraceMs: 1500}
	if s.ShutdownGrace() != 1500*time.Millisecond {
		t.Errorf("ShutdownGrace() = %v", s.ShutdownGrace())
	}
	srv := ServerConfig{HeartbeatIntervalMs: 250, HeartbeatTimeoutMs: 100}
	if srv.HeartbeatInterval() != 250*time.Millisecond {
		t.Errorf("HeartbeatInterval() = %v", srv.HeartbeatInterval())
	}
	if srv.HeartbeatTimeout() != 100*time.Millisecond {
		t.Errorf("HeartbeatTimeout() = %v", srv.HeartbeatTimeout())
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/claudio-ide" {
			t.Errorf("ConfigDir() = %q", got)
		}
		if got := ConfigFile(); got != "/custom/config/claudio-ide/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "claudio-ide")
		if got := ConfigDir(); got != expected {
			t.Errorf("ConfigDir() = %q, want %q", got, expected)
		}
	})
}

func TestDefaultDiscoveryDir(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", "/opt/claude")
	if got := DefaultDiscoveryDir(); got != "/opt/claude/ide" {
		t.Errorf("DefaultDiscoveryDir() = %q", got)
	}

	t.Setenv("CLAUDE_CONFIG_DIR", "")
	if got := DefaultDiscoveryDir(); !strings.HasSuffix(got, filepath.Join(".claude", "ide")) {
		t.Errorf("DefaultDiscoveryDir() = %q", got)
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := DefaultSocketPath(); got != "/run/user/1000/claudio-ide/control.sock" {
		t.Errorf("DefaultSocketPath() = %q", got)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultSocketPath(); !strings.HasPrefix(got, os.TempDir()) {
		t.Errorf("DefaultSocketPath() = %q, want under %s", got, os.TempDir())
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults round trip", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		SetDefaults()
		viper.Set("control.socket_path", "/tmp/claudio-ide-test/control.sock")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Sessions.MaxConcurrent != Default().Sessions.MaxConcurrent {
			t.Errorf("Sessions.MaxConcurrent = %d", cfg.Sessions.MaxConcurrent)
		}
		if len(cfg.Agent.Args) != 0 {
			t.Errorf("Agent.Args = %v, want empty", cfg.Agent.Args)
		}
	})

	t.Run("file overrides", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		SetDefaults()

		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "ports:\n  min: 20000\n  max: 20100\nsessions:\n  max_concurrent: 2\ncontrol:\n  socket_path: /tmp/claudio-ide-test/c.sock\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			t.Fatalf("ReadInConfig: %v", err)
		}

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Ports.Min != 20000 || cfg.Ports.Max != 20100 {
			t.Errorf("Ports = %+v", cfg.Ports)
		}
		if cfg.Sessions.MaxConcurrent != 2 {
			t.Errorf("Sessions.MaxConcurrent = %d", cfg.Sessions.MaxConcurrent)
		}
		if cfg.Ports.MaxAttempts != 100 {
			t.Errorf("unset keys should keep defaults, got MaxAttempts=%d", cfg.Ports.MaxAttempts)
		}
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		SetDefaults()
		viper.Set("ports.max_attempts", 0)

		if _, err := Load(); err == nil {
			t.Fatal("Load() should fail validation")
		}
		if Get() == nil {
			t.Error("Get() should fall back to defaults")
		}
	})
}
