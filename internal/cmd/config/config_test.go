package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/Iron-Ham/claudio-ide/internal/config"
)

func setup(t *testing.T) (string, *cobra.Command) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	viper.Reset()
	appconfig.SetDefaults()
	t.Cleanup(viper.Reset)

	root := &cobra.Command{Use: "claudio-ide", SilenceUsage: true, SilenceErrors: true}
	Register(root)
	t.Cleanup(func() { root.RemoveCommand(configCmd) })
	return filepath.Join(home, appconfig.AppName, "config.yaml"), root
}

func execute(root *cobra.Command, args ...string) (string, error) {
	initForce = false
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigShow(t *testing.T) {
	_, root := setup(t)
	viper.Set("sessions.max_concurrent", 3)

	out, err := execute(root, "config", "show")
	require.NoError(t, err)
	for _, want := range []string{"Ports", "Sessions", "Server", "Discovery", "Agent", "Control", "Logging", "max_concurrent:", "using defaults"} {
		assert.Contains(t, out, want)
	}
	assert.Regexp(t, `max_concurrent:\s+3`, out)
}

func TestConfigSet(t *testing.T) {
	file, root := setup(t)

	_, err := execute(root, "config", "set", "sessions.max_concurrent", "4")
	require.NoError(t, err)
	assert.Equal(t, 4, appconfig.Get().Sessions.MaxConcurrent)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_concurrent: 4")

	_, err = execute(root, "config", "set", "agent.args", "--verbose, --model=opus")
	require.NoError(t, err)
	assert.Equal(t, []string{"--verbose", "--model=opus"}, appconfig.Get().Agent.Args)
}

func TestConfigSet_Rejects(t *testing.T) {
	_, root := setup(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown key", args: []string{"nope.key", "1"}, want: "unknown configuration key"},
		{name: "wrong type", args: []string{"sessions.max_concurrent", "many"}, want: "invalid value"},
		{name: "fails validation", args: []string{"ports.min", "80"}, want: "ports.min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(root, append([]string{"config", "set"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	// A rejected value is not left behind.
	assert.Equal(t, appconfig.Default().Ports.Min, appconfig.Get().Ports.Min)
}

func TestConfigInit(t *testing.T) {
	file, root := setup(t)

	out, err := execute(root, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, file)

	viper.SetConfigFile(file)
	require.NoError(t, viper.ReadInConfig())
	cfg, err := appconfig.Load()
	require.NoError(t, err)
	assert.Equal(t, appconfig.Default().Ports, cfg.Ports)
	assert.Equal(t, appconfig.Default().Discovery.Dir, cfg.Discovery.Dir)

	_, err = execute(root, "config", "init")
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(root, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigReset(t *testing.T) {
	_, root := setup(t)
	viper.Set("ports.max_attempts", 7)
	viper.Set("logging.level", "debug")

	out, err := execute(root, "config", "reset", "ports.max_attempts")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset ports.max_attempts")
	assert.Equal(t, appconfig.Default().Ports.MaxAttempts, appconfig.Get().Ports.MaxAttempts)
	assert.Equal(t, "debug", appconfig.Get().Logging.Level)

	_, err = execute(root, "config", "reset")
	require.NoError(t, err)
	assert.Equal(t, "info", appconfig.Get().Logging.Level)

	_, err = execute(root, "config", "reset", "bogus")
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	file, root := setup(t)
	out, err := execute(root, "config", "path")
	require.NoError(t, err)
	assert.Contains(t, out, file)
	assert.Contains(t, out, "CLAUDIO_IDE_")
}
