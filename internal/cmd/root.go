package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configcmd "github.com/Iron-Ham/claudio-ide/internal/cmd/config"
	discoverycmd "github.com/Iron-Ham/claudio-ide/internal/cmd/discovery"
	sessioncmd "github.com/Iron-Ham/claudio-ide/internal/cmd/session"
	"github.com/Iron-Ham/claudio-ide/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "claudio-ide",
	Short: "IDE-side session host for multiple agent instances",
	Long: `claudio-ide runs one IDE session per git worktree so several agent
instances can work on the same repository at once. Each session gets its
own port, server and discovery record, and an agent connects only to the
session of the worktree it runs in.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the root command (for tests and documentation generators)
func Root() *cobra.Command {
	return rootCmd
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/claudio-ide/config.yaml)")
	rootCmd.PersistentFlags().String("socket", "", "control socket of the running host")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("control.socket_path", rootCmd.PersistentFlags().Lookup("socket"))

	sessioncmd.Register(rootCmd)
	discoverycmd.Register(rootCmd)
	configcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CLAUDIO_IDE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., CLAUDIO_IDE_PORTS_MIN for ports.min
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
