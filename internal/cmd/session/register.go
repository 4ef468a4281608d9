// Package session provides the CLI commands that manage the sessions of a
// running host over its control socket.
package session

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/claudio-ide/internal/config"
	"github.com/Iron-Ham/claudio-ide/internal/control"
)

// requestTimeout bounds one CLI round trip to the host. Creating a session
// may wait for a previous one on the same workdir to finish tearing down.
const requestTimeout = 30 * time.Second

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage the sessions of the running host",
	Long: `Commands for creating, listing, switching and killing the sessions of
a running 'claudio-ide serve' host.`,
}

// Register adds all session-related commands to the given parent command.
// This is the main entry point for integrating the session subpackage with
// the root command.
func Register(parent *cobra.Command) {
	sessionsCmd.AddCommand(listCmd, createCmd, killCmd, switchCmd, activeCmd, sendCmd, envCmd, launchCmd)
	parent.AddCommand(sessionsCmd)
}

// withClient dials the host for the duration of fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	c, err := control.Dial(ctx, config.Get().Control.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
