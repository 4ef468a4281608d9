package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/claudio-ide/internal/cmd/render"
	"github.com/Iron-Ham/claudio-ide/internal/config"
	"github.com/Iron-Ham/claudio-ide/internal/control"
	"github.com/Iron-Ham/claudio-ide/internal/worktree"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [path]",
	Short: "Print the worktree root that owns a path",
	Long: `Print the canonical workdir a path belongs to: the root of its git
worktree, or the directory itself outside of git. This is the key sessions
are registered under.

With --session, also ask the running host which session owns the path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

var resolveSession bool

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().BoolVar(&resolveSession, "session", false, "Also print the session that owns the path")
}

func runResolve(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	root, err := worktree.NewResolver().Resolve(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, root)
	if !resolveSession {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	c, err := control.Dial(ctx, config.Get().Control.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	info, err := c.Lookup(ctx, root)
	if err != nil {
		return err
	}
	render.Session(out, *info)
	return nil
}
