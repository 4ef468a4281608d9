package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/claudio-ide/internal/cmd/render"
	"github.com/Iron-Ham/claudio-ide/internal/control"
	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/instance"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	Long: `List every session of the host with its state, port, number of
attached agents and idle time. The active session is marked with *.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var createCmd = &cobra.Command{
	Use:   "create [workdir]",
	Short: "Create the session for a workdir",
	Long: `Create the session for a workdir (default: the current directory).
If the workdir's worktree already has a session, that session is returned
instead of creating a second one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreate,
}

var killCmd = &cobra.Command{
	Use:   "kill [session-id|all]",
	Short: "Destroy a session, or all of them",
	Long: `Destroy a session: disconnect its agents, release its port and remove
its discovery record. Without an argument the active session is destroyed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKill,
}

var switchCmd = &cobra.Command{
	Use:   "switch <session-id>",
	Short: "Make a session the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSwitch,
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active session",
	Args:  cobra.NoArgs,
	RunE:  runActive,
}

var sendCmd = &cobra.Command{
	Use:   "send <method> [payload]",
	Short: "Send a notification to the agents of a session",
	Long: `Send a JSON-RPC notification to every agent attached to a session
(default: the active session). The payload is a JSON value; use '-' to read
it from stdin.

Examples:
  claudio-ide sessions send at_mentioned '{"filePath":"main.go"}'
  echo '{}' | claudio-ide sessions send -s 3f1c9a2e refresh -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var envCmd = &cobra.Command{
	Use:   "env [session-id]",
	Short: "Print the environment an agent needs to join a session",
	Long: `Print the environment variables an agent needs to connect to a session
(default: the active session). Only that session's values are printed.

Example:
  eval "$(claudio-ide sessions env --export)"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnv,
}

var launchCmd = &cobra.Command{
	Use:   "launch <session-id>",
	Short: "Start the configured agent in a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runLaunch,
}

var (
	listJSON     bool
	createAgent  bool
	createSwitch bool
	createParent int
	sendSession  string
	envExport    bool
)

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print sessions as JSON")
	createCmd.Flags().BoolVar(&createAgent, "launch-agent", false, "Start the configured agent in the session")
	createCmd.Flags().BoolVar(&createSwitch, "switch", false, "Make the session active")
	createCmd.Flags().IntVar(&createParent, "parent-port", 0, "Port of the session that spawned this one")
	sendCmd.Flags().StringVarP(&sendSession, "session", "s", "", "Target session (default: active)")
	envCmd.Flags().BoolVar(&envExport, "export", false, "Prefix lines with 'export' for eval")
}

func runList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		infos, err := c.List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if listJSON {
			return writeJSON(out, infos)
		}
		render.Sessions(out, infos)
		return nil
	})
}

func runCreate(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	// The host resolves paths against its own working directory.
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		info, err := c.Create(ctx, abs, instance.CreateOptions{
			LaunchAgent: createAgent,
			Activate:    createSwitch,
			ParentPort:  createParent,
		})
		if err != nil {
			return err
		}
		render.Session(cmd.OutOrStdout(), *info)
		return nil
	})
}

func runKill(cmd *cobra.Command, args []string) error {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		killed, err := c.Kill(ctx, target)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(killed) == 0 {
			fmt.Fprintln(out, render.Muted.Render("No sessions to kill."))
			return nil
		}
		for _, id := range killed {
			fmt.Fprintf(out, "%s %s\n", render.Muted.Render("killed"), id)
		}
		return nil
	})
}

func runSwitch(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		if err := c.Switch(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", render.Success.Render("active:"), args[0])
		return nil
	})
}

func runActive(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		info, err := c.Active(ctx)
		if err != nil {
			return err
		}
		if info == nil {
			return errors.ErrNoActiveSession
		}
		render.Session(cmd.OutOrStdout(), *info)
		return nil
	})
}

func runSend(cmd *cobra.Command, args []string) error {
	method := args[0]
	payload, err := readPayload(cmd.InOrStdin(), args[1:])
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		n, err := c.Send(ctx, sendSession, method, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d connection(s)\n", n)
		return nil
	})
}

func runEnv(cmd *cobra.Command, args []string) error {
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		env, err := c.Env(ctx, id)
		if err != nil {
			return err
		}
		render.Env(cmd.OutOrStdout(), env, envExport)
		return nil
	})
}

func runLaunch(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		where, err := c.Launch(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", render.Success.Render("agent started:"), where)
		return nil
	})
}

// readPayload returns the optional JSON payload argument, reading stdin
// when it is "-".
func readPayload(stdin io.Reader, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := args[0]
	if raw == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.NewValidationError("payload is not valid JSON").WithField("payload")
	}
	return json.RawMessage(raw), nil
}

func writeJSON(w io.Writer, infos []instance.Info) error {
	if infos == nil {
		infos = []instance.Info{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}
