package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/claudio-ide/internal/cmd/render"
	"github.com/Iron-Ham/claudio-ide/internal/config"
	"github.com/Iron-Ham/claudio-ide/internal/control"
	"github.com/Iron-Ham/claudio-ide/internal/event"
	"github.com/Iron-Ham/claudio-ide/internal/instance"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve [workdir...]",
	Short: "Run the session host",
	Long: `Run the session host in the foreground.

The host removes stale discovery records left by dead hosts, opens the
control socket used by the other commands, and creates one session per
workdir argument. Each workdir is resolved to its worktree root, so passing
a subdirectory of a worktree is the same as passing the worktree itself.

With no workdir and no --all-worktrees the host starts empty; create
sessions later with 'claudio-ide sessions create'.

The host runs until interrupted, then destroys every session.

Examples:
  # One session for the current worktree
  claudio-ide serve .

  # One session per worktree of this repository, each with an agent
  claudio-ide serve --all-worktrees --launch-agent`,
	RunE: runServe,
}

var (
	serveAllWorktrees bool
	serveLaunchAgent  bool
	serveQuiet        bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveAllWorktrees, "all-worktrees", false, "Create a session for every worktree of the repository")
	serveCmd.Flags().BoolVar(&serveLaunchAgent, "launch-agent", false, "Start the configured agent in every new session")
	serveCmd.Flags().BoolVarP(&serveQuiet, "quiet", "q", false, "Do not print session events")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	out := cmd.OutOrStdout()

	logger := createLogger(cfg)
	defer func() { _ = logger.Close() }()

	mgr, err := instance.NewManager(cfg, instance.WithLogger(logger))
	if err != nil {
		return err
	}
	if !serveQuiet {
		printEvents(out, mgr.Bus())
	}
	if err := mgr.Start(); err != nil {
		return err
	}

	ctrl := control.NewServer(cfg.Control.SocketPath, mgr, control.WithLogger(logger))
	if err := ctrl.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workdirs, err := serveTargets(mgr.Resolver(), args)
	if err != nil {
		shutdown(cfg, ctrl, mgr, logger)
		return err
	}

	var firstErr error
	for _, dir := range workdirs {
		_, err := mgr.CreateSession(ctx, dir, instance.CreateOptions{LaunchAgent: serveLaunchAgent})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", render.Error.Render("failed:"), dir, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(workdirs) > 0 && len(mgr.ListSessions()) == 0 {
		shutdown(cfg, ctrl, mgr, logger)
		return firstErr
	}

	fmt.Fprintln(out)
	render.Sessions(out, mgr.ListSessions())
	fmt.Fprintf(out, "\n%s %s\n", render.Muted.Render("control socket:"), ctrl.Path())
	fmt.Fprintf(out, "%s %s\n", render.Muted.Render("discovery dir: "), mgr.Publisher().Dir())
	fmt.Fprintln(out, render.Muted.Render("Press Ctrl-C to stop."))

	<-ctx.Done()
	fmt.Fprintln(out, render.Muted.Render("\nshutting down..."))
	return shutdown(cfg, ctrl, mgr, logger)
}

// shutdown closes the control socket first so no new work arrives, then
// destroys every session.
func shutdown(cfg *config.Config, ctrl *control.Server, mgr *instance.Manager, logger *logging.Logger) error {
	if err := ctrl.Close(); err != nil {
		logger.Warn("control socket close failed", "error", err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sessions.ShutdownGrace()+5*time.Second)
	defer cancel()
	return mgr.Shutdown(ctx)
}

// serveTargets expands the workdir arguments into the list of worktree
// roots to create sessions for.
func serveTargets(resolver *worktree.Resolver, args []string) ([]string, error) {
	if !serveAllWorktrees {
		return args, nil
	}

	base := "."
	if len(args) > 0 {
		base = args[0]
	}
	root, err := resolver.Resolve(base)
	if err != nil {
		return nil, err
	}
	trees, err := resolver.List(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees of %s: %w", root, err)
	}

	seen := make(map[string]bool)
	var dirs []string
	for _, wt := range trees {
		if wt.Bare || wt.Prunable {
			continue
		}
		if !seen[wt.Path] {
			seen[wt.Path] = true
			dirs = append(dirs, wt.Path)
		}
	}
	for _, extra := range args {
		if !seen[extra] {
			seen[extra] = true
			dirs = append(dirs, extra)
		}
	}
	return dirs, nil
}

// printEvents echoes session lifecycle events to w.
func printEvents(w io.Writer, bus *event.Bus) {
	bus.Subscribe(event.TypeSessionCreated, func(e event.Event) {
		ev := e.(event.SessionCreatedEvent)
		fmt.Fprintf(w, "%s %s %s\n", render.Success.Render("+ session"), render.ShortID(ev.SessionID), ev.Workdir)
	})
	bus.Subscribe(event.TypeSessionDestroyed, func(e event.Event) {
		ev := e.(event.SessionDestroyedEvent)
		fmt.Fprintf(w, "%s %s %s (%s)\n", render.Muted.Render("- session"), render.ShortID(ev.SessionID), ev.Workdir, ev.FinalState)
	})
	bus.Subscribe(event.TypeConnectionAttached, func(e event.Event) {
		ev := e.(event.ConnectionAttachedEvent)
		fmt.Fprintf(w, "%s %s %s\n", render.Info.Render("  agent attached"), render.ShortID(ev.SessionID), render.Muted.Render(ev.RemoteAddr))
	})
	bus.Subscribe(event.TypeConnectionDetached, func(e event.Event) {
		ev := e.(event.ConnectionDetachedEvent)
		fmt.Fprintf(w, "%s %s %s\n", render.Muted.Render("  agent detached"), render.ShortID(ev.SessionID), render.Muted.Render(ev.Reason))
	})
	bus.Subscribe(event.TypeStaleDiscoveryRemoved, func(e event.Event) {
		ev := e.(event.StaleDiscoveryRemovedEvent)
		fmt.Fprintf(w, "%s %s (pid %d)\n", render.Warning.Render("  stale record removed"), ev.Path, ev.PID)
	})
}

// createLogger builds the host logger from the logging config. Failing to
// open the log file falls back to stderr rather than refusing to start.
func createLogger(cfg *config.Config) *logging.Logger {
	rotation := logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	}
	logger, err := logging.NewLoggerWithRotation(cfg.Logging.Dir, cfg.Logging.Level, rotation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create logger: %v\n", err)
		logger, _ = logging.NewLogger("", cfg.Logging.Level)
	}
	return logger
}
