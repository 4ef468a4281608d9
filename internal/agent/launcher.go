// Package agent starts and stops the external agent process attached to a
// session.
//
// An agent is launched with exactly one session's connection environment.
// Variables that would point it at another session are stripped from the
// inherited environment first.
package agent

import (
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/tmux"
)

// Session-scoped environment variable names.
const (
	EnvPort        = "CLAUDE_CODE_SSE_PORT"
	EnvIntegration = "ENABLE_IDE_INTEGRATION"
	EnvSessionID   = "CLAUDIO_IDE_SESSION_ID"
	EnvWorktree    = "CLAUDIO_IDE_WORKTREE"
)

var sessionVars = []string{EnvPort, EnvIntegration, EnvSessionID, EnvWorktree}

// Env returns the environment an agent needs to find its session.
func Env(sessionID, workdir string, port int) []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvPort, port),
		EnvIntegration + "=true",
		EnvSessionID + "=" + sessionID,
		EnvWorktree + "=" + workdir,
	}
}

// Spec describes one launch.
type Spec struct {
	SessionID string
	Workdir   string
	// Env is the session environment, typically from Env.
	Env []string
}

// Handle is a running agent.
type Handle interface {
	// Stop asks the agent to exit and kills it after grace.
	Stop(grace time.Duration) error
	// Describe names where the agent runs, for logs and listings.
	Describe() string
}

// Launcher starts agents.
type Launcher struct {
	command string
	args    []string
	useTmux bool
	logger  *logging.Logger
}

// NewLauncher creates a Launcher that runs command with args, either inside
// a per-session tmux server or as a plain child process.
func NewLauncher(command string, args []string, useTmux bool, logger *logging.Logger) *Launcher {
	return &Launcher{
		command: command,
		args:    slices.Clone(args),
		useTmux: useTmux,
		logger:  logging.OrNop(logger).WithComponent("agent"),
	}
}

// Launch starts an agent for spec.
func (l *Launcher) Launch(spec Spec) (Handle, error) {
	if l.command == "" {
		return nil, errors.NewValidationError("agent command is not configured").WithField("agent.command")
	}
	if _, err := exec.LookPath(l.command); err != nil {
		return nil, errors.NewSessionError("agent command not found", err).WithSessionID(spec.SessionID)
	}

	argv := append([]string{l.command}, l.args...)
	env := MergeEnv(os.Environ(), spec.Env)

	if l.useTmux {
		return l.launchTmux(spec, argv, env)
	}
	return l.launchProcess(spec, argv, env)
}

func (l *Launcher) launchTmux(spec Spec, argv, env []string) (Handle, error) {
	if _, err := exec.LookPath("tmux"); err != nil {
		return nil, errors.NewSessionError("tmux not found", err).WithSessionID(spec.SessionID)
	}
	socket := tmux.SocketName(spec.SessionID)
	name := tmux.SessionName(spec.SessionID)

	cmd := exec.Command("tmux", tmux.NewSessionArgs(socket, name, spec.Workdir, spec.Env, argv)...)
	// A fresh tmux server inherits the client's environment.
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.NewSessionError(
			fmt.Sprintf("tmux new-session: %s", strings.TrimSpace(string(out))), err).
			WithSessionID(spec.SessionID)
	}

	l.logger.Info("agent launched in tmux", "session_id", spec.SessionID, "socket", socket, "tmux_session", name)
	return &tmuxHandle{socket: socket, name: name}, nil
}

func (l *Launcher) launchProcess(spec Spec, argv, env []string) (Handle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Workdir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.NewSessionError("start agent", err).WithSessionID(spec.SessionID)
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	l.logger.Info("agent launched", "session_id", spec.SessionID, "pid", cmd.Process.Pid)
	return h, nil
}

// MergeEnv returns base with every session variable removed and overrides
// appended, so an agent never inherits another session's values.
func MergeEnv(base, overrides []string) []string {
	drop := make(map[string]bool, len(sessionVars)+len(overrides))
	for _, k := range sessionVars {
		drop[k] = true
	}
	for _, kv := range overrides {
		k, _, _ := strings.Cut(kv, "=")
		drop[k] = true
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if !drop[k] {
			out = append(out, kv)
		}
	}
	return append(out, overrides...)
}

type tmuxHandle struct {
	socket string
	name   string
}

func (h *tmuxHandle) Stop(grace time.Duration) error {
	return tmux.Stop(h.socket, h.name, grace)
}

func (h *tmuxHandle) Describe() string {
	return "tmux -L " + h.socket + " attach -t " + h.name
}

type processHandle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func (h *processHandle) Stop(grace time.Duration) error {
	h.stopOnce.Do(func() {
		pgid := -h.cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGINT)
		select {
		case <-h.done:
			return
		case <-time.After(grace):
		}
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-h.done
	})
	return nil
}

func (h *processHandle) Describe() string {
	return fmt.Sprintf("pid %d", h.cmd.Process.Pid)
}

// Exited reports whether a plain child process has exited.
func (h *processHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
