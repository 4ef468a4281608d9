// Package tmux runs agents inside per-session tmux servers.
//
// Every session gets its own socket ("claudio-ide-{sessionID}") so killing
// one session's tmux server never touches another's, and so each agent
// sees only its own session's environment.
package tmux

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// SocketPrefix prefixes every socket this host creates.
const SocketPrefix = "claudio-ide"

// SocketName returns the tmux socket for a session.
func SocketName(sessionID string) string {
	return SocketPrefix + "-" + sessionID
}

// SessionName returns the tmux session name for a session. tmux treats '.'
// and ':' as target separators, so they are replaced.
func SessionName(sessionID string) string {
	r := strings.NewReplacer(".", "_", ":", "_")
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "agent-" + r.Replace(short)
}

// SessionIDFromSocket extracts the session id from a socket name. ok is
// false for sockets this host did not create.
func SessionIDFromSocket(socket string) (string, bool) {
	id, found := strings.CutPrefix(socket, SocketPrefix+"-")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// Command creates an exec.Cmd for tmux on the given socket.
func Command(socket string, args ...string) *exec.Cmd {
	return exec.Command("tmux", Args(socket, args...)...)
}

// CommandContext creates a context-aware exec.Cmd for tmux on the given socket.
func CommandContext(ctx context.Context, socket string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", Args(socket, args...)...)
}

// Args prepends the socket selection to args.
func Args(socket string, args ...string) []string {
	return append([]string{"-L", socket}, args...)
}

// NewSessionArgs builds the arguments that start a detached session running
// argv in workdir with env (KEY=VALUE) exported into it.
func NewSessionArgs(socket, name, workdir string, env []string, argv []string) []string {
	args := []string{"new-session", "-d", "-s", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	if len(argv) > 0 {
		args = append(args, "--")
		args = append(args, argv...)
	}
	return Args(socket, args...)
}

// HasSession reports whether the named session exists on socket.
func HasSession(socket, name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return CommandContext(ctx, socket, "has-session", "-t", name).Run() == nil
}

// ListSockets returns the names of sockets in the tmux socket directory
// that belong to this host.
func ListSockets() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(socketDir(), SocketPrefix+"-*"))
	if err != nil {
		return nil, err
	}
	sockets := make([]string, 0, len(matches))
	for _, m := range matches {
		sockets = append(sockets, filepath.Base(m))
	}
	slices.Sort(sockets)
	return sockets, nil
}

// socketDir mirrors tmux's own choice: $TMUX_TMPDIR or /tmp, then tmux-{uid}.
func socketDir() string {
	base := os.Getenv("TMUX_TMPDIR")
	if base == "" {
		base = "/tmp"
	}
	return filepath.Join(base, "tmux-"+uidString())
}
