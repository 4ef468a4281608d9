package tmux

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultStopGrace is how long Stop waits after Ctrl+C before killing.
const DefaultStopGrace = 500 * time.Millisecond

// PanePID returns the pid of the process in the session's first pane, or 0
// if the session does not exist.
func PanePID(socket, name string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := CommandContext(ctx, socket, "display-message", "-t", name, "-p", "#{pane_pid}").Output()
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0
	}
	return pid
}

// Stop ends an agent session: Ctrl+C, wait up to grace for the pane process
// to exit, kill the tmux server, then SIGKILL anything in the captured
// process tree that survived.
func Stop(socket, name string, grace time.Duration) error {
	tree := processTree(PanePID(socket, name))

	_ = Command(socket, "send-keys", "-t", name, "C-c").Run()
	if len(tree) > 0 {
		waitForExit(tree[0], grace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := CommandContext(ctx, socket, "kill-server").Run()

	for i := len(tree) - 1; i >= 0; i-- {
		if alive(tree[i]) {
			_ = syscall.Kill(tree[i], syscall.SIGKILL)
		}
	}
	// kill-server fails when the server already exited with its last pane.
	if err != nil && HasSession(socket, name) {
		return err
	}
	return nil
}

// processTree returns pid followed by all of its descendants, parents first.
func processTree(pid int) []int {
	if pid <= 0 {
		return nil
	}
	tree := []int{pid}
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return tree
	}
	for _, line := range strings.Fields(string(out)) {
		if child, err := strconv.Atoi(line); err == nil {
			tree = append(tree, processTree(child)...)
		}
	}
	return tree
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// waitForExit polls until pid exits or timeout elapses.
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for alive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
	return true
}

func uidString() string {
	return strconv.Itoa(os.Getuid())
}
