// Package testutil provides fixtures shared by claudio-ide tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on main
// and returns its canonical path.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := CanonicalTempDir(t)
	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.email", "test@claudio-ide.dev")
	mustGit(t, dir, "config", "user.name", "claudio-ide test")

	// git worktree requires at least one commit
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repository\n"), 0o644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	mustGit(t, dir, "add", ".")
	mustGit(t, dir, "commit", "-m", "Initial commit")
	mustGit(t, dir, "branch", "-M", "main")
	return dir
}

// AddWorktree creates a linked worktree of repoDir on a new branch and
// returns its canonical path.
func AddWorktree(t *testing.T, repoDir, branch string) string {
	t.Helper()

	path := filepath.Join(CanonicalTempDir(t), branch)
	mustGit(t, repoDir, "worktree", "add", "-b", branch, path)
	t.Cleanup(func() {
		_ = runGit(repoDir, "worktree", "remove", "--force", path)
	})
	return path
}

// CanonicalTempDir returns t.TempDir() with symlinks resolved, so paths
// compare equal to what a resolver reports (macOS /var -> /private/var).
func CanonicalTempDir(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	return dir
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// SkipIfNoTmux skips the test if tmux is not installed.
func SkipIfNoTmux(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not found in PATH, skipping test")
	}
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()

	if err := runGit(dir, args...); err != nil {
		t.Fatalf("%v", err)
	}
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=claudio-ide test",
		"GIT_AUTHOR_EMAIL=test@claudio-ide.dev",
		"GIT_COMMITTER_NAME=claudio-ide test",
		"GIT_COMMITTER_EMAIL=test@claudio-ide.dev",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &gitError{args: args, output: output, err: err}
	}
	return nil
}

type gitError struct {
	args   []string
	output []byte
	err    error
}

func (e *gitError) Error() string {
	return "git " + strings.Join(e.args, " ") + ": " + e.err.Error() + "\n" + string(e.output)
}

func (e *gitError) Unwrap() error {
	return e.err
}
