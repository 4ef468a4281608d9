// Package worktree maps arbitrary paths to the working directory that owns
// them and enumerates a repository's git worktrees.
//
// A session is keyed by the canonical path of its worktree: absolute, with
// symlinks evaluated. Two spellings of the same directory always resolve to
// the same key, and every file inside a worktree resolves to its root.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
)

// Resolver turns paths into canonical workdirs.
type Resolver struct {
	executor CommandExecutor
	logger   *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithExecutor replaces the command executor used to run git.
func WithExecutor(e CommandExecutor) Option {
	return func(r *Resolver) {
		r.executor = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver that asks git first.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{executor: NewCLICommandExecutor()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).WithComponent("worktree")
	return r
}

// Resolve returns the workdir owning path: the top level of the git worktree
// containing it, or the path itself (its directory, for a file) when it is
// not inside a repository. The result is canonical.
func (r *Resolver) Resolve(path string) (string, error) {
	dir, err := Canonical(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", errors.NewNotFoundError("path", path)
	}
	if !info.IsDir() {
		dir = filepath.Dir(dir)
	}

	if top, ok := r.gitTopLevel(dir); ok {
		return top, nil
	}
	if root, err := FindGitRoot(dir); err == nil {
		return root, nil
	}
	return dir, nil
}

// gitTopLevel asks git for the worktree root. It fails quietly when git is
// missing or dir is not in a work tree.
func (r *Resolver) gitTopLevel(dir string) (string, bool) {
	out, err := r.executor.Run(dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		r.logger.Debug("git rev-parse failed, falling back to directory walk", "dir", dir, "error", err.Error())
		return "", false
	}
	top := lastLine(string(out))
	if top == "" {
		return "", false
	}
	canonical, err := Canonical(top)
	if err != nil {
		return "", false
	}
	return canonical, true
}

// FindGitRoot walks up from startDir to the nearest directory containing
// .git, which is a directory in a main worktree and a file in a linked one.
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point): %s", startDir)
		}
		dir = parent
	}
}

// Canonical returns path made absolute and cleaned with symlinks evaluated.
func Canonical(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.NewValidationError("path must not be empty").WithField("path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "absolute path of %s", path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("path", path)
		}
		return "", errors.Wrapf(err, "evaluate symlinks in %s", abs)
	}
	return resolved, nil
}

// IsWithin reports whether path is root or lies beneath it. Both must be
// canonical.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
