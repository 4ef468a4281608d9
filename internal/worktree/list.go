package worktree

import (
	"strings"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
)

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Detached bool
	Locked   bool
	Prunable bool
}

// List returns the worktrees of the repository containing repoDir, main
// worktree first. Bare and prunable entries are included; callers decide
// whether to skip them.
func (r *Resolver) List(repoDir string) ([]Worktree, error) {
	out, err := r.executor.Run(repoDir, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewSessionError("failed to list worktrees", err).WithWorkdir(repoDir)
	}
	return ParsePorcelain(string(out)), nil
}

// ParsePorcelain parses the output of `git worktree list --porcelain`.
func ParsePorcelain(out string) []Worktree {
	var (
		worktrees []Worktree
		cur       *Worktree
	)
	flush := func() {
		if cur != nil && cur.Path != "" {
			worktrees = append(worktrees, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			flush()
			cur = &Worktree{Path: value}
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "HEAD":
			cur.Head = value
		case "branch":
			cur.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			cur.Bare = true
		case "detached":
			cur.Detached = true
		case "locked":
			cur.Locked = true
		case "prunable":
			cur.Prunable = true
		}
	}
	flush()
	return worktrees
}
