package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/claudio-ide/internal/testutil"
	"github.com/Iron-Ham/claudio-ide/internal/worktree"
)

func TestServeTargets(t *testing.T) {
	t.Cleanup(func() { serveAllWorktrees = false })

	serveAllWorktrees = false
	got, err := serveTargets(worktree.NewResolver(), []string{"/a", "/b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, got)

	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	feature := testutil.AddWorktree(t, repo, "feature")
	extra := testutil.CanonicalTempDir(t)

	serveAllWorktrees = true
	got, err = serveTargets(worktree.NewResolver(), []string{repo, extra, repo})
	require.NoError(t, err)
	assert.Equal(t, []string{repo, feature, extra}, got)
}

func TestResolveCommand(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	sub := filepath.Join(repo, "pkg", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"resolve", sub})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, repo, strings.TrimSpace(out.String()))
}
