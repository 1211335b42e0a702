package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a repository with a single seed commit so HEAD exists.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("seed", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	})
	require.NoError(t, err)

	return dir
}

func TestProbe(t *testing.T) {
	dir := initRepo(t)
	assert.NoError(t, Probe(dir))

	err := Probe(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestProbeDetectsFromSubdirectory(t *testing.T) {
	dir := initRepo(t)
	sub := filepath.Join(dir, "internal", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	assert.NoError(t, Probe(sub))
}

func TestDirty(t *testing.T) {
	dir := initRepo(t)
	c, err := New(dir)
	require.NoError(t, err)

	dirty, err := c.Dirty()
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package main\n"), 0o644))
	dirty, err = c.Dirty()
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestCommitCleanTreeIsNoop(t *testing.T) {
	dir := initRepo(t)
	c, err := New(dir)
	require.NoError(t, err)

	hash, err := c.Commit("should not happen")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestCommitStagesEverything(t *testing.T) {
	dir := initRepo(t)
	c, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\nmore\n"), 0o644))

	hash, err := c.Commit("checkpoint: iteration 3")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	dirty, err := c.Dirty()
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCurrentBranch(t *testing.T) {
	dir := initRepo(t)
	c, err := New(dir)
	require.NoError(t, err)

	branch, err := c.CurrentBranch()
	require.NoError(t, err)
	assert.Contains(t, []string{"master", "main"}, branch)
}

func TestEnsureBranch(t *testing.T) {
	dir := initRepo(t)
	c, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, c.EnsureBranch("drover/work"))
	branch, err := c.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "drover/work", branch)

	// Second call checks out the existing branch instead of failing.
	require.NoError(t, c.EnsureBranch("drover/work"))
}
