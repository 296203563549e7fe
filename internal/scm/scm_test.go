package scm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
)

// initRepo creates a git repository with one committed file.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.ts"), []byte("line one\nline two\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("server.ts")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir
}

func TestDiffStatClean(t *testing.T) {
	dir := initRepo(t)
	client := NewClient(logging.NewNop())

	stat, err := client.DiffStat(dir)
	require.NoError(t, err)
	assert.True(t, stat.NoChanges())
	assert.Zero(t, stat.Additions)
	assert.Zero(t, stat.Deletions)
}

func TestDiffStatCountsChanges(t *testing.T) {
	dir := initRepo(t)
	client := NewClient(logging.NewNop())

	// One line replaced, one new file with two lines.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.ts"), []byte("line one\nline changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "health.ts"), []byte("ok\nready\n"), 0o644))

	stat, err := client.DiffStat(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"health.ts", "server.ts"}, stat.Files)
	assert.Equal(t, 3, stat.Additions)
	assert.Equal(t, 1, stat.Deletions)
	assert.False(t, stat.NoChanges())
}

func TestDiffStatDeletedFile(t *testing.T) {
	dir := initRepo(t)
	client := NewClient(logging.NewNop())

	require.NoError(t, os.Remove(filepath.Join(dir, "server.ts")))

	stat, err := client.DiffStat(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"server.ts"}, stat.Files)
	assert.Equal(t, 0, stat.Additions)
	assert.Equal(t, 2, stat.Deletions)
}

func TestCommit(t *testing.T) {
	dir := initRepo(t)
	client := NewClient(logging.NewNop())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "health.ts"), []byte("ok\n"), 0o644))

	hash, err := client.Commit(dir, "chatops: task 1")
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	head, err := client.Head(dir)
	require.NoError(t, err)
	assert.Equal(t, hash, head)

	// Worktree is clean afterwards.
	stat, err := client.DiffStat(dir)
	require.NoError(t, err)
	assert.True(t, stat.NoChanges())
}

func TestCommitCleanWorktree(t *testing.T) {
	dir := initRepo(t)
	client := NewClient(logging.NewNop())

	_, err := client.Commit(dir, "nothing")
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestPushWithoutToken(t *testing.T) {
	dir := initRepo(t)
	client := NewClient(logging.NewNop())

	_, err := client.Push(context.Background(), dir, "main", "")
	require.Error(t, err)

	var pushErr *PushError
	assert.ErrorAs(t, err, &pushErr)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestCountLineChanges(t *testing.T) {
	tests := []struct {
		name          string
		before, after string
		add, del      int
	}{
		{name: "identical", before: "a\n", after: "a\n"},
		{name: "new file", before: "", after: "a\nb\n", add: 2},
		{name: "deleted file", before: "a\nb\n", after: "", del: 2},
		{name: "replaced line", before: "a\nb\n", after: "a\nc\n", add: 1, del: 1},
		{name: "missing trailing newline", before: "a", after: "b", add: 1, del: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			add, del := countLineChanges(tt.before, tt.after)
			assert.Equal(t, tt.add, add)
			assert.Equal(t, tt.del, del)
		})
	}
}
