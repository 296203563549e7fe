package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/model"
	"github.com/fyrsmithlabs/chatopsd/internal/policy"
)

// fakeCloner records clones and creates the directory like a real clone.
type fakeCloner struct {
	calls int
}

func (f *fakeCloner) Clone(_ context.Context, _, _, dir string) error {
	f.calls++
	return os.MkdirAll(dir, 0o755)
}

func newTestManager(t *testing.T) (*Manager, *fakeCloner) {
	t.Helper()
	cloner := &fakeCloner{}
	return NewManager(t.TempDir(), cloner, logging.NewNop()), cloner
}

func TestEnsureClonesOnce(t *testing.T) {
	m, cloner := newTestManager(t)
	repo := policy.RepoRef{URL: "https://example.com/repo.git", Branch: "main"}

	dir, err := m.Ensure(context.Background(), "1", repo)
	require.NoError(t, err)
	assert.Equal(t, m.Dir("1"), dir)
	assert.Equal(t, 1, cloner.calls)

	// Reused on repeated steps of the same task.
	_, err = m.Ensure(context.Background(), "1", repo)
	require.NoError(t, err)
	assert.Equal(t, 1, cloner.calls)

	// A different task gets its own checkout.
	_, err = m.Ensure(context.Background(), "2", repo)
	require.NoError(t, err)
	assert.Equal(t, 2, cloner.calls)
}

func TestApplyWriteAndDelete(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.ts"), []byte("x"), 0o644))

	err := m.Apply(dir, []model.Edit{
		{Path: "src/health.ts", Action: model.ActionWrite, Content: "export const ok = true\n"},
		{Path: "old.ts", Action: model.ActionDelete},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "src", "health.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const ok = true\n", string(content))

	_, err = os.Stat(filepath.Join(dir, "old.ts"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyRejectsTraversalBeforeWriting(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()

	err := m.Apply(dir, []model.Edit{
		{Path: "ok.ts", Action: model.ActionWrite, Content: "fine"},
		{Path: "../escape.ts", Action: model.ActionWrite, Content: "evil"},
	})
	require.ErrorIs(t, err, policy.ErrUnsafePath)

	// The whole apply is rejected: even the safe edit was not written.
	_, statErr := os.Stat(filepath.Join(dir, "ok.ts"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanup(t *testing.T) {
	m, _ := newTestManager(t)
	repo := policy.RepoRef{URL: "https://example.com/repo.git", Branch: "main"}

	dir, err := m.Ensure(context.Background(), "1", repo)
	require.NoError(t, err)

	require.NoError(t, m.Cleanup("1"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Cleaning up twice is fine.
	require.NoError(t, m.Cleanup("1"))
}
