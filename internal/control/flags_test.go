package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	f, err := NewFlags(t.TempDir())
	require.NoError(t, err)

	assert.False(t, f.Paused())
	assert.False(t, f.ExecutorDisabled())

	require.NoError(t, f.Pause())
	assert.True(t, f.Paused())
	// Setting twice is idempotent.
	require.NoError(t, f.Pause())
	assert.True(t, f.Paused())

	require.NoError(t, f.Resume())
	assert.False(t, f.Paused())
	// Clearing twice is idempotent.
	require.NoError(t, f.Resume())

	require.NoError(t, f.DisableExecutor())
	assert.True(t, f.ExecutorDisabled())
	assert.False(t, f.Paused())

	require.NoError(t, f.EnableExecutor())
	assert.False(t, f.ExecutorDisabled())
}

func TestFlagsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFlags(dir)
	require.NoError(t, err)
	require.NoError(t, f.Pause())

	reopened, err := NewFlags(dir)
	require.NoError(t, err)
	assert.True(t, reopened.Paused())
}
