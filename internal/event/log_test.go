package event

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := NewLog(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	return l
}

func TestAppendAndReplay(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append("1", Accepted, ByGateway, map[string]string{"source": "telegram"})
	require.NoError(t, err)
	_, err = l.Append("2", Accepted, ByGateway, nil)
	require.NoError(t, err)
	_, err = l.Append("1", Picked, ByConsumer, nil)
	require.NoError(t, err)

	events, err := l.Replay("1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Order is append order, and replay is stable.
	assert.Equal(t, Accepted, events[0].Name)
	assert.Equal(t, Picked, events[1].Name)
	assert.Equal(t, "telegram", events[0].Meta["source"])

	again, err := l.Replay("1")
	require.NoError(t, err)
	assert.Equal(t, events, again)
}

func TestReplayEmptyLog(t *testing.T) {
	l := newTestLog(t)

	events, err := l.Replay("nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplaySkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, logging.NewNop())
	require.NoError(t, err)

	_, err = l.Append("1", Accepted, ByGateway, nil)
	require.NoError(t, err)

	// Simulate a crash mid-append: a truncated JSON tail.
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"taskId":"1","event":"pic`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Replay("1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Accepted, events[0].Name)
}
