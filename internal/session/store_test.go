package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
)

func newTestStore(t *testing.T, window int) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), window, logging.NewNop())
	require.NoError(t, err)
	return s
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t, 20)

	_, ok, err := s.Load("100")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendHistoryBoundedWindow(t *testing.T) {
	s := newTestStore(t, 4)

	for i := 0; i < 6; i++ {
		require.NoError(t, s.AppendHistory("100",
			Turn{Role: "user", Content: fmt.Sprintf("msg-%d", i)}))
	}

	sess, ok, err := s.Load("100")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sess.History, 4)
	assert.Equal(t, "msg-2", sess.History[0].Content)
	assert.Equal(t, "msg-5", sess.History[3].Content)
}

func TestPendingSwitchSingleSlot(t *testing.T) {
	s := newTestStore(t, 20)

	first := PendingSwitch{
		Intent:    queue.IntentCodeChange,
		TaskText:  "add logging",
		CreatedAt: time.Now().UTC(),
	}
	second := PendingSwitch{
		Intent:    queue.IntentCodeChange,
		TaskText:  "add metrics",
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, s.SetPendingSwitch("100", first))
	require.NoError(t, s.SetPendingSwitch("100", second))

	sess, ok, err := s.Load("100")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, sess.Pending)
	// Setting twice leaves only the latest value.
	assert.Equal(t, "add metrics", sess.Pending.TaskText)

	require.NoError(t, s.ClearPendingSwitch("100"))
	sess, _, err = s.Load("100")
	require.NoError(t, err)
	assert.Nil(t, sess.Pending)

	// Clearing again is a no-op.
	require.NoError(t, s.ClearPendingSwitch("100"))
}

func TestSessionsIsolatedByChat(t *testing.T) {
	s := newTestStore(t, 20)

	require.NoError(t, s.AppendHistory("100", Turn{Role: "user", Content: "hi"}))
	require.NoError(t, s.AppendHistory("200", Turn{Role: "user", Content: "hello"}))

	sess, ok, err := s.Load("100")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sess.History, 1)
	assert.Equal(t, "hi", sess.History[0].Content)
}
