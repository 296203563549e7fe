package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/chatopsd/internal/event"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
	"github.com/fyrsmithlabs/chatopsd/internal/session"
	"github.com/fyrsmithlabs/chatopsd/internal/telemetry"
)

type fixture struct {
	router   *Router
	queue    *queue.Queue
	events   *event.Log
	sessions *session.Store
}

func newFixture(t *testing.T, privileged ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewNop()

	q, err := queue.New(dir, logger)
	require.NoError(t, err)
	events, err := event.NewLog(dir, logger)
	require.NoError(t, err)
	sessions, err := session.NewStore(dir, 20, logger)
	require.NoError(t, err)

	return &fixture{
		router:   New(q, events, sessions, privileged, telemetry.NewMetrics(), logger),
		queue:    q,
		events:   events,
		sessions: sessions,
	}
}

func TestRoutePrivilegedActionVerb(t *testing.T) {
	f := newFixture(t, "100")

	task, err := f.router.Route(Message{
		Source: "telegram",
		ChatID: "100",
		Author: "alice",
		Text:   "add a health endpoint",
	})
	require.NoError(t, err)

	assert.Equal(t, queue.IntentCodeChange, task.Intent)
	assert.Equal(t, "add a health endpoint", task.Text)
	assert.Equal(t, "1", task.ID)

	// Task is enqueued and the accepted event appended.
	head, ok, err := f.queue.PeekHead()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, head.ID)

	events, err := f.events.Replay(task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.Accepted, events[0].Name)
	assert.Equal(t, event.ByGateway, events[0].By)
}

func TestRouteUnprivilegedActionVerb(t *testing.T) {
	f := newFixture(t) // nobody privileged

	task, err := f.router.Route(Message{ChatID: "200", Text: "add a health endpoint"})
	require.NoError(t, err)
	assert.Equal(t, queue.IntentClassifyOrChat, task.Intent)
}

func TestRouteNonVerbTextDefersToModel(t *testing.T) {
	f := newFixture(t, "100")

	task, err := f.router.Route(Message{ChatID: "100", Text: "what does the deploy script do?"})
	require.NoError(t, err)
	assert.Equal(t, queue.IntentClassifyOrChat, task.Intent)
}

func TestRouteEmptyTextUnknown(t *testing.T) {
	f := newFixture(t, "100")

	task, err := f.router.Route(Message{ChatID: "100", Text: "   "})
	require.NoError(t, err)
	assert.Equal(t, queue.IntentUnknown, task.Intent)
}

func TestRouteAffirmativeConsumesPendingSwitch(t *testing.T) {
	f := newFixture(t, "100")

	require.NoError(t, f.sessions.SetPendingSwitch("100", session.PendingSwitch{
		Intent:    queue.IntentCodeChange,
		TaskText:  "add a health endpoint",
		CreatedAt: time.Now().UTC(),
	}))

	task, err := f.router.Route(Message{ChatID: "100", Text: "yes"})
	require.NoError(t, err)

	// The stashed text becomes the new task's text.
	assert.Equal(t, queue.IntentCodeChange, task.Intent)
	assert.Equal(t, "add a health endpoint", task.Text)

	// Slot is consumed.
	sess, ok, err := f.sessions.Load("100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, sess.Pending)
}

func TestRouteNegativeClearsPendingSwitch(t *testing.T) {
	f := newFixture(t, "100")

	require.NoError(t, f.sessions.SetPendingSwitch("100", session.PendingSwitch{
		Intent:   queue.IntentCodeChange,
		TaskText: "add a health endpoint",
	}))

	task, err := f.router.Route(Message{ChatID: "100", Text: "no"})
	require.NoError(t, err)

	// Declined: slot cleared, intent falls through the rest of the chain.
	assert.Equal(t, queue.IntentClassifyOrChat, task.Intent)
	assert.Equal(t, "no", task.Text)

	sess, _, err := f.sessions.Load("100")
	require.NoError(t, err)
	assert.Nil(t, sess.Pending)
}

func TestRouteOtherTextLeavesPendingSwitch(t *testing.T) {
	f := newFixture(t, "100")

	require.NoError(t, f.sessions.SetPendingSwitch("100", session.PendingSwitch{
		Intent:   queue.IntentCodeChange,
		TaskText: "add a health endpoint",
	}))

	_, err := f.router.Route(Message{ChatID: "100", Text: "what would that change?"})
	require.NoError(t, err)

	sess, _, err := f.sessions.Load("100")
	require.NoError(t, err)
	assert.NotNil(t, sess.Pending)
}

func TestRouteIDsMonotonic(t *testing.T) {
	f := newFixture(t, "100")

	first, err := f.router.Route(Message{ChatID: "100", Text: "add x"})
	require.NoError(t, err)
	second, err := f.router.Route(Message{ChatID: "100", Text: "add y"})
	require.NoError(t, err)

	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "2", second.ID)
}
