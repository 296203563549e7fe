package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seq(names ...string) []Event {
	events := make([]Event, 0, len(names))
	for _, n := range names {
		events = append(events, New("1", n, ByConsumer, nil))
	}
	return events
}

func TestFold(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   Phase
	}{
		{
			name:   "no events",
			events: nil,
			want:   PhaseIntake,
		},
		{
			name:   "intake only",
			events: seq(Accepted),
			want:   Phase(Accepted),
		},
		{
			name:   "forward progress",
			events: seq(Accepted, Picked, ContextLoaded, PlanGenerated),
			want:   Phase(PlanGenerated),
		},
		{
			name:   "done is absorbing",
			events: seq(Accepted, Picked, Done, Picked),
			want:   PhaseDone,
		},
		{
			name:   "error is absorbing",
			events: seq(Accepted, Error, Approved),
			want:   PhaseError,
		},
		{
			name:   "noop does not change phase",
			events: seq(Accepted, Approved, Noop),
			want:   Phase(Approved),
		},
		{
			name:   "policy violation does not change phase",
			events: seq(Accepted, DiffGenerated, PolicyViolation),
			want:   Phase(DiffGenerated),
		},
		{
			name:   "replayed resets a terminal log",
			events: seq(Accepted, Error, Replayed, Picked),
			want:   Phase(Picked),
		},
		{
			name:   "replayed alone returns to intake",
			events: seq(Accepted, Done, Replayed),
			want:   PhaseIntake,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.events))
			// Idempotent replay: folding the same prefix twice yields the
			// same phase.
			assert.Equal(t, Fold(tt.events), Fold(tt.events))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, Terminal(seq(Accepted, Picked)))
	assert.True(t, Terminal(seq(Accepted, Done)))
	assert.True(t, Terminal(seq(Accepted, Error)))
	assert.False(t, Terminal(seq(Accepted, Error, Replayed)))
}

func TestLifecycle(t *testing.T) {
	events := seq(Accepted, CommitCreated, Error, Replayed, Accepted)

	current := Lifecycle(events)
	assert.Len(t, current, 1)
	assert.Equal(t, Accepted, current[0].Name)

	// A replayed task must not inherit the gates of its failed run.
	assert.False(t, HasEvent(current, CommitCreated))
	assert.True(t, HasEvent(events, CommitCreated))
}

func TestLastEvent(t *testing.T) {
	events := seq(Accepted, Picked)
	events[1].Meta = map[string]string{"chatId": "42"}

	got, ok := LastEvent(events, Picked)
	assert.True(t, ok)
	assert.Equal(t, "42", got.Meta["chatId"])

	_, ok = LastEvent(events, Pushed)
	assert.False(t, ok)
}
