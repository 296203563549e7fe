// Package event implements the append-only task event log.
//
// The log is the single source of truth for task progress: a task's phase is
// always recomputed by folding its ordered events, never read from a stored
// status field. Events are one JSON object per line in events.jsonl and are
// never edited or deleted.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Actor identifies who appended an event.
type Actor string

const (
	ByGateway  Actor = "gateway"
	ByConsumer Actor = "consumer"
	ByExecutor Actor = "executor"
	ByOperator Actor = "operator"
)

// Recognized event names. Forward-path events appear in the order a
// successful code-change task traverses them.
const (
	Accepted           = "accepted"
	Picked             = "picked"
	ContextLoaded      = "context_loaded"
	PlanGenerated      = "plan_generated"
	AIRequested        = "ai_requested"
	AIResponseReceived = "ai_response_received"
	WorkspaceReady     = "workspace_ready"
	DiffGenerated      = "diff_generated"
	PolicyViolation    = "policy_violation"
	DryRunReady        = "dry_run_ready"
	Approved           = "approved"
	CommitCreated      = "commit_created"
	PushRequested      = "push_requested"
	Pushed             = "pushed"
	Done               = "done"

	// Alternate terminal outcomes.
	Error = "error"
	Noop  = "noop"

	// Operator-injected control event. Replayed starts a fresh lifecycle
	// for a task whose log already holds a terminal event.
	Replayed = "replayed"
)

// Event is an immutable fact about a task's progress.
type Event struct {
	ID     string            `json:"id"`
	TaskID string            `json:"taskId"`
	Name   string            `json:"event"`
	By     Actor             `json:"by"`
	Meta   map[string]string `json:"meta,omitempty"`
	TS     time.Time         `json:"ts"`
}

// New builds an event with a fresh id and timestamp.
func New(taskID, name string, by Actor, meta map[string]string) Event {
	return Event{
		ID:     uuid.NewString(),
		TaskID: taskID,
		Name:   name,
		By:     by,
		Meta:   meta,
		TS:     time.Now().UTC(),
	}
}

// Phase is a task's lifecycle position, derived by Fold.
type Phase string

const (
	// PhaseIntake is the phase of a task with no recognized events yet.
	PhaseIntake Phase = "intake"

	PhaseDone  Phase = "done"
	PhaseError Phase = "error"
)

// forwardPath is the canonical order of forward-path events. Fold tracks the
// last one seen; anything not listed here (noop, policy_violation, replayed,
// operator control events) never becomes a phase on its own.
var forwardPath = map[string]bool{
	Accepted:           true,
	Picked:             true,
	ContextLoaded:      true,
	PlanGenerated:      true,
	AIRequested:        true,
	AIResponseReceived: true,
	WorkspaceReady:     true,
	DiffGenerated:      true,
	DryRunReady:        true,
	Approved:           true,
	CommitCreated:      true,
	PushRequested:      true,
	Pushed:             true,
}

// Fold computes the phase of an ordered event sequence. It is a pure
// function: folding the same prefix always yields the same phase. done and
// error are absorbing, except that a later replayed event resets the fold to
// a fresh lifecycle.
func Fold(events []Event) Phase {
	phase := PhaseIntake
	terminal := false
	for _, e := range events {
		if e.Name == Replayed {
			phase = PhaseIntake
			terminal = false
			continue
		}
		if terminal {
			continue
		}
		switch {
		case e.Name == Done:
			phase = PhaseDone
			terminal = true
		case e.Name == Error:
			phase = PhaseError
			terminal = true
		case forwardPath[e.Name]:
			phase = Phase(e.Name)
		}
	}
	return phase
}

// Terminal reports whether the sequence has reached an absorbing phase.
func Terminal(events []Event) bool {
	phase := Fold(events)
	return phase == PhaseDone || phase == PhaseError
}

// Lifecycle returns the suffix of events after the last replayed marker.
// Resolver guards ("does the required event already exist?") operate on the
// current lifecycle so a replayed task re-runs every step instead of
// inheriting the gates of its failed run.
func Lifecycle(events []Event) []Event {
	start := 0
	for i, e := range events {
		if e.Name == Replayed {
			start = i + 1
		}
	}
	return events[start:]
}

// HasEvent reports whether an event with the given name is present.
func HasEvent(events []Event, name string) bool {
	for _, e := range events {
		if e.Name == name {
			return true
		}
	}
	return false
}

// LastEvent returns the most recent event with the given name.
func LastEvent(events []Event, name string) (Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Name == name {
			return events[i], true
		}
	}
	return Event{}, false
}
