// Package resolver implements the task state machine.
//
// Each Step performs at most one unit of forward progress for the queue
// head, derived entirely by replaying the task's events. Every action is
// gated on "does the required event already exist?", which makes a step
// idempotent with respect to prior progress and the whole pipeline safely
// resumable after a crash at any point.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/config"
	"github.com/fyrsmithlabs/chatopsd/internal/control"
	"github.com/fyrsmithlabs/chatopsd/internal/event"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/model"
	"github.com/fyrsmithlabs/chatopsd/internal/policy"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
	"github.com/fyrsmithlabs/chatopsd/internal/scm"
	"github.com/fyrsmithlabs/chatopsd/internal/session"
	"github.com/fyrsmithlabs/chatopsd/internal/telemetry"
)

// Error reasons recorded in the error event's meta.
const (
	ReasonUnknownIntent   = "unknown_intent"
	ReasonPolicyViolation = "policy_violation"
	ReasonModelError      = "model_error"
	ReasonSCMError        = "scm_error"
	ReasonPushFailed      = "push_failed"
	ReasonUnsafePath      = "unsafe_path"
)

// Status is the outcome of one resolver step.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPaused     Status = "paused"
	StatusDisabled   Status = "disabled"
	StatusProgressed Status = "progressed"
	StatusWaiting    Status = "awaiting_approval"
	StatusArchived   Status = "archived"
)

// Model is the language-model collaborator port.
type Model interface {
	ProposeEdits(ctx context.Context, taskText string) (model.EditSet, error)
	Chat(ctx context.Context, history []session.Turn, text string) (model.ChatReply, error)
}

// SourceControl is the git collaborator port.
type SourceControl interface {
	DiffStat(dir string) (scm.DiffStat, error)
	Commit(dir, message string) (string, error)
	Push(ctx context.Context, dir, branch, token string) (string, error)
	RemoteHead(ctx context.Context, dir, branch, token string) (string, error)
}

// Workspaces is the per-task checkout port.
type Workspaces interface {
	Dir(taskID string) string
	Ensure(ctx context.Context, taskID string, repo policy.RepoRef) (string, error)
	Apply(dir string, edits []model.Edit) error
	Cleanup(taskID string) error
}

// Notifier delivers best-effort messages to the requester; failures must
// never propagate into the step.
type Notifier interface {
	Notify(chatID, text string)
}

// Resolver executes the state machine against the queue head.
type Resolver struct {
	cfg        *config.Config
	queue      *queue.Queue
	events     *event.Log
	sessions   *session.Store
	flags      *control.Flags
	model      Model
	scm        SourceControl
	workspaces Workspaces
	notifier   Notifier
	metrics    *telemetry.Metrics
	log        *logging.Logger
}

// New creates a resolver.
func New(
	cfg *config.Config,
	q *queue.Queue,
	events *event.Log,
	sessions *session.Store,
	flags *control.Flags,
	llm Model,
	sourceControl SourceControl,
	workspaces Workspaces,
	notifier Notifier,
	metrics *telemetry.Metrics,
	logger *logging.Logger,
) *Resolver {
	return &Resolver{
		cfg:        cfg,
		queue:      q,
		events:     events,
		sessions:   sessions,
		flags:      flags,
		model:      llm,
		scm:        sourceControl,
		workspaces: workspaces,
		notifier:   notifier,
		metrics:    metrics,
		log:        logger.Named("resolver"),
	}
}

// Step inspects the queue head and performs the single next missing action.
// It returns an error only for storage failures; task-level failures are
// recorded as error events and archived.
func (r *Resolver) Step(ctx context.Context) (Status, error) {
	start := time.Now()
	status, err := r.step(ctx)
	r.metrics.StepDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		r.metrics.StepsTotal.WithLabelValues(string(status)).Inc()
	}
	return status, err
}

func (r *Resolver) step(ctx context.Context) (Status, error) {
	if r.flags.Paused() {
		r.writeStatus(StatusPaused, nil)
		return StatusPaused, nil
	}
	if r.flags.ExecutorDisabled() {
		r.writeStatus(StatusDisabled, nil)
		return StatusDisabled, nil
	}

	task, ok, err := r.queue.PeekHead()
	if err != nil {
		return "", err
	}
	if !ok {
		r.writeStatus(StatusIdle, nil)
		return StatusIdle, nil
	}

	all, err := r.events.Replay(task.ID)
	if err != nil {
		return "", err
	}
	// Operator replay starts a fresh lifecycle: every gate below looks only
	// at events after the last replayed marker.
	cur := event.Lifecycle(all)

	if event.Terminal(cur) {
		return r.archive(task, event.Fold(cur))
	}

	switch task.Intent {
	case queue.IntentUnknown:
		return r.fail(task, cur, ReasonUnknownIntent,
			fmt.Sprintf("Could not understand task #%s. Nothing was queued for execution.", task.ID))
	case queue.IntentInteractive, queue.IntentClassifyOrChat:
		return r.stepChat(ctx, task, cur)
	default:
		return r.stepCodeChange(ctx, task, cur)
	}
}

// stepChat answers interactive and classify_or_chat tasks in one unit: the
// exchange either completes or fails, there is no intermediate halt.
func (r *Resolver) stepChat(ctx context.Context, task queue.Task, cur []event.Event) (Status, error) {
	sess, _, err := r.sessions.Load(task.ChatID)
	if err != nil {
		return "", err
	}

	if cur, err = r.appendOnce(cur, task.ID, event.AIRequested, event.ByExecutor, nil); err != nil {
		return "", err
	}

	reply, chatErr := r.model.Chat(ctx, sess.History, task.Text)
	if chatErr != nil {
		return r.fail(task, cur, ReasonModelError,
			fmt.Sprintf("Task #%s failed: the model did not return a usable reply.", task.ID))
	}

	if cur, err = r.appendOnce(cur, task.ID, event.AIResponseReceived, event.ByExecutor,
		map[string]string{"intent": reply.Intent}); err != nil {
		return "", err
	}

	if err := r.sessions.AppendHistory(task.ChatID,
		session.Turn{Role: "user", Content: task.Text},
		session.Turn{Role: "assistant", Content: reply.Reply},
	); err != nil {
		return "", err
	}

	text := reply.Reply
	if reply.SwitchIntent {
		proposed := reply.FollowUp
		if proposed == "" {
			proposed = task.Text
		}
		if err := r.sessions.SetPendingSwitch(task.ChatID, session.PendingSwitch{
			Intent:    queue.IntentCodeChange,
			TaskText:  proposed,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return "", err
		}
		text += "\n\nReply 'yes' to queue this as a code change."
	}
	r.notifier.Notify(task.ChatID, text)

	if _, err = r.appendOnce(cur, task.ID, event.Done, event.ByExecutor, nil); err != nil {
		return "", err
	}
	return r.archive(task, event.PhaseDone)
}

func (r *Resolver) stepCodeChange(ctx context.Context, task queue.Task, cur []event.Event) (Status, error) {
	var err error

	if !event.HasEvent(cur, event.Picked) {
		if _, err = r.appendOnce(cur, task.ID, event.Picked, event.ByConsumer,
			map[string]string{"chatId": task.ChatID}); err != nil {
			return "", err
		}
		r.writeStatus(Status("picked"), &task)
		r.notifier.Notify(task.ChatID, fmt.Sprintf("Picked up task #%s: %s", task.ID, task.Text))
		return StatusProgressed, nil
	}

	if !event.HasEvent(cur, event.ContextLoaded) {
		if _, err = r.appendOnce(cur, task.ID, event.ContextLoaded, event.ByExecutor, nil); err != nil {
			return "", err
		}
		return StatusProgressed, nil
	}

	if !event.HasEvent(cur, event.PlanGenerated) {
		if _, err = r.appendOnce(cur, task.ID, event.PlanGenerated, event.ByExecutor, nil); err != nil {
			return "", err
		}
		return StatusProgressed, nil
	}

	// The dry-run is one idempotent boundary: a crash inside it re-runs the
	// whole dry-run, but once dry_run_ready exists it is never repeated.
	if !event.HasEvent(cur, event.WorkspaceReady) ||
		!event.HasEvent(cur, event.DiffGenerated) ||
		!event.HasEvent(cur, event.DryRunReady) {
		return r.dryRun(ctx, task, cur)
	}

	if !event.HasEvent(cur, event.Approved) {
		r.writeStatus(StatusWaiting, &task)
		return StatusWaiting, nil
	}

	dryRun, _ := event.LastEvent(cur, event.DryRunReady)
	if dryRun.Meta["noChanges"] == "true" {
		return r.finalizeNoop(task, cur)
	}

	if !event.HasEvent(cur, event.CommitCreated) {
		return r.commit(ctx, task, cur)
	}

	if !event.HasEvent(cur, event.Pushed) {
		return r.push(ctx, task, cur)
	}

	return r.finalize(task, cur)
}

func (r *Resolver) dryRun(ctx context.Context, task queue.Task, cur []event.Event) (Status, error) {
	pol := policy.Load(r.cfg)
	var err error

	if cur, err = r.appendOnce(cur, task.ID, event.AIRequested, event.ByExecutor, nil); err != nil {
		return "", err
	}

	set, modelErr := r.model.ProposeEdits(ctx, task.Text)
	if modelErr != nil {
		return r.fail(task, cur, ReasonModelError,
			fmt.Sprintf("Task #%s failed: the model did not return a usable edit set.", task.ID))
	}

	if cur, err = r.appendOnce(cur, task.ID, event.AIResponseReceived, event.ByExecutor,
		map[string]string{"summary": set.Summary, "edits": strconv.Itoa(len(set.Edits))}); err != nil {
		return "", err
	}

	dir, wsErr := r.workspaces.Ensure(ctx, task.ID, pol.Repo)
	if wsErr != nil {
		return r.fail(task, cur, ReasonSCMError,
			fmt.Sprintf("Task #%s failed: could not prepare the workspace.", task.ID))
	}
	if cur, err = r.appendOnce(cur, task.ID, event.WorkspaceReady, event.ByExecutor,
		map[string]string{"dir": dir}); err != nil {
		return "", err
	}

	if applyErr := r.workspaces.Apply(dir, set.Edits); applyErr != nil {
		if errors.Is(applyErr, policy.ErrUnsafePath) {
			return r.fail(task, cur, ReasonUnsafePath,
				fmt.Sprintf("Task #%s rejected: a proposed edit escapes the workspace.", task.ID))
		}
		return r.fail(task, cur, ReasonSCMError,
			fmt.Sprintf("Task #%s failed: could not apply the proposed edits.", task.ID))
	}

	stat, diffErr := r.scm.DiffStat(dir)
	if diffErr != nil {
		return r.fail(task, cur, ReasonSCMError,
			fmt.Sprintf("Task #%s failed: could not compute the diff.", task.ID))
	}
	if cur, err = r.appendOnce(cur, task.ID, event.DiffGenerated, event.ByExecutor, map[string]string{
		"files":     strings.Join(stat.Files, ","),
		"additions": strconv.Itoa(stat.Additions),
		"deletions": strconv.Itoa(stat.Deletions),
	}); err != nil {
		return "", err
	}

	if valErr := policy.Validate(stat.Files, pol); valErr != nil {
		var violation *policy.ViolationError
		if errors.As(valErr, &violation) {
			if cur, err = r.appendOnce(cur, task.ID, event.PolicyViolation, event.ByExecutor,
				map[string]string{"paths": strings.Join(violation.Paths, ",")}); err != nil {
				return "", err
			}
			return r.fail(task, cur, ReasonPolicyViolation,
				fmt.Sprintf("Task #%s rejected by policy. Offending paths: %s",
					task.ID, strings.Join(violation.Paths, ", ")))
		}
		return r.fail(task, cur, ReasonUnsafePath,
			fmt.Sprintf("Task #%s rejected: a changed path escapes the workspace.", task.ID))
	}

	if _, err = r.appendOnce(cur, task.ID, event.DryRunReady, event.ByExecutor, map[string]string{
		"summary":   set.Summary,
		"files":     strconv.Itoa(len(stat.Files)),
		"additions": strconv.Itoa(stat.Additions),
		"deletions": strconv.Itoa(stat.Deletions),
		"noChanges": strconv.FormatBool(stat.NoChanges()),
	}); err != nil {
		return "", err
	}

	if stat.NoChanges() {
		r.notifier.Notify(task.ChatID,
			fmt.Sprintf("Dry-run for task #%s produced no changes. Approve to close it as a no-op.", task.ID))
	} else {
		r.notifier.Notify(task.ChatID, fmt.Sprintf(
			"Dry-run ready for task #%s: %d file(s), +%d/-%d\n%s\nReply 'approve %s' to apply.",
			task.ID, len(stat.Files), stat.Additions, stat.Deletions, set.Summary, task.ID))
	}
	r.writeStatus(StatusWaiting, &task)
	return StatusWaiting, nil
}

func (r *Resolver) commit(ctx context.Context, task queue.Task, cur []event.Event) (Status, error) {
	pol := policy.Load(r.cfg)

	dir, wsErr := r.workspaces.Ensure(ctx, task.ID, pol.Repo)
	if wsErr != nil {
		return r.fail(task, cur, ReasonSCMError,
			fmt.Sprintf("Task #%s failed: could not prepare the workspace.", task.ID))
	}

	hash, commitErr := r.scm.Commit(dir, fmt.Sprintf("chatops: task %s\n\n%s", task.ID, task.Text))
	if commitErr != nil {
		return r.fail(task, cur, ReasonSCMError,
			fmt.Sprintf("Task #%s failed: could not create the commit.", task.ID))
	}

	if _, err := r.appendOnce(cur, task.ID, event.CommitCreated, event.ByExecutor,
		map[string]string{"hash": hash}); err != nil {
		return "", err
	}
	r.notifier.Notify(task.ChatID, fmt.Sprintf("Committed %.10s for task #%s.", hash, task.ID))
	return StatusProgressed, nil
}

// push sends the commit to the target branch. A push_requested marker is
// appended before the network call; on resume, marker-without-pushed means
// the outcome is unknown, so the remote head is checked before retrying to
// keep the push effectively at-most-once.
func (r *Resolver) push(ctx context.Context, task queue.Task, cur []event.Event) (Status, error) {
	pol := policy.Load(r.cfg)
	dir := r.workspaces.Dir(task.ID)
	token := r.cfg.Repo.Token

	commitEvt, _ := event.LastEvent(cur, event.CommitCreated)
	localHash := commitEvt.Meta["hash"]

	if event.HasEvent(cur, event.PushRequested) {
		remote, err := r.scm.RemoteHead(ctx, dir, pol.Repo.Branch, token)
		if err == nil && remote == localHash {
			if _, err := r.appendOnce(cur, task.ID, event.Pushed, event.ByExecutor,
				map[string]string{"hash": localHash, "verified": "true"}); err != nil {
				return "", err
			}
			r.notifier.Notify(task.ChatID,
				fmt.Sprintf("Push for task #%s already landed as %.10s.", task.ID, localHash))
			return StatusProgressed, nil
		}
	} else {
		var err error
		if cur, err = r.appendOnce(cur, task.ID, event.PushRequested, event.ByExecutor,
			map[string]string{"hash": localHash}); err != nil {
			return "", err
		}
	}

	hash, pushErr := r.scm.Push(ctx, dir, pol.Repo.Branch, token)
	if pushErr != nil {
		var pe *scm.PushError
		if errors.As(pushErr, &pe) {
			return r.fail(task, cur, ReasonPushFailed,
				fmt.Sprintf("Push failed for task #%s: %v. The commit is kept; replay to retry the push.", task.ID, pe.Err))
		}
		return r.fail(task, cur, ReasonSCMError,
			fmt.Sprintf("Task #%s failed while pushing.", task.ID))
	}

	if _, err := r.appendOnce(cur, task.ID, event.Pushed, event.ByExecutor,
		map[string]string{"hash": hash}); err != nil {
		return "", err
	}
	r.notifier.Notify(task.ChatID,
		fmt.Sprintf("Pushed task #%s to %s as %.10s.", task.ID, pol.Repo.Branch, hash))
	return StatusProgressed, nil
}

func (r *Resolver) finalizeNoop(task queue.Task, cur []event.Event) (Status, error) {
	var err error
	if cur, err = r.appendOnce(cur, task.ID, event.Noop, event.ByExecutor, nil); err != nil {
		return "", err
	}
	if _, err = r.appendOnce(cur, task.ID, event.Done, event.ByExecutor, nil); err != nil {
		return "", err
	}
	r.notifier.Notify(task.ChatID, fmt.Sprintf("Task #%s finished: no changes were needed.", task.ID))
	return r.archive(task, event.PhaseDone)
}

func (r *Resolver) finalize(task queue.Task, cur []event.Event) (Status, error) {
	if _, err := r.appendOnce(cur, task.ID, event.Done, event.ByExecutor, nil); err != nil {
		return "", err
	}
	r.notifier.Notify(task.ChatID, fmt.Sprintf("Task #%s completed and pushed.", task.ID))
	return r.archive(task, event.PhaseDone)
}

// fail records exactly one error event for the current lifecycle, notifies
// the requester once, and archives the task. Failed tasks are never retried
// automatically; recovery requires an operator replay.
func (r *Resolver) fail(task queue.Task, cur []event.Event, reason, text string) (Status, error) {
	if !event.HasEvent(cur, event.Error) {
		if _, err := r.events.Append(task.ID, event.Error, event.ByExecutor,
			map[string]string{"reason": reason, "message": text}); err != nil {
			return "", err
		}
		r.metrics.EventsTotal.WithLabelValues(event.Error).Inc()
		r.notifier.Notify(task.ChatID, text)
		r.log.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("reason", reason))
	}
	return r.archive(task, event.PhaseError)
}

// archive copies the task to the processed store and pops it off the queue.
// The workspace of a failed task is kept for inspection and replay.
func (r *Resolver) archive(task queue.Task, phase event.Phase) (Status, error) {
	if phase == event.PhaseDone {
		if err := r.workspaces.Cleanup(task.ID); err != nil {
			r.log.Warn("workspace cleanup failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if err := r.queue.Archive(task); err != nil {
		return "", err
	}
	if _, err := r.queue.PopHead(); err != nil {
		return "", err
	}
	r.metrics.TasksArchivedTotal.WithLabelValues(string(phase)).Inc()
	r.writeStatus(StatusArchived, &task)
	r.log.Info("task archived",
		zap.String("task_id", task.ID),
		zap.String("phase", string(phase)))
	return StatusArchived, nil
}

// appendOnce appends the event unless the current lifecycle already has it,
// returning the (possibly extended) lifecycle.
func (r *Resolver) appendOnce(cur []event.Event, taskID, name string, by event.Actor, meta map[string]string) ([]event.Event, error) {
	if event.HasEvent(cur, name) {
		return cur, nil
	}
	e, err := r.events.Append(taskID, name, by, meta)
	if err != nil {
		return cur, err
	}
	r.metrics.EventsTotal.WithLabelValues(name).Inc()
	return append(cur, e), nil
}
