// Package router turns inbound chat messages into queued tasks.
//
// Intent resolution is an ordered chain of deterministic matchers; the final
// fallthrough defers to the LLM (classify_or_chat) so the model is only
// consulted when no rule fires.
package router

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/event"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
	"github.com/fyrsmithlabs/chatopsd/internal/session"
	"github.com/fyrsmithlabs/chatopsd/internal/telemetry"
)

// Message is an inbound chat message as delivered by a channel adapter.
type Message struct {
	Source string
	ChatID string
	Author string
	Text   string
}

// actionVerbRe is the fast-path matcher for privileged chats: messages that
// open with an imperative change verb skip LLM classification entirely.
var actionVerbRe = regexp.MustCompile(`(?i)^(add|fix|create|update|remove|delete|implement|change|refactor|rename|write)\b`)

var affirmativeTokens = map[string]bool{
	"yes": true, "y": true, "yep": true, "yeah": true,
	"ok": true, "okay": true, "sure": true, "confirm": true, "do it": true,
}

var negativeTokens = map[string]bool{
	"no": true, "n": true, "nope": true, "cancel": true, "stop": true,
}

// Router classifies messages and appends tasks to the intake queue.
type Router struct {
	queue      *queue.Queue
	events     *event.Log
	sessions   *session.Store
	privileged map[string]bool
	metrics    *telemetry.Metrics
	log        *logging.Logger
	chain      []matcher
}

// matcher is one step of the classifier chain. It either resolves the
// message (resolved=true) or passes it to the next matcher. A matcher may
// rewrite the task text (the pending-switch rule reuses the stashed text).
type matcher struct {
	name  string
	match func(msg Message, text string) (intent queue.Intent, taskText string, resolved bool, err error)
}

// New creates a router.
func New(q *queue.Queue, events *event.Log, sessions *session.Store, privilegedIDs []string, metrics *telemetry.Metrics, logger *logging.Logger) *Router {
	privileged := make(map[string]bool, len(privilegedIDs))
	for _, id := range privilegedIDs {
		privileged[id] = true
	}

	r := &Router{
		queue:      q,
		events:     events,
		sessions:   sessions,
		privileged: privileged,
		metrics:    metrics,
		log:        logger.Named("router"),
	}
	r.chain = []matcher{
		{name: "pending_switch", match: r.matchPendingSwitch},
		{name: "action_verb", match: r.matchActionVerb},
		{name: "non_empty", match: matchNonEmpty},
	}
	return r
}

// Privileged reports whether the chat may issue code changes and operator
// commands directly.
func (r *Router) Privileged(chatID string) bool {
	return r.privileged[chatID]
}

// Route assigns a task id, resolves the intent through the classifier
// chain, enqueues the task, and appends its accepted event.
func (r *Router) Route(msg Message) (queue.Task, error) {
	text := strings.TrimSpace(msg.Text)

	intent := queue.IntentUnknown
	taskText := text
	rule := "none"
	for _, m := range r.chain {
		resolvedIntent, resolvedText, resolved, err := m.match(msg, text)
		if err != nil {
			return queue.Task{}, fmt.Errorf("matcher %s: %w", m.name, err)
		}
		if resolved {
			intent = resolvedIntent
			taskText = resolvedText
			rule = m.name
			break
		}
	}

	id, err := r.queue.NextID()
	if err != nil {
		return queue.Task{}, fmt.Errorf("failed to assign task id: %w", err)
	}

	task := queue.Task{
		ID:        id,
		Source:    msg.Source,
		ChatID:    msg.ChatID,
		Author:    msg.Author,
		Text:      taskText,
		Intent:    intent,
		CreatedAt: time.Now().UTC(),
		Payload:   map[string]string{"rawText": msg.Text},
	}

	if err := r.queue.Enqueue(task); err != nil {
		return queue.Task{}, err
	}
	if _, err := r.events.Append(task.ID, event.Accepted, event.ByGateway, map[string]string{
		"source": task.Source,
		"chatId": task.ChatID,
	}); err != nil {
		return queue.Task{}, err
	}

	r.metrics.TasksAcceptedTotal.WithLabelValues(string(intent)).Inc()
	r.log.Info("message routed",
		zap.String("task_id", task.ID),
		zap.String("intent", string(intent)),
		zap.String("rule", rule))
	return task, nil
}

// matchPendingSwitch consumes the chat's pending-switch slot when the
// message is a plain yes/no. An affirmative resolves to code_change reusing
// the stashed task text; a negative clears the slot and leaves the intent to
// the rest of the chain.
func (r *Router) matchPendingSwitch(msg Message, text string) (queue.Intent, string, bool, error) {
	sess, ok, err := r.sessions.Load(msg.ChatID)
	if err != nil {
		return "", "", false, err
	}
	if !ok || sess.Pending == nil {
		return "", "", false, nil
	}

	token := strings.ToLower(text)
	switch {
	case affirmativeTokens[token]:
		stashed := sess.Pending.TaskText
		if err := r.sessions.ClearPendingSwitch(msg.ChatID); err != nil {
			return "", "", false, err
		}
		return queue.IntentCodeChange, stashed, true, nil
	case negativeTokens[token]:
		if err := r.sessions.ClearPendingSwitch(msg.ChatID); err != nil {
			return "", "", false, err
		}
		return "", "", false, nil
	default:
		return "", "", false, nil
	}
}

func (r *Router) matchActionVerb(msg Message, text string) (queue.Intent, string, bool, error) {
	if r.privileged[msg.ChatID] && actionVerbRe.MatchString(text) {
		return queue.IntentCodeChange, text, true, nil
	}
	return "", "", false, nil
}

func matchNonEmpty(_ Message, text string) (queue.Intent, string, bool, error) {
	if text != "" {
		return queue.IntentClassifyOrChat, text, true, nil
	}
	return "", "", false, nil
}
