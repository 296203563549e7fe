// Package telegram is the inbound channel adapter: a long-poll loop over
// the bot getUpdates endpoint that feeds chat messages into the router and
// interprets operator commands from privileged chats.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/config"
	"github.com/fyrsmithlabs/chatopsd/internal/control"
	"github.com/fyrsmithlabs/chatopsd/internal/event"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
	"github.com/fyrsmithlabs/chatopsd/internal/router"
)

const defaultAPIRoot = "https://api.telegram.org"

// Sender delivers synchronous acknowledgements back to the chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Poller long-polls the bot API and dispatches every update.
type Poller struct {
	cfg     config.TelegramConfig
	router  *router.Router
	queue   *queue.Queue
	events  *event.Log
	flags   *control.Flags
	sender  Sender
	client  *http.Client
	apiRoot string
	offset  int64
	log     *logging.Logger
}

// New creates a poller.
func New(
	cfg config.TelegramConfig,
	rtr *router.Router,
	q *queue.Queue,
	events *event.Log,
	flags *control.Flags,
	sender Sender,
	logger *logging.Logger,
) *Poller {
	apiRoot := cfg.APIRoot
	if apiRoot == "" {
		apiRoot = defaultAPIRoot
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &Poller{
		cfg:     cfg,
		router:  rtr,
		queue:   q,
		events:  events,
		flags:   flags,
		sender:  sender,
		client:  &http.Client{Timeout: time.Duration(pollTimeout+10) * time.Second},
		apiRoot: apiRoot,
		log:     logger.Named("telegram"),
	}
}

// Run blocks until ctx is cancelled. Poll failures back off by the
// configured poll interval instead of hot-looping against the API.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.BotToken == "" {
		p.log.Warn("no bot token configured, telegram channel disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	interval := p.cfg.PollInterval.Duration()
	if interval <= 0 {
		interval = time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := p.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			continue
		}

		for _, u := range updates {
			p.offset = u.UpdateID + 1
			if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
				continue
			}
			p.handle(ctx, u.Message)
		}
	}
}

type update struct {
	UpdateID int64     `json:"update_id"`
	Message  *incoming `json:"message"`
}

type incoming struct {
	From struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

type updatesResponse struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description"`
	Result      []update `json:"result"`
}

func (p *Poller) getUpdates(ctx context.Context) ([]update, error) {
	pollTimeout := p.cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30
	}

	q := url.Values{}
	q.Set("timeout", strconv.Itoa(pollTimeout))
	q.Set("offset", strconv.FormatInt(p.offset, 10))
	q.Set("allowed_updates", `["message"]`)

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", p.apiRoot, p.cfg.BotToken, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getUpdates failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getUpdates returned status %d", resp.StatusCode)
	}

	var parsed updatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates rejected: %s", parsed.Description)
	}
	return parsed.Result, nil
}

func (p *Poller) handle(ctx context.Context, msg *incoming) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	author := msg.From.Username
	if author == "" {
		author = msg.From.FirstName
	}
	text := strings.TrimSpace(msg.Text)

	if p.router.Privileged(chatID) {
		if handled := p.handleCommand(ctx, chatID, author, text); handled {
			return
		}
	}

	task, err := p.router.Route(router.Message{
		Source: "telegram",
		ChatID: chatID,
		Author: author,
		Text:   text,
	})
	if err != nil {
		p.log.Error("failed to route message", zap.String("chat_id", chatID), zap.Error(err))
		p.reply(ctx, chatID, "Something went wrong accepting that message, please try again.")
		return
	}

	// Chat intents get their answer from the pipeline itself; only queued
	// code changes are acknowledged up front.
	if task.Intent == queue.IntentCodeChange {
		p.reply(ctx, chatID, fmt.Sprintf("Accepted task #%s. Running a dry-run, I'll report back.", task.ID))
	}
}

// handleCommand interprets operator commands. It reports false for anything
// that is not a command so the text falls through to the router.
func (p *Poller) handleCommand(ctx context.Context, chatID, author, text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch cmd {
	case "approve":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		p.approve(ctx, chatID, author, id)
	case "replay":
		if len(args) == 0 {
			p.reply(ctx, chatID, "Usage: replay <task-id>")
			return true
		}
		p.replay(ctx, chatID, author, args[0])
	case "pause":
		p.controlFlag(ctx, chatID, p.flags.Pause, "Paused. No new work will start.")
	case "resume":
		p.controlFlag(ctx, chatID, p.flags.Resume, "Resumed.")
	case "disable_executor":
		p.controlFlag(ctx, chatID, p.flags.DisableExecutor, "Executor disabled. Queued tasks will wait.")
	case "enable_executor":
		p.controlFlag(ctx, chatID, p.flags.EnableExecutor, "Executor enabled.")
	case "status":
		p.status(ctx, chatID)
	default:
		return false
	}
	return true
}

// approve appends the approved event for the task awaiting it. With
// single-head processing the awaiting task is always the queue head; an
// explicit id only guards against approving the wrong one.
func (p *Poller) approve(ctx context.Context, chatID, author, id string) {
	task, ok, err := p.queue.PeekHead()
	if err != nil {
		p.log.Error("failed to peek queue", zap.Error(err))
		p.reply(ctx, chatID, "Could not read the queue, try again.")
		return
	}
	if !ok {
		p.reply(ctx, chatID, "Nothing is awaiting approval.")
		return
	}
	if id != "" && id != task.ID {
		p.reply(ctx, chatID, fmt.Sprintf("Task #%s is not at the head of the queue; #%s is.", id, task.ID))
		return
	}

	all, err := p.events.Replay(task.ID)
	if err != nil {
		p.log.Error("failed to replay events", zap.String("task_id", task.ID), zap.Error(err))
		p.reply(ctx, chatID, "Could not read the task history, try again.")
		return
	}
	life := event.Lifecycle(all)
	switch {
	case event.HasEvent(life, event.Approved):
		p.reply(ctx, chatID, fmt.Sprintf("Task #%s is already approved.", task.ID))
	case !event.HasEvent(life, event.DryRunReady) || event.Terminal(life):
		p.reply(ctx, chatID, fmt.Sprintf("Task #%s is not awaiting approval.", task.ID))
	default:
		if _, err := p.events.Append(task.ID, event.Approved, event.ByOperator,
			map[string]string{"operator": author}); err != nil {
			p.log.Error("failed to append approval", zap.String("task_id", task.ID), zap.Error(err))
			p.reply(ctx, chatID, "Could not record the approval, try again.")
			return
		}
		p.reply(ctx, chatID, fmt.Sprintf("Approved task #%s.", task.ID))
	}
}

// replay requeues an archived task and marks the start of a fresh lifecycle.
func (p *Poller) replay(ctx context.Context, chatID, author, id string) {
	task, err := p.queue.Archived(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotArchived) {
			p.reply(ctx, chatID, fmt.Sprintf("Task #%s is not in the archive; only finished tasks can be replayed.", id))
			return
		}
		p.log.Error("failed to look up archived task", zap.String("task_id", id), zap.Error(err))
		p.reply(ctx, chatID, "Could not read the archive, try again.")
		return
	}

	if err := p.queue.Requeue(task); err != nil {
		p.log.Error("failed to requeue task", zap.String("task_id", id), zap.Error(err))
		p.reply(ctx, chatID, "Could not requeue the task, try again.")
		return
	}
	if _, err := p.events.Append(task.ID, event.Replayed, event.ByOperator,
		map[string]string{"operator": author}); err != nil {
		p.log.Error("failed to append replay marker", zap.String("task_id", id), zap.Error(err))
		p.reply(ctx, chatID, "The task was requeued but the replay marker failed; replay it again.")
		return
	}
	p.reply(ctx, chatID, fmt.Sprintf("Replaying task #%s from scratch.", task.ID))
}

func (p *Poller) controlFlag(ctx context.Context, chatID string, set func() error, ack string) {
	if err := set(); err != nil {
		p.log.Error("failed to set control flag", zap.Error(err))
		p.reply(ctx, chatID, "Could not update the control flag, try again.")
		return
	}
	p.reply(ctx, chatID, ack)
}

func (p *Poller) status(ctx context.Context, chatID string) {
	n, err := p.queue.Len()
	if err != nil {
		p.reply(ctx, chatID, "Could not read the queue, try again.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d task(s).", n)
	if task, ok, err := p.queue.PeekHead(); err == nil && ok {
		fmt.Fprintf(&b, " Head: #%s (%s) %q.", task.ID, task.Intent, task.Text)
	}
	if p.flags.Paused() {
		b.WriteString(" Paused.")
	}
	if p.flags.ExecutorDisabled() {
		b.WriteString(" Executor disabled.")
	}
	p.reply(ctx, chatID, b.String())
}

func (p *Poller) reply(ctx context.Context, chatID, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.sender.Send(sendCtx, chatID, text); err != nil {
		p.log.Warn("failed to reply", zap.String("chat_id", chatID), zap.Error(err))
	}
}
