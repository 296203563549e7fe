// Package model is the language-model collaborator: it turns a task into a
// structured edit set, or a chat turn into a classified reply, using an
// OpenAI-compatible endpoint via langchaingo.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/config"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/session"
)

// ErrBadResponse indicates the model returned output that does not conform
// to the requested schema.
var ErrBadResponse = errors.New("model returned non-conformant output")

// Edit actions.
const (
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// Edit is a single proposed file change.
type Edit struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
}

// EditSet is the structured output of an edit request.
type EditSet struct {
	Summary string `json:"summary"`
	Edits   []Edit `json:"edits"`
}

// ChatReply is the structured output of a chat/classification request.
type ChatReply struct {
	Intent       string `json:"intent"`
	Reply        string `json:"reply"`
	FollowUp     string `json:"follow_up,omitempty"`
	SwitchIntent bool   `json:"switch_intent"`
}

const editSystemPrompt = `You are an automated code-change assistant working in a checkout of the target repository.
Given a task description, propose the minimal set of file edits that implements it.
Respond with ONLY a JSON object of the form:
{"summary": "<one-line description>", "edits": [{"path": "<relative path>", "action": "write"|"delete", "content": "<full new file content when action is write>"}]}
Paths must be relative to the repository root. Do not wrap the JSON in markdown.`

const chatSystemPrompt = `You are the conversational front of a chat-ops assistant that can also make code changes.
Given the conversation, answer the user and classify the exchange.
Respond with ONLY a JSON object of the form:
{"intent": "chat"|"code_change", "reply": "<answer to send to the user>", "follow_up": "<task text to run if the user confirms, empty otherwise>", "switch_intent": true|false}
Set switch_intent to true only when the user appears to be asking for an actual code change. Do not wrap the JSON in markdown.`

// LLM is the langchaingo-backed client.
type LLM struct {
	llm llms.Model
	log *logging.Logger
}

// New creates the client from config.
func New(cfg config.ModelConfig, logger *logging.Logger) (*LLM, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}
	return &LLM{llm: llm, log: logger.Named("model")}, nil
}

// ProposeEdits asks the model for an edit set implementing the task text.
func (l *LLM) ProposeEdits(ctx context.Context, taskText string) (EditSet, error) {
	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, editSystemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, taskText),
	}

	raw, err := l.generate(ctx, content)
	if err != nil {
		return EditSet{}, err
	}

	var set EditSet
	if err := decodeStrict(raw, &set); err != nil {
		return EditSet{}, err
	}
	for _, edit := range set.Edits {
		if edit.Path == "" || (edit.Action != ActionWrite && edit.Action != ActionDelete) {
			return EditSet{}, fmt.Errorf("%w: edit %+v", ErrBadResponse, edit)
		}
	}
	return set, nil
}

// Chat answers a conversational turn with bounded history and classifies
// whether the user is really asking for a code change.
func (l *LLM) Chat(ctx context.Context, history []session.Turn, text string) (ChatReply, error) {
	content := make([]llms.MessageContent, 0, len(history)+2)
	content = append(content, llms.TextParts(schema.ChatMessageTypeSystem, chatSystemPrompt))
	for _, turn := range history {
		role := schema.ChatMessageTypeHuman
		if turn.Role == "assistant" {
			role = schema.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, turn.Content))
	}
	content = append(content, llms.TextParts(schema.ChatMessageTypeHuman, text))

	raw, err := l.generate(ctx, content)
	if err != nil {
		return ChatReply{}, err
	}

	var reply ChatReply
	if err := decodeStrict(raw, &reply); err != nil {
		return ChatReply{}, err
	}
	if reply.Reply == "" {
		return ChatReply{}, fmt.Errorf("%w: empty reply", ErrBadResponse)
	}
	return reply, nil
}

func (l *LLM) generate(ctx context.Context, content []llms.MessageContent) (string, error) {
	resp, err := l.llm.GenerateContent(ctx, content, llms.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrBadResponse)
	}
	raw := resp.Choices[0].Content
	l.log.Debug("model response received", zap.Int("bytes", len(raw)))
	return raw, nil
}

// decodeStrict extracts the JSON object from raw model output (tolerating a
// markdown code fence) and unmarshals it into v.
func decodeStrict(raw string, v any) error {
	payload := extractJSON(raw)
	if payload == "" {
		return fmt.Errorf("%w: no JSON object found", ErrBadResponse)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

// extractJSON returns the outermost JSON object in raw. Models occasionally
// wrap output in ``` fences despite instructions.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
