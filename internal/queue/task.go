// Package queue implements the ordered task intake log.
//
// The queue is an append-only JSONL file paired with a destructive pop-head
// that rewrites the file atomically. Enqueue is safe to interleave with the
// resolver's read-only peek; the destructive pop must stay confined to the
// single resolver goroutine.
package queue

import "time"

// Intent classifies what a task asks for.
type Intent string

const (
	IntentCodeChange     Intent = "code_change"
	IntentInteractive    Intent = "interactive_chat"
	IntentClassifyOrChat Intent = "classify_or_chat"
	IntentUnknown        Intent = "unknown"
)

// Task is one unit of requested work. Created once by the router, never
// mutated, archived exactly once when a terminal event is observed.
type Task struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	ChatID    string            `json:"chatId"`
	Author    string            `json:"author"`
	Text      string            `json:"text"`
	Intent    Intent            `json:"intent"`
	CreatedAt time.Time         `json:"createdAt"`
	Payload   map[string]string `json:"payload,omitempty"`
}
