package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/queue"
)

// StatusFile is the name of the read-only state projection under the data
// directory. It is written for dashboards and the HTTP status endpoint and
// is never read back by the resolver itself.
const StatusFile = "status.json"

// Snapshot is the shape of the status projection.
type Snapshot struct {
	State string       `json:"state"`
	TS    time.Time    `json:"ts"`
	Task  *TaskSummary `json:"task,omitempty"`
}

// TaskSummary identifies the task the snapshot refers to.
type TaskSummary struct {
	ID     string `json:"id"`
	ChatID string `json:"chatId"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

func (r *Resolver) writeStatus(state Status, task *queue.Task) {
	snap := Snapshot{State: string(state), TS: time.Now().UTC()}
	if task != nil {
		snap.Task = &TaskSummary{
			ID:     task.ID,
			ChatID: task.ChatID,
			Author: task.Author,
			Text:   task.Text,
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		r.log.Warn("failed to encode status snapshot", zap.Error(err))
		return
	}

	path := filepath.Join(r.cfg.Storage.DataDir, StatusFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Warn("failed to write status snapshot", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		r.log.Warn("failed to publish status snapshot", zap.Error(err))
	}
}
