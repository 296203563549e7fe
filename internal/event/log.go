package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
)

const logFile = "events.jsonl"

// Log is the durable, append-only event store. Appends never reject based on
// prior history; enforcing the state machine is the resolver's job.
//
// Safe for a single writer process: appends are serialized by a mutex and
// written with O_APPEND.
type Log struct {
	mu   sync.Mutex
	path string
	log  *logging.Logger
}

// NewLog opens (or creates) the event log inside dataDir.
func NewLog(dataDir string, logger *logging.Logger) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Log{
		path: filepath.Join(dataDir, logFile),
		log:  logger.Named("events"),
	}, nil
}

// Append durably records one event and returns it.
func (l *Log) Append(taskID, name string, by Actor, meta map[string]string) (Event, error) {
	e := New(taskID, name, by, meta)

	row, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(row, '\n')); err != nil {
		return Event{}, fmt.Errorf("failed to append event: %w", err)
	}

	l.log.Debug("event appended",
		zap.String("task_id", taskID),
		zap.String("event", name),
		zap.String("by", string(by)))
	return e, nil
}

// Replay returns every event for the given task, in append order.
func (l *Log) Replay(taskID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line from a crash mid-append is skipped rather
			// than poisoning every replay.
			l.log.Warn("skipping unreadable event line", zap.Error(err))
			continue
		}
		if e.TaskID == taskID {
			events = append(events, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}
	return events, nil
}
