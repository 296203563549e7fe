package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
)

const (
	tasksFile     = "tasks.jsonl"
	processedFile = "processed.jsonl"
	counterFile   = "counter"
)

// ErrNotArchived is returned by Archived when no processed record exists for
// the requested task id.
var ErrNotArchived = errors.New("task not found in archive")

// Queue is the filesystem-backed task queue. A single mutex serializes the
// ingress append path against the resolver's peek/pop path; multi-process
// writers are not supported.
type Queue struct {
	mu  sync.Mutex
	dir string
	log *logging.Logger
}

// New opens (or creates) the queue inside dataDir.
func New(dataDir string, logger *logging.Logger) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Queue{dir: dataDir, log: logger.Named("queue")}, nil
}

// NextID increments and persists the monotonic task id counter.
func (q *Queue) NextID() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.dir, counterFile)
	counter := 0
	if raw, err := os.ReadFile(path); err == nil {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			counter = n
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read counter: %w", err)
	}

	counter++
	if err := writeFileAtomic(path, []byte(strconv.Itoa(counter))); err != nil {
		return "", fmt.Errorf("failed to persist counter: %w", err)
	}
	return strconv.Itoa(counter), nil
}

// Enqueue appends a task to the intake log.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := appendRecord(filepath.Join(q.dir, tasksFile), t); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", t.ID, err)
	}
	q.log.Info("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("intent", string(t.Intent)))
	return nil
}

// Requeue re-appends an archived task to the tail: a new position, the same
// identity. Used by operator replay.
func (q *Queue) Requeue(t Task) error {
	return q.Enqueue(t)
}

// PeekHead returns the oldest still-present task without removing it.
func (q *Queue) PeekHead() (Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.readAll(tasksFile)
	if err != nil {
		return Task{}, false, err
	}
	if len(tasks) == 0 {
		return Task{}, false, nil
	}
	return tasks[0], true, nil
}

// PopHead removes and returns the head task by rewriting the whole intake
// log without its first entry. The rewrite goes through a temp file and
// rename so a crash never leaves a half-written queue.
func (q *Queue) PopHead() (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.readAll(tasksFile)
	if err != nil {
		return Task{}, err
	}
	if len(tasks) == 0 {
		return Task{}, errors.New("pop on empty queue")
	}

	head := tasks[0]
	if err := q.rewrite(tasksFile, tasks[1:]); err != nil {
		return Task{}, fmt.Errorf("failed to pop task %s: %w", head.ID, err)
	}
	q.log.Info("task popped", zap.String("task_id", head.ID))
	return head, nil
}

// Archive copies a task to the processed store.
func (q *Queue) Archive(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := appendRecord(filepath.Join(q.dir, processedFile), t); err != nil {
		return fmt.Errorf("failed to archive task %s: %w", t.ID, err)
	}
	return nil
}

// Archived returns the most recent processed record for the given id, or
// ErrNotArchived.
func (q *Queue) Archived(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.readAll(processedFile)
	if err != nil {
		return Task{}, err
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].ID == id {
			return tasks[i], nil
		}
	}
	return Task{}, fmt.Errorf("task %s: %w", id, ErrNotArchived)
}

// Len returns the number of queued tasks.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.readAll(tasksFile)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func (q *Queue) readAll(name string) ([]Task, error) {
	f, err := os.Open(filepath.Join(q.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	var tasks []Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Task
		if err := json.Unmarshal(line, &t); err != nil {
			q.log.Warn("skipping unreadable task line", zap.Error(err))
			continue
		}
		tasks = append(tasks, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", name, err)
	}
	return tasks, nil
}

func (q *Queue) rewrite(name string, tasks []Task) error {
	var buf []byte
	for _, t := range tasks {
		row, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
		buf = append(buf, row...)
		buf = append(buf, '\n')
	}
	return writeFileAtomic(filepath.Join(q.dir, name), buf)
}

func appendRecord(path string, t Task) error {
	row, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(row, '\n'))
	return err
}

// writeFileAtomic writes via a temp file in the same directory and renames
// it over the target, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
