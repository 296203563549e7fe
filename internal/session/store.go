// Package session holds per-conversation state: a bounded window of recent
// turns and a single pending-switch slot per chat.
//
// The store is a whole-table read-modify-write over sessions.jsonl, which is
// only correct under a single writer process.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
)

const sessionsFile = "sessions.jsonl"

// Turn is one conversation exchange entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PendingSwitch records an unconfirmed proposal to escalate a chat into a
// code-change task. Single-valued per chat: setting overwrites, consuming
// clears.
type PendingSwitch struct {
	Intent    queue.Intent `json:"intent"`
	TaskText  string       `json:"taskText"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Session is the per-chat record.
type Session struct {
	ChatID    string         `json:"chatId"`
	History   []Turn         `json:"history,omitempty"`
	Pending   *PendingSwitch `json:"pendingSwitch,omitempty"`
	UpdatedAt time.Time      `json:"lastUpdated"`
}

// Store persists sessions keyed by chat id.
type Store struct {
	mu     sync.Mutex
	path   string
	window int
	log    *logging.Logger
}

// NewStore opens (or creates) the session table inside dataDir. window
// bounds the trailing history kept per chat.
func NewStore(dataDir string, window int, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if window < 1 {
		return nil, fmt.Errorf("history window must be at least 1, got %d", window)
	}
	return &Store{
		path:   filepath.Join(dataDir, sessionsFile),
		window: window,
		log:    logger.Named("sessions"),
	}, nil
}

// Load returns the session for chatID, or ok=false when none exists.
func (s *Store) Load(chatID string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.readAll()
	if err != nil {
		return Session{}, false, err
	}
	sess, ok := table[chatID]
	return sess, ok, nil
}

// AppendHistory adds turns to the chat's trailing window, trimming the
// oldest entries beyond the configured bound.
func (s *Store) AppendHistory(chatID string, turns ...Turn) error {
	return s.mutate(chatID, func(sess *Session) {
		sess.History = append(sess.History, turns...)
		if extra := len(sess.History) - s.window; extra > 0 {
			sess.History = append([]Turn(nil), sess.History[extra:]...)
		}
	})
}

// SetPendingSwitch arms the single pending-switch slot, overwriting any
// prior value.
func (s *Store) SetPendingSwitch(chatID string, pending PendingSwitch) error {
	return s.mutate(chatID, func(sess *Session) {
		sess.Pending = &pending
	})
}

// ClearPendingSwitch empties the slot. Clearing an absent slot is a no-op.
func (s *Store) ClearPendingSwitch(chatID string) error {
	return s.mutate(chatID, func(sess *Session) {
		sess.Pending = nil
	})
}

func (s *Store) mutate(chatID string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.readAll()
	if err != nil {
		return err
	}

	sess, ok := table[chatID]
	if !ok {
		sess = Session{ChatID: chatID}
	}
	fn(&sess)
	sess.UpdatedAt = time.Now().UTC()
	table[chatID] = sess

	if err := s.writeAll(table); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) readAll() (map[string]Session, error) {
	table := make(map[string]Session)

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, fmt.Errorf("failed to open session table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sess Session
		if err := json.Unmarshal(line, &sess); err != nil {
			s.log.Warn("skipping unreadable session line", zap.Error(err))
			continue
		}
		if sess.ChatID != "" {
			table[sess.ChatID] = sess
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan session table: %w", err)
	}
	return table, nil
}

func (s *Store) writeAll(table map[string]Session) error {
	var buf []byte
	for _, sess := range table {
		row, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", sess.ChatID, err)
		}
		buf = append(buf, row...)
		buf = append(buf, '\n')
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, sessionsFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
