// Package control exposes the two boolean operator flags — paused and
// executor-disabled — as marker files in the data dir. Marker files give an
// immediate, idempotent stop/resume without signalling the running step, and
// survive restarts.
package control

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	pausedFile   = "paused"
	disabledFile = "executor_disabled"
)

// Flags reads and writes the control markers.
type Flags struct {
	dir string
}

// NewFlags creates the flag accessor over dataDir.
func NewFlags(dataDir string) (*Flags, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Flags{dir: dataDir}, nil
}

// Paused reports whether the pipeline is paused.
func (f *Flags) Paused() bool {
	return f.marked(pausedFile)
}

// ExecutorDisabled reports whether the executor is disabled.
func (f *Flags) ExecutorDisabled() bool {
	return f.marked(disabledFile)
}

// Pause sets the paused marker.
func (f *Flags) Pause() error {
	return f.mark(pausedFile)
}

// Resume clears the paused marker.
func (f *Flags) Resume() error {
	return f.unmark(pausedFile)
}

// DisableExecutor sets the executor-disabled marker.
func (f *Flags) DisableExecutor() error {
	return f.mark(disabledFile)
}

// EnableExecutor clears the executor-disabled marker.
func (f *Flags) EnableExecutor() error {
	return f.unmark(disabledFile)
}

func (f *Flags) marked(name string) bool {
	_, err := os.Stat(filepath.Join(f.dir, name))
	return err == nil
}

func (f *Flags) mark(name string) error {
	path := filepath.Join(f.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to set %s flag: %w", name, err)
	}
	return file.Close()
}

func (f *Flags) unmark(name string) error {
	err := os.Remove(filepath.Join(f.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear %s flag: %w", name, err)
	}
	return nil
}
