// Package workspace manages per-task checkouts of the target repository.
// A workspace is created lazily on first use, reused across resolver steps
// for the same task so diff state survives resumption, and deleted once the
// task reaches a terminal outcome.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/model"
	"github.com/fyrsmithlabs/chatopsd/internal/policy"
)

// Cloner materializes a checkout. Implemented by scm.Client.
type Cloner interface {
	Clone(ctx context.Context, url, branch, dir string) error
}

// Manager creates, reuses and removes task workspaces under a single root.
type Manager struct {
	root   string
	cloner Cloner
	log    *logging.Logger
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string, cloner Cloner, logger *logging.Logger) *Manager {
	return &Manager{
		root:   root,
		cloner: cloner,
		log:    logger.Named("workspace"),
	}
}

// Dir returns the workspace path for a task without creating it.
func (m *Manager) Dir(taskID string) string {
	return filepath.Join(m.root, taskID)
}

// Ensure returns the task's workspace, cloning the target repository on
// first use. An existing workspace is reused as-is.
func (m *Manager) Ensure(ctx context.Context, taskID string, repo policy.RepoRef) (string, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}

	dir := m.Dir(taskID)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat workspace: %w", err)
	}

	if err := m.cloner.Clone(ctx, repo.URL, repo.Branch, dir); err != nil {
		// A failed clone must not leave a half-materialized directory that
		// a later Ensure would mistake for a ready workspace.
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Apply writes the proposed edit set into the workspace. Every edit path is
// normalized first; a path escaping the workspace fails the whole apply with
// policy.ErrUnsafePath and nothing further is written.
func (m *Manager) Apply(dir string, edits []model.Edit) error {
	for _, edit := range edits {
		if _, err := policy.Normalize(edit.Path); err != nil {
			return err
		}
	}

	for _, edit := range edits {
		normalized, _ := policy.Normalize(edit.Path)
		target := filepath.Join(dir, filepath.FromSlash(normalized))

		switch edit.Action {
		case model.ActionWrite:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %w", normalized, err)
			}
			if err := os.WriteFile(target, []byte(edit.Content), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", normalized, err)
			}
		case model.ActionDelete:
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete %s: %w", normalized, err)
			}
		default:
			return fmt.Errorf("unknown edit action %q for %s", edit.Action, normalized)
		}
	}

	m.log.Debug("edits applied", zap.String("dir", dir), zap.Int("edits", len(edits)))
	return nil
}

// Cleanup removes the task's workspace. Removing an absent workspace is a
// no-op.
func (m *Manager) Cleanup(taskID string) error {
	dir := m.Dir(taskID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", dir, err)
	}
	return nil
}
