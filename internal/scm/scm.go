// Package scm wraps go-git as the source-control collaborator: clone, diff
// stats, commit, and authenticated push against the target repository.
package scm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
)

const (
	commitAuthorName  = "Chatops Bot"
	commitAuthorEmail = "chatops-bot@users.noreply.github.com"

	// tokenUser is the basic-auth username GitHub expects for token pushes.
	tokenUser = "x-access-token"
)

// ErrMissingToken indicates a push was attempted without credentials.
var ErrMissingToken = errors.New("push token is missing")

// ErrNoChanges indicates a commit was requested on a clean worktree.
var ErrNoChanges = errors.New("no changes to commit")

// PushError wraps push failures so operators get push-specific text while
// the event log records the same error kind as other scm failures.
type PushError struct {
	Err error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push failed: %v", e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

// DiffStat summarizes worktree changes against HEAD.
type DiffStat struct {
	Files     []string
	Additions int
	Deletions int
}

// NoChanges reports whether the worktree is clean.
func (d DiffStat) NoChanges() bool {
	return len(d.Files) == 0
}

// Client performs git operations on per-task workspaces.
type Client struct {
	log *logging.Logger
}

// NewClient creates an scm client.
func NewClient(logger *logging.Logger) *Client {
	return &Client{log: logger.Named("scm")}
}

// Clone materializes a shallow single-branch checkout of url at dir.
func (c *Client) Clone(ctx context.Context, url, branch, dir string) error {
	c.log.Info("cloning repository",
		zap.String("branch", branch),
		zap.String("dir", dir))

	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return nil
}

// DiffStat lists changed files in the workspace and counts added and removed
// lines against the HEAD commit.
func (c *Client) DiffStat(dir string) (DiffStat, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return DiffStat{}, fmt.Errorf("failed to open workspace repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return DiffStat{}, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return DiffStat{}, fmt.Errorf("failed to get worktree status: %w", err)
	}

	var stat DiffStat
	for path, fileStatus := range status {
		if fileStatus.Staging == git.Unmodified && fileStatus.Worktree == git.Unmodified {
			continue
		}
		stat.Files = append(stat.Files, path)

		before, err := headContents(repo, path)
		if err != nil {
			return DiffStat{}, err
		}
		after, err := worktreeContents(dir, path)
		if err != nil {
			return DiffStat{}, err
		}
		add, del := countLineChanges(before, after)
		stat.Additions += add
		stat.Deletions += del
	}
	sort.Strings(stat.Files)
	return stat, nil
}

// Commit stages everything and commits with the bot identity, returning the
// commit hash. Committing a clean worktree fails with ErrNoChanges.
func (c *Client) Commit(dir, message string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open workspace repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNoChanges
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: commitAuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}

	c.log.Info("commit created", zap.String("hash", hash.String()))
	return hash.String(), nil
}

// Push sends the local branch to origin using token auth on the push call
// itself; the checkout's remote URL is never rewritten.
func (c *Client) Push(ctx context.Context, dir, branch, token string) (string, error) {
	if token == "" {
		return "", &PushError{Err: ErrMissingToken}
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open workspace repo: %w", err)
	}

	refSpec := gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitcfg.RefSpec{refSpec},
		Auth:       tokenAuth(token),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", &PushError{Err: err}
	}

	head, err := c.Head(dir)
	if err != nil {
		return "", err
	}
	c.log.Info("pushed", zap.String("branch", branch), zap.String("hash", head))
	return head, nil
}

// Head returns the local HEAD commit hash.
func (c *Client) Head(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open workspace repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// RemoteHead lists origin and returns the remote hash of branch. Used to
// verify whether a push landed when the confirming event is missing.
func (c *Client) RemoteHead(ctx context.Context, dir, branch, token string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open workspace repo: %w", err)
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", fmt.Errorf("failed to resolve origin: %w", err)
	}

	var auth *githttp.BasicAuth
	if token != "" {
		auth = tokenAuth(token)
	}
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", fmt.Errorf("failed to list origin refs: %w", err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found on origin", branch)
}

func tokenAuth(token string) *githttp.BasicAuth {
	return &githttp.BasicAuth{Username: tokenUser, Password: token}
}

func headContents(repo *git.Repository, path string) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to load HEAD commit: %w", err)
	}
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s at HEAD: %w", path, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("failed to read %s at HEAD: %w", path, err)
	}
	return contents, nil
}

func worktreeContents(dir, path string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read worktree file %s: %w", path, err)
	}
	return string(raw), nil
}

// countLineChanges runs a line-mode diff and counts inserted and deleted
// lines, matching what git diff --numstat reports.
func countLineChanges(before, after string) (additions, deletions int) {
	if before == after {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	src, dst, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(src, dst, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
