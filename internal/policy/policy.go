// Package policy is the allow/deny path-matching authority controlling which
// files automated edits may touch.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/fyrsmithlabs/chatopsd/internal/config"
)

// ErrUnsafePath marks a path that escapes the workspace root. Such paths are
// rejected regardless of the configured lists.
var ErrUnsafePath = errors.New("unsafe path")

// RepoRef identifies the target repository the policy applies to.
type RepoRef struct {
	URL    string
	Branch string
}

// Policy is the evaluated rule set. Stateless: Load builds a fresh value per
// evaluation so environment overrides always win over the persisted base.
type Policy struct {
	Allowlist []string
	Denylist  []string
	Repo      RepoRef
}

// ViolationError reports every offending path of an evaluation.
type ViolationError struct {
	Paths []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", strings.Join(e.Paths, ", "))
}

// Load builds the effective policy from the persisted base configuration,
// applying environment overrides:
//
//	POLICY_ALLOWLIST / POLICY_DENYLIST  comma-separated rule lists
//	TARGET_REPO_URL / TARGET_REPO_BRANCH
func Load(cfg *config.Config) Policy {
	p := Policy{
		Allowlist: cfg.Policy.Allowlist,
		Denylist:  cfg.Policy.Denylist,
		Repo: RepoRef{
			URL:    cfg.Repo.URL,
			Branch: cfg.Repo.Branch,
		},
	}

	if list := splitEnvList(os.Getenv("POLICY_ALLOWLIST")); list != nil {
		p.Allowlist = list
	}
	if list := splitEnvList(os.Getenv("POLICY_DENYLIST")); list != nil {
		p.Denylist = list
	}
	if url := os.Getenv("TARGET_REPO_URL"); url != "" {
		p.Repo.URL = url
	}
	if branch := os.Getenv("TARGET_REPO_BRANCH"); branch != "" {
		p.Repo.Branch = branch
	}
	return p
}

func splitEnvList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Normalize converts separators to forward slashes and rejects any path that
// could escape the workspace root: absolute paths and parent-directory
// segments fail with ErrUnsafePath regardless of policy content.
func Normalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, p)
	}
	cleaned := path.Clean(normalized)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes workspace", ErrUnsafePath, p)
	}
	return cleaned, nil
}

// Validate checks every path against the policy. It fails with a
// ViolationError listing all offending paths when any path matches a deny
// rule or, with a non-empty allowlist, matches no allow rule. Unsafe paths
// fail with ErrUnsafePath before any rule is consulted.
//
// Matching semantics: a rule ending in "*" matches by prefix; a bare rule
// matches exact or as a directory prefix. An empty allowlist allows
// everything not denied. Deny always wins over allow.
func Validate(paths []string, p Policy) error {
	var violations []string
	for _, raw := range paths {
		normalized, err := Normalize(raw)
		if err != nil {
			return err
		}
		if denied(normalized, p.Denylist) || !allowed(normalized, p.Allowlist) {
			violations = append(violations, normalized)
		}
	}
	if len(violations) > 0 {
		return &ViolationError{Paths: violations}
	}
	return nil
}

func denied(path string, denylist []string) bool {
	for _, rule := range denylist {
		if matchRule(path, rule) {
			return true
		}
	}
	return false
}

func allowed(path string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, rule := range allowlist {
		if matchRule(path, rule) {
			return true
		}
	}
	return false
}

func matchRule(path, rule string) bool {
	if rule == "" {
		return false
	}
	if idx := strings.IndexByte(rule, '*'); idx >= 0 {
		return strings.HasPrefix(path, rule[:idx])
	}
	return path == rule || strings.HasPrefix(path, rule+"/")
}
