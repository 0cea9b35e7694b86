// internal/workspace/workspace.go
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/remoteagent/internal/git"
	"github.com/user/remoteagent/internal/keylock"
)

// ErrDirty is matched by errors.Is when git refuses to remove a worktree
// that still has modified or untracked files.
var ErrDirty = errors.New("worktree has uncommitted or untracked changes")

const worktreeMarker = "/.git/worktrees/"

// Manager creates, lists and removes per-issue worktrees. Create and remove
// calls are serialised per canonical repository.
type Manager struct {
	runner git.Runner
	base   string
	logger *slog.Logger

	locks keylock.Map[string]
}

// NewManager returns a Manager. base overrides the worktree root; when empty,
// worktrees live in a "worktrees" directory beside the canonical checkout.
func NewManager(runner git.Runner, base string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		base:   base,
		logger: logger,
	}
}

// BranchName returns "pr-<n>" or "issue-<n>".
func BranchName(number int, isPR bool) string {
	if isPR {
		return fmt.Sprintf("pr-%d", number)
	}
	return fmt.Sprintf("issue-%d", number)
}

// WorktreeBase returns the directory worktrees of repoPath are created under.
func (m *Manager) WorktreeBase(repoPath string) string {
	if m.base != "" {
		return expandHome(m.base)
	}
	return filepath.Join(CanonicalRepoPath(repoPath), "..", "worktrees")
}

// WorktreePath returns where the worktree for an issue or PR would live.
func (m *Manager) WorktreePath(repoPath string, number int, isPR bool) string {
	return filepath.Join(m.WorktreeBase(repoPath), BranchName(number, isPR))
}

// CreateForIssue adds a worktree for the issue or PR on a new branch. When the
// branch already exists the worktree is attached to it instead.
func (m *Manager) CreateForIssue(ctx context.Context, repoPath string, number int, isPR bool) (string, error) {
	repo := CanonicalRepoPath(repoPath)
	branch := BranchName(number, isPR)
	path := filepath.Join(m.WorktreeBase(repo), branch)

	defer m.locks.Lock(repo)()

	_, err := m.runner.Run(ctx, repo, "worktree", "add", path, "-b", branch)
	if err == nil {
		m.logger.Info("worktree created", "repo", repo, "branch", branch, "path", path)
		return path, nil
	}

	var toolErr *git.ToolError
	if !errors.As(err, &toolErr) || !strings.Contains(toolErr.Output, "already exists") {
		return "", fmt.Errorf("create worktree %s: %w", branch, err)
	}

	m.logger.Debug("branch exists; attaching worktree", "repo", repo, "branch", branch)
	if _, err := m.runner.Run(ctx, repo, "worktree", "add", path, branch); err != nil {
		return "", fmt.Errorf("attach worktree %s: %w", branch, err)
	}
	m.logger.Info("worktree attached", "repo", repo, "branch", branch, "path", path)
	return path, nil
}

// Remove deletes the worktree at worktreePath. Dirty worktrees are never
// forced; git's refusal is returned wrapped in ErrDirty.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath string) error {
	repo := CanonicalRepoPath(repoPath)

	defer m.locks.Lock(repo)()

	_, err := m.runner.Run(ctx, repo, "worktree", "remove", worktreePath)
	if err == nil {
		m.logger.Info("worktree removed", "repo", repo, "path", worktreePath)
		return nil
	}
	var toolErr *git.ToolError
	if errors.As(err, &toolErr) && strings.Contains(toolErr.Output, "contains modified or untracked files") {
		return fmt.Errorf("remove worktree %s: %w: %w", worktreePath, ErrDirty, err)
	}
	return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
}

// List returns the worktrees of repoPath in git's order, or nil if git fails.
func (m *Manager) List(ctx context.Context, repoPath string) []git.WorktreeInfo {
	out, err := m.runner.Run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		m.logger.Debug("worktree list failed", "repo", repoPath, "error", err)
		return nil
	}
	return git.ParseWorktreeListPorcelain(out)
}

// FindByBranch returns the first worktree whose branch equals branch or its
// slug form ("/" replaced by "-").
func (m *Manager) FindByBranch(ctx context.Context, repoPath, branch string) (string, bool) {
	slug := strings.ReplaceAll(branch, "/", "-")
	for _, wt := range m.List(ctx, repoPath) {
		if wt.Branch == branch || wt.Branch == slug {
			return wt.Path, true
		}
	}
	return "", false
}

// IsWorktreePath reports whether path's .git entry is a file beginning with "gitdir:".
func IsWorktreePath(path string) bool {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	data, err := os.ReadFile(gitPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(data), "gitdir:")
}

// CanonicalRepoPath returns the main checkout a worktree belongs to, or path
// itself when it is not a worktree.
func CanonicalRepoPath(path string) string {
	if !IsWorktreePath(path) {
		return path
	}
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return path
	}
	ref := strings.TrimSpace(strings.TrimPrefix(strings.SplitN(string(data), "\n", 2)[0], "gitdir:"))
	i := strings.Index(ref, worktreeMarker)
	if i <= 0 {
		return path
	}
	return ref[:i]
}

// UnregisteredDirMessage tells a user that target already exists but no
// codebase is registered for it, and how to proceed.
func UnregisteredDirMessage(target string) string {
	return fmt.Sprintf("Directory already exists: %s\n\nNo matching codebase found in database. Options:\n"+
		"- Remove the directory and re-clone\n"+
		"- Use /setcwd %s to work in it directly", target, target)
}

// Exists reports whether path and path/.git both exist.
func Exists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
