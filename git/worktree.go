// Package git provides the worktree isolation used by supervised agent runs.
// Each code-writing run gets a fresh worktree on its own branch so parallel
// work never shares a checkout.
package git

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// WorktreeManager handles git worktree operations against a single repository.
type WorktreeManager struct {
	repoRoot    string // main repository root
	worktreeDir string // directory for worktrees, relative to repoRoot (e.g. .worktrees)
	mainBranch  string // base branch for new worktrees (e.g. main)
}

// NewWorktreeManager creates a worktree manager rooted at repoRoot.
func NewWorktreeManager(repoRoot, worktreeDir, mainBranch string) *WorktreeManager {
	if worktreeDir == "" {
		worktreeDir = ".worktrees"
	}
	if mainBranch == "" {
		mainBranch = "main"
	}
	return &WorktreeManager{
		repoRoot:    repoRoot,
		worktreeDir: worktreeDir,
		mainBranch:  mainBranch,
	}
}

// Create adds a worktree for branch, creating the branch from origin's main
// branch when it does not exist yet. Returns the absolute worktree path. An
// existing worktree for the branch is reused.
func (m *WorktreeManager) Create(branch string) (string, error) {
	safeName := sanitizeBranchName(branch)

	worktreePath, err := filepath.Abs(filepath.Join(m.repoRoot, m.worktreeDir, safeName))
	if err != nil {
		return "", fmt.Errorf("resolve worktree path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0750); err != nil {
		return "", fmt.Errorf("create worktree directory: %w", err)
	}

	// Reuse an existing checkout for the same branch.
	if _, err := os.Stat(worktreePath); err == nil {
		return worktreePath, nil
	}

	if err := m.runGit(m.repoRoot, "fetch", "origin", m.mainBranch); err != nil {
		return "", fmt.Errorf("fetch origin: %w", err)
	}

	var args []string
	if m.branchExists(branch) {
		args = []string{"worktree", "add", worktreePath, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, worktreePath, "origin/" + m.mainBranch}
	}
	if err := m.runGit(m.repoRoot, args...); err != nil {
		return "", fmt.Errorf("add worktree for %s: %w", branch, err)
	}

	return worktreePath, nil
}

// Remove drops a worktree. The branch is left alone; it usually backs an
// open pull request.
func (m *WorktreeManager) Remove(worktreePath string) error {
	if err := m.runGit(m.repoRoot, "worktree", "remove", "--force", worktreePath); err != nil {
		// Fall back to manual removal plus prune when git refuses.
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree directory: %w", rmErr)
		}
		_ = m.runGit(m.repoRoot, "worktree", "prune")
	}
	return nil
}

// Prune drops worktree bookkeeping for directories that no longer exist.
// Called at startup to clean up after crashes.
func (m *WorktreeManager) Prune() error {
	return m.runGit(m.repoRoot, "worktree", "prune")
}

func (m *WorktreeManager) branchExists(branch string) bool {
	if err := m.runGit(m.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		return true
	}
	err := m.runGit(m.repoRoot, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return err == nil
}

// runGit runs a git command in dir, folding stderr into the error.
func (m *WorktreeManager) runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	return nil
}

// sanitizeBranchName converts a branch name to a safe directory name.
func sanitizeBranchName(branch string) string {
	for _, prefix := range []string{"feature/", "fix/", "chore/"} {
		branch = strings.TrimPrefix(branch, prefix)
	}
	re := regexp.MustCompile(`[^a-zA-Z0-9-_]`)
	return re.ReplaceAllString(branch, "-")
}

// BranchName builds a branch like "feature/tos-40-payments" from an issue key
// and a short slug.
func BranchName(prefix, issueKey, slug string) string {
	re := regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
	slug = re.ReplaceAllString(slug, "")
	slug = strings.ToLower(strings.TrimSpace(slug))
	slug = strings.ReplaceAll(slug, " ", "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	slug = strings.TrimRight(slug, "-")
	if slug == "" {
		return fmt.Sprintf("%s%s", prefix, strings.ToLower(issueKey))
	}
	return fmt.Sprintf("%s%s-%s", prefix, strings.ToLower(issueKey), slug)
}
