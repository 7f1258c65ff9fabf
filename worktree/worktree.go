// Package worktree creates and removes the isolated git working trees that
// back sessions. All git invocations go through the injected executor so the
// package is testable without a real repository.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stravu/crystal-core/exec"
	"github.com/stravu/crystal-core/logger"
	"github.com/stravu/crystal-core/paths"
)

// MaxBranchNameLength is the maximum length for user-provided branch names.
const MaxBranchNameLength = 100

// validBranchNameRegex matches valid git branch name characters.
// Git branch names cannot contain: space, ~, ^, :, ?, *, [, \, or control
// characters. They also cannot start with - or end with .lock.
var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// WorktreeError reports a failed git worktree operation along with the
// git stderr that explains it.
type WorktreeError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *WorktreeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("worktree %s: %s: %v", e.Op, strings.TrimSpace(e.Stderr), e.Err)
	}
	return fmt.Sprintf("worktree %s: %v", e.Op, e.Err)
}

func (e *WorktreeError) Unwrap() error { return e.Err }

// Worktree describes a created working tree.
type Worktree struct {
	Path       string
	Branch     string
	BaseBranch string
}

// CreateOptions controls worktree creation.
type CreateOptions struct {
	RepoPath     string
	SessionID    string // directory name under the central worktrees dir
	Branch       string // custom branch name; auto-generated when empty
	BranchPrefix string // prepended to auto-generated branch names
	BaseBranch   string // start point; falls back to HEAD when missing
}

// Manager performs the git worktree plumbing for sessions.
type Manager struct {
	executor exec.CommandExecutor
}

// NewManager creates a Manager using the given executor.
func NewManager(executor exec.CommandExecutor) *Manager {
	return &Manager{executor: executor}
}

// ValidateBranchName checks if a branch name is valid for git.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return nil // Empty is allowed (will use default)
	}

	if len(branch) > MaxBranchNameLength {
		return fmt.Errorf("branch name too long (max %d characters)", MaxBranchNameLength)
	}

	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}

	if strings.HasSuffix(branch, ".lock") {
		return fmt.Errorf("branch name cannot end with '.lock'")
	}

	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}

	if !validBranchNameRegex.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters (use letters, numbers, /, _, ., -)")
	}

	return nil
}

// BranchExists checks if a branch already exists in the repo.
func (m *Manager) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, _, err := m.executor.Run(ctx, repoPath, "git", "rev-parse", "--verify", branch)
	return err == nil
}

// currentBranch returns the current branch name for the repo.
// Returns "HEAD" as fallback if it cannot be determined.
func (m *Manager) currentBranch(ctx context.Context, repoPath string) string {
	output, err := m.executor.Output(ctx, repoPath, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		branch := strings.TrimSpace(string(output))
		if branch != "" && branch != "HEAD" {
			return branch
		}
	}
	return "HEAD"
}

// ValidateRepo checks if a path is a valid git repository.
func (m *Manager) ValidateRepo(ctx context.Context, path string) error {
	if strings.HasPrefix(path, "~") {
		return fmt.Errorf("please use absolute path instead of ~")
	}

	output, err := m.executor.CombinedOutput(ctx, path, "git", "rev-parse", "--git-dir")
	if err != nil {
		return fmt.Errorf("not a git repository: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

// Create makes a new worktree with its own branch. Fails with a WorktreeError
// carrying git's stderr when the underlying command fails (name collision,
// dirty base branch).
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Worktree, error) {
	log := logger.WithComponent("worktree")

	var branch string
	if opts.Branch != "" {
		branch = opts.BranchPrefix + opts.Branch
	} else {
		branch = opts.BranchPrefix + fmt.Sprintf("crystal-%s", opts.SessionID)
	}

	worktreesDir, err := paths.WorktreesDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktrees directory: %w", err)
	}
	worktreePath := filepath.Join(worktreesDir, opts.SessionID)

	// Resolve the start point: the configured base branch if it exists,
	// otherwise the current HEAD.
	startPoint := "HEAD"
	baseBranch := opts.BaseBranch
	if baseBranch != "" {
		if m.BranchExists(ctx, opts.RepoPath, baseBranch) {
			startPoint = baseBranch
		} else {
			log.Info("base branch not found, falling back to HEAD", "baseBranch", baseBranch)
			baseBranch = m.currentBranch(ctx, opts.RepoPath)
		}
	} else {
		baseBranch = m.currentBranch(ctx, opts.RepoPath)
	}

	log.Info("creating git worktree",
		"branch", branch,
		"worktreePath", worktreePath,
		"startPoint", startPoint)
	output, err := m.executor.CombinedOutput(ctx, opts.RepoPath, "git", "worktree", "add", "-b", branch, worktreePath, startPoint)
	if err != nil {
		log.Error("failed to create worktree", "output", string(output), "error", err)
		return nil, &WorktreeError{Op: "create", Stderr: string(output), Err: err}
	}

	return &Worktree{
		Path:       worktreePath,
		Branch:     branch,
		BaseBranch: baseBranch,
	}, nil
}

// Remove deletes a session's worktree and branch. The operation is idempotent
// with respect to "already removed": a missing worktree directory is not an
// error, including when the directory was deleted externally.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath, branch string) error {
	log := logger.WithComponent("worktree")
	log.Info("removing worktree", "worktree", worktreePath, "branch", branch)

	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		log.Info("worktree directory already gone, pruning references", "worktree", worktreePath)
		m.pruneAndDeleteBranch(ctx, repoPath, branch)
		return nil
	}

	output, err := m.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "remove", worktreePath, "--force")
	if err != nil {
		// The directory may have vanished between the stat and the git call
		if _, statErr := os.Stat(worktreePath); os.IsNotExist(statErr) {
			m.pruneAndDeleteBranch(ctx, repoPath, branch)
			return nil
		}
		log.Error("failed to remove worktree", "output", string(output), "error", err)
		return &WorktreeError{Op: "remove", Stderr: string(output), Err: err}
	}

	m.pruneAndDeleteBranch(ctx, repoPath, branch)
	return nil
}

// pruneAndDeleteBranch runs the best-effort cleanup that follows any removal:
// prune stale worktree references and delete the session branch.
func (m *Manager) pruneAndDeleteBranch(ctx context.Context, repoPath, branch string) {
	log := logger.WithComponent("worktree")

	if output, err := m.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "prune"); err != nil {
		log.Warn("worktree prune failed (best-effort)", "output", string(output), "error", err)
	}

	if branch == "" {
		return
	}
	if output, err := m.executor.CombinedOutput(ctx, repoPath, "git", "branch", "-D", branch); err != nil {
		log.Warn("failed to delete branch (may already be deleted)", "output", string(output))
	}
}

// Orphaned represents a worktree directory with no matching session.
type Orphaned struct {
	Path     string // full path to the worktree
	RepoPath string // parent repo derived from the worktree's .git file
	ID       string // session ID (directory name)
}

// FindOrphaned scans the central worktrees directory for worktrees whose
// directory name is not a known session ID.
func FindOrphaned(knownSessions map[string]bool) ([]Orphaned, error) {
	worktreesDir, err := paths.WorktreesDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(worktreesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var orphans []Orphaned
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()
		if knownSessions[sessionID] {
			continue
		}
		worktreePath := filepath.Join(worktreesDir, sessionID)
		repoPath, err := worktreeRepoPath(worktreePath)
		if err != nil {
			// Corrupted or not a git worktree
			continue
		}
		orphans = append(orphans, Orphaned{
			Path:     worktreePath,
			RepoPath: repoPath,
			ID:       sessionID,
		})
	}
	return orphans, nil
}

// PruneOrphaned removes all orphaned worktrees and their branches.
// Returns the number of worktrees pruned.
func (m *Manager) PruneOrphaned(ctx context.Context, knownSessions map[string]bool) (int, error) {
	log := logger.WithComponent("worktree")

	orphans, err := FindOrphaned(knownSessions)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, orphan := range orphans {
		log.Info("pruning orphaned worktree", "path", orphan.Path)

		// Detect the branch before the worktree disappears
		branch := ""
		if stdout, _, err := m.executor.Run(ctx, orphan.Path, "git", "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			b := strings.TrimSpace(string(stdout))
			if b != "" && b != "HEAD" {
				branch = b
			}
		}

		if _, _, err := m.executor.Run(ctx, orphan.RepoPath, "git", "worktree", "remove", orphan.Path, "--force"); err != nil {
			log.Warn("git worktree remove failed, trying direct removal", "path", orphan.Path)
			if err := os.RemoveAll(orphan.Path); err != nil {
				log.Error("failed to remove orphan", "path", orphan.Path, "error", err)
				continue
			}
		}

		m.pruneAndDeleteBranch(ctx, orphan.RepoPath, branch)
		pruned++
	}
	return pruned, nil
}

// worktreeRepoPath determines which repository a worktree belongs to by
// reading the .git file in the worktree, which points to the main repo's
// .git/worktrees/<name> directory.
func worktreeRepoPath(worktreePath string) (string, error) {
	gitFile := filepath.Join(worktreePath, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return "", fmt.Errorf("failed to read .git file: %w", err)
	}

	// Content is like: "gitdir: /path/to/repo/.git/worktrees/uuid"
	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir: ") {
		return "", fmt.Errorf("invalid .git file format: %s", line)
	}

	gitdir := strings.TrimPrefix(line, "gitdir: ")
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(worktreePath, gitdir)
	}

	parts := strings.Split(filepath.Clean(gitdir), string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == ".git" {
			repoPath := filepath.Join(string(filepath.Separator), filepath.Join(parts[:i]...))
			if resolved, err := filepath.EvalSymlinks(repoPath); err == nil {
				return resolved, nil
			}
			return repoPath, nil
		}
	}
	return "", fmt.Errorf("could not find .git directory in path: %s", gitdir)
}
