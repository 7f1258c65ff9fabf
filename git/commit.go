package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/stravu/crystal-core/logger"
)

// CommitAll stages everything in the worktree and commits it.
func (s *Service) CommitAll(ctx context.Context, worktreePath, message string) error {
	logger.WithComponent("git").Info("committing all changes", "worktree", worktreePath)

	if out, err := s.executor.CombinedOutput(ctx, worktreePath, "git", "add", "-A"); err != nil {
		return fmt.Errorf("git add: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := s.executor.CombinedOutput(ctx, worktreePath, "git", "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// BuildCommitMessage produces the auto-commit message for a session's
// uncommitted changes: the session name as subject, changed files as body.
func (s *Service) BuildCommitMessage(ctx context.Context, worktreePath, sessionName string) (string, error) {
	st, err := s.Status(ctx, worktreePath)
	if err != nil {
		return "", err
	}
	if !st.HasChanges {
		return "", fmt.Errorf("no changes to commit")
	}

	subject := strings.TrimSpace(sessionName)
	if subject == "" {
		subject = "Session changes"
	}
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}

	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	b.WriteString(st.Summary)
	b.WriteString("\n")
	for _, f := range st.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String(), nil
}
