// Package git reads and commits worktree changes for sessions: the diff
// surface consumed by diff panels and the auto-commit that runs after a
// completed agent turn. Worktree creation and removal live in the worktree
// package; this one never touches refs outside the session's own branch.
package git

import (
	"github.com/stravu/crystal-core/exec"
)

// Service runs git against session worktrees through an injected executor.
type Service struct {
	executor exec.CommandExecutor
}

// NewService creates a Service using the given executor.
func NewService(executor exec.CommandExecutor) *Service {
	return &Service{executor: executor}
}
