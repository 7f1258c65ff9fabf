package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stravu/crystal-core/logger"
)

// WorktreeStatus is the uncommitted-change summary shown in a diff panel.
type WorktreeStatus struct {
	HasChanges bool
	Summary    string     // e.g. "3 files changed"
	Files      []string   // changed paths relative to the worktree root
	Diff       string     // combined diff output
	FileDiffs  []FileDiff // per-file chunks of Diff
}

// FileDiff is one file's portion of a worktree diff.
type FileDiff struct {
	Filename string
	Status   string // porcelain status code: M, A, D, R, ?
	Diff     string
}

// DiffStats are the aggregate counts for a worktree's uncommitted changes.
type DiffStats struct {
	FilesChanged int
	Additions    int
	Deletions    int
}

// Status returns the uncommitted changes in a worktree. Untracked files are
// included, rendered against /dev/null so they still show as a diff.
func (s *Service) Status(ctx context.Context, worktreePath string) (*WorktreeStatus, error) {
	out, err := s.executor.Output(ctx, worktreePath, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}

	st := &WorktreeStatus{}
	// Leading space is significant in porcelain output; trim the right only.
	porcelain := strings.TrimRight(string(out), "\n\r\t ")
	if porcelain == "" {
		st.Summary = "No changes"
		return st, nil
	}
	st.HasChanges = true

	codes := make(map[string]string)
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) <= 3 {
			continue
		}
		name := strings.TrimSpace(line[3:])
		st.Files = append(st.Files, name)
		codes[name] = statusCode(line[:2])
	}

	if len(st.Files) == 1 {
		st.Summary = "1 file changed"
	} else {
		st.Summary = fmt.Sprintf("%d files changed", len(st.Files))
	}

	st.Diff = s.combinedDiff(ctx, worktreePath)
	st.FileDiffs = s.splitFileDiffs(ctx, worktreePath, st.Diff, st.Files, codes)
	return st, nil
}

// statusCode reduces a two-column porcelain code to the significant half.
func statusCode(cols string) string {
	code := strings.TrimSpace(cols)
	switch len(code) {
	case 0:
		return "M"
	case 1:
		return code
	default:
		if code[0] != ' ' {
			return string(code[0])
		}
		return string(code[1])
	}
}

// combinedDiff returns staged plus unstaged changes against HEAD, falling
// back to the index-only form for repositories with no commits yet.
func (s *Service) combinedDiff(ctx context.Context, worktreePath string) string {
	out, err := s.executor.Output(ctx, worktreePath, "git", "diff", "--no-ext-diff", "HEAD")
	if err == nil {
		return string(out)
	}

	unstaged, err1 := s.executor.Output(ctx, worktreePath, "git", "diff", "--no-ext-diff")
	staged, err2 := s.executor.Output(ctx, worktreePath, "git", "diff", "--no-ext-diff", "--cached")
	if err1 != nil && err2 != nil {
		logger.WithComponent("git").Warn("git diff failed", "worktree", worktreePath, "error", err1)
	}
	return string(append(unstaged, staged...))
}

// splitFileDiffs splits a combined diff on its per-file markers, ordered to
// match files. Untracked files get a synthetic diff against /dev/null.
func (s *Service) splitFileDiffs(ctx context.Context, worktreePath, diff string, files []string, codes map[string]string) []FileDiff {
	byFile := make(map[string]string)
	for _, chunk := range strings.Split(diff, "diff --git ") {
		if chunk == "" {
			continue
		}
		chunk = "diff --git " + chunk
		header := strings.SplitN(chunk, "\n", 2)[0]
		parts := strings.Split(header, " ")
		if len(parts) < 4 {
			continue
		}
		if name, ok := strings.CutPrefix(parts[len(parts)-1], "b/"); ok {
			byFile[name] = strings.TrimRight(chunk, "\n")
		}
	}

	out := make([]FileDiff, 0, len(files))
	for _, name := range files {
		code := codes[name]
		content := byFile[name]
		if content == "" {
			if code == "?" {
				content = s.untrackedDiff(ctx, worktreePath, name)
			} else {
				content = "(no diff available - file may be binary)"
			}
		}
		out = append(out, FileDiff{Filename: name, Status: code, Diff: content})
	}
	return out
}

// untrackedDiff renders an untracked file as a new-file diff. git returns
// exit code 1 when the compared files differ, so only empty output is an
// error.
func (s *Service) untrackedDiff(ctx context.Context, worktreePath, file string) string {
	out, err := s.executor.Output(ctx, worktreePath, "git", "diff", "--no-ext-diff", "--no-index", "/dev/null", file)
	if err != nil && len(out) == 0 {
		logger.WithComponent("git").Warn("untracked diff failed", "file", file, "error", err)
		return "(no diff available - file may be binary)"
	}
	return strings.TrimRight(string(out), "\n")
}

// Stats returns the aggregate change counts for a worktree, untracked files
// included.
func (s *Service) Stats(ctx context.Context, worktreePath string) (*DiffStats, error) {
	out, err := s.executor.Output(ctx, worktreePath, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}

	stats := &DiffStats{}
	porcelain := strings.TrimRight(string(out), "\n\r\t ")
	if porcelain == "" {
		return stats, nil
	}

	var untracked []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) <= 2 {
			continue
		}
		stats.FilesChanged++
		if line[0] == '?' && line[1] == '?' {
			untracked = append(untracked, strings.TrimSpace(line[3:]))
		}
	}

	log := logger.WithComponent("git")
	unstaged, err := s.executor.Output(ctx, worktreePath, "git", "diff", "--numstat")
	if err != nil {
		log.Warn("git diff --numstat failed", "worktree", worktreePath, "error", err)
	}
	staged, err := s.executor.Output(ctx, worktreePath, "git", "diff", "--numstat", "--cached")
	if err != nil {
		log.Warn("git diff --numstat --cached failed", "worktree", worktreePath, "error", err)
	}
	addNumstat(stats, unstaged)
	addNumstat(stats, staged)

	// numstat skips untracked files; count their lines as additions
	for _, name := range untracked {
		out, err := s.executor.Output(ctx, worktreePath, "git", "diff", "--no-index", "--numstat", "/dev/null", name)
		if err != nil && len(out) == 0 {
			continue
		}
		adds, _, ok := parseNumstatLine(strings.TrimSpace(string(out)))
		if ok {
			stats.Additions += adds
		}
	}
	return stats, nil
}

func addNumstat(stats *DiffStats, data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		adds, dels, ok := parseNumstatLine(strings.TrimSpace(line))
		if !ok {
			continue
		}
		stats.Additions += adds
		stats.Deletions += dels
	}
}

// parseNumstatLine reads one "adds<TAB>dels<TAB>name" line. Binary files
// report "-" and count as zero.
func parseNumstatLine(line string) (adds, dels int, ok bool) {
	if line == "" {
		return 0, 0, false
	}
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return 0, 0, false
	}
	if parts[0] != "-" {
		adds, _ = strconv.Atoi(parts[0])
	}
	if parts[1] != "-" {
		dels, _ = strconv.Atoi(parts[1])
	}
	return adds, dels, true
}
