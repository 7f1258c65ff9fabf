package git

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stravu/crystal-core/exec"
)

func TestStatusNoChanges(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, exec.MockResponse{})

	st, err := NewService(mock).Status(context.Background(), "/wt")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.HasChanges || st.Summary != "No changes" {
		t.Errorf("status = %+v, want no changes", st)
	}
}

func TestStatusParsesPorcelainAndDiff(t *testing.T) {
	porcelain := " M internal/app.go\nA  cmd/main.go\n?? notes.txt\n"
	diff := "diff --git a/internal/app.go b/internal/app.go\n@@ -1 +1 @@\n-old\n+new\n" +
		"diff --git a/cmd/main.go b/cmd/main.go\n@@ -0,0 +1 @@\n+package main\n"

	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, exec.MockResponse{Stdout: []byte(porcelain)})
	mock.AddExactMatch("git", []string{"diff", "--no-ext-diff", "HEAD"}, exec.MockResponse{Stdout: []byte(diff)})
	mock.AddPrefixMatch("git", []string{"diff", "--no-ext-diff", "--no-index"}, exec.MockResponse{
		Stdout: []byte("diff --git a/notes.txt b/notes.txt\n@@ -0,0 +1 @@\n+todo\n"),
		Err:    errors.New("exit status 1"), // no-index exits 1 on difference
	})

	st, err := NewService(mock).Status(context.Background(), "/wt")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.HasChanges || st.Summary != "3 files changed" {
		t.Errorf("summary = %q, changes = %v", st.Summary, st.HasChanges)
	}
	if len(st.FileDiffs) != 3 {
		t.Fatalf("got %d file diffs, want 3", len(st.FileDiffs))
	}
	if st.FileDiffs[0].Filename != "internal/app.go" || st.FileDiffs[0].Status != "M" {
		t.Errorf("first file diff = %+v", st.FileDiffs[0])
	}
	if st.FileDiffs[1].Status != "A" {
		t.Errorf("added file status = %s, want A", st.FileDiffs[1].Status)
	}
	if st.FileDiffs[2].Status != "?" || !strings.Contains(st.FileDiffs[2].Diff, "+todo") {
		t.Errorf("untracked file diff = %+v", st.FileDiffs[2])
	}
}

func TestStatusFallsBackWithoutHEAD(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, exec.MockResponse{Stdout: []byte("M  a.go\n")})
	mock.AddExactMatch("git", []string{"diff", "--no-ext-diff", "HEAD"}, exec.MockResponse{Err: errors.New("bad revision")})
	mock.AddExactMatch("git", []string{"diff", "--no-ext-diff"}, exec.MockResponse{})
	mock.AddExactMatch("git", []string{"diff", "--no-ext-diff", "--cached"}, exec.MockResponse{
		Stdout: []byte("diff --git a/a.go b/a.go\n@@ -0,0 +1 @@\n+package a\n"),
	})

	st, err := NewService(mock).Status(context.Background(), "/wt")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !strings.Contains(st.Diff, "+package a") {
		t.Errorf("diff missing staged content: %q", st.Diff)
	}
}

func TestStatsSumsNumstat(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, exec.MockResponse{
		Stdout: []byte(" M a.go\nM  b.go\n?? c.txt\n"),
	})
	mock.AddExactMatch("git", []string{"diff", "--numstat"}, exec.MockResponse{Stdout: []byte("3\t1\ta.go\n")})
	mock.AddExactMatch("git", []string{"diff", "--numstat", "--cached"}, exec.MockResponse{Stdout: []byte("10\t2\tb.go\n-\t-\tbin.dat\n")})
	mock.AddExactMatch("git", []string{"diff", "--no-index", "--numstat", "/dev/null", "c.txt"}, exec.MockResponse{
		Stdout: []byte("5\t0\tc.txt\n"),
		Err:    errors.New("exit status 1"),
	})

	stats, err := NewService(mock).Stats(context.Background(), "/wt")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FilesChanged != 3 {
		t.Errorf("FilesChanged = %d, want 3", stats.FilesChanged)
	}
	if stats.Additions != 18 || stats.Deletions != 3 {
		t.Errorf("additions/deletions = %d/%d, want 18/3", stats.Additions, stats.Deletions)
	}
}

func TestCommitAll(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	svc := NewService(mock)

	if err := svc.CommitAll(context.Background(), "/wt", "fix login\n\n1 file changed"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	calls := mock.GetCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d git calls, want add then commit", len(calls))
	}
	if calls[0].Args[0] != "add" || calls[1].Args[0] != "commit" {
		t.Errorf("calls = %v", calls)
	}
}

func TestCommitAllSurfacesGitError(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddPrefixMatch("git", []string{"commit"}, exec.MockResponse{
		Stderr: []byte("nothing to commit"),
		Err:    errors.New("exit status 1"),
	})

	err := NewService(mock).CommitAll(context.Background(), "/wt", "msg")
	if err == nil || !strings.Contains(err.Error(), "nothing to commit") {
		t.Errorf("err = %v, want git stderr included", err)
	}
}

func TestBuildCommitMessage(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, exec.MockResponse{
		Stdout: []byte(" M a.go\n M b.go\n"),
	})

	msg, err := NewService(mock).BuildCommitMessage(context.Background(), "/wt", "fix the login page")
	if err != nil {
		t.Fatalf("BuildCommitMessage: %v", err)
	}
	if !strings.HasPrefix(msg, "fix the login page\n\n") {
		t.Errorf("subject missing: %q", msg)
	}
	if !strings.Contains(msg, "2 files changed") || !strings.Contains(msg, "- a.go") {
		t.Errorf("body missing summary or files: %q", msg)
	}
}

func TestBuildCommitMessageNoChanges(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, exec.MockResponse{})

	if _, err := NewService(mock).BuildCommitMessage(context.Background(), "/wt", "x"); err == nil {
		t.Fatal("expected error for clean worktree")
	}
}
