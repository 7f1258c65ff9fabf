package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRealExecutor_Run(t *testing.T) {
	executor := NewRealExecutor()
	ctx := context.Background()

	stdout, stderr, err := executor.Run(ctx, "", "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", string(stdout))
	}
	if len(stderr) != 0 {
		t.Errorf("expected empty stderr, got %q", string(stderr))
	}
}

func TestRealExecutor_Output(t *testing.T) {
	executor := NewRealExecutor()
	ctx := context.Background()

	output, err := executor.Output(ctx, "", "echo", "world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "world\n" {
		t.Errorf("expected 'world\\n', got %q", string(output))
	}
}

func TestRealExecutor_CombinedOutput(t *testing.T) {
	executor := NewRealExecutor()
	ctx := context.Background()

	output, err := executor.CombinedOutput(ctx, "", "echo", "combined")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "combined\n" {
		t.Errorf("expected 'combined\\n', got %q", string(output))
	}
}

func TestMockExecutor_Run(t *testing.T) {
	mock := NewMockExecutor(nil)

	mock.AddExactMatch("git", []string{"status"}, MockResponse{
		Stdout: []byte("On branch main"),
	})

	ctx := context.Background()
	stdout, stderr, err := mock.Run(ctx, "/some/dir", "git", "status")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "On branch main" {
		t.Errorf("expected 'On branch main', got %q", string(stdout))
	}
	if len(stderr) != 0 {
		t.Errorf("expected empty stderr, got %q", string(stderr))
	}

	calls := mock.GetCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Dir != "/some/dir" {
		t.Errorf("expected dir '/some/dir', got %q", calls[0].Dir)
	}
	if calls[0].Name != "git" {
		t.Errorf("expected name 'git', got %q", calls[0].Name)
	}
}

func TestMockExecutor_PrefixMatch(t *testing.T) {
	mock := NewMockExecutor(nil)

	mock.AddPrefixMatch("git", []string{"worktree"}, MockResponse{
		Stdout: []byte("ok"),
	})

	ctx := context.Background()

	stdout, _, err := mock.Run(ctx, "", "git", "worktree", "add", "-b", "feature", "/path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "ok" {
		t.Errorf("expected 'ok', got %q", string(stdout))
	}

	stdout, _, err = mock.Run(ctx, "", "git", "worktree", "prune")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "ok" {
		t.Errorf("expected 'ok', got %q", string(stdout))
	}

	// Different prefix falls through to empty response
	stdout, _, err = mock.Run(ctx, "", "git", "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "" {
		t.Errorf("expected empty response for unmatched command, got %q", string(stdout))
	}
}

func TestMockExecutor_Error(t *testing.T) {
	mock := NewMockExecutor(nil)

	expectedErr := errors.New("command failed")
	mock.AddExactMatch("git", []string{"worktree", "remove", "/gone"}, MockResponse{
		Stderr: []byte("fatal: '/gone' is not a working tree"),
		Err:    expectedErr,
	})

	ctx := context.Background()
	_, stderr, err := mock.Run(ctx, "", "git", "worktree", "remove", "/gone")

	if err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
	if string(stderr) != "fatal: '/gone' is not a working tree" {
		t.Errorf("unexpected stderr: %q", string(stderr))
	}
}

func TestMockExecutor_Output(t *testing.T) {
	mock := NewMockExecutor(nil)

	mock.AddExactMatch("echo", []string{"hello"}, MockResponse{
		Stdout: []byte("hello"),
	})

	ctx := context.Background()
	output, err := mock.Output(ctx, "", "echo", "hello")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "hello" {
		t.Errorf("expected 'hello', got %q", string(output))
	}
}

func TestMockExecutor_CombinedOutput(t *testing.T) {
	mock := NewMockExecutor(nil)

	mock.AddExactMatch("cmd", []string{"test"}, MockResponse{
		Stdout: []byte("out"),
		Stderr: []byte("err"),
	})

	ctx := context.Background()
	output, err := mock.CombinedOutput(ctx, "", "cmd", "test")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "outerr" {
		t.Errorf("expected 'outerr', got %q", string(output))
	}
}

func TestMockExecutor_Fallback(t *testing.T) {
	real := NewRealExecutor()
	mock := NewMockExecutor(real)

	mock.AddPrefixMatch("git", []string{}, MockResponse{
		Stdout: []byte("mocked"),
	})

	ctx := context.Background()

	stdout, _, err := mock.Run(ctx, "", "git", "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "mocked" {
		t.Errorf("expected 'mocked', got %q", string(stdout))
	}

	// Unmatched commands fall through to the real executor
	stdout, _, err = mock.Run(ctx, "", "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", string(stdout))
	}
}

func TestMockExecutor_RuleOrder(t *testing.T) {
	mock := NewMockExecutor(nil)

	mock.AddExactMatch("git", []string{"worktree", "add", "-b", "main-1", "/p"}, MockResponse{
		Stdout: []byte("specific"),
	})
	mock.AddPrefixMatch("git", []string{"worktree", "add"}, MockResponse{
		Stdout: []byte("general"),
	})

	ctx := context.Background()

	stdout, _, _ := mock.Run(ctx, "", "git", "worktree", "add", "-b", "main-1", "/p")
	if string(stdout) != "specific" {
		t.Errorf("expected 'specific', got %q", string(stdout))
	}

	stdout, _, _ = mock.Run(ctx, "", "git", "worktree", "add", "-b", "main-2", "/q")
	if string(stdout) != "general" {
		t.Errorf("expected 'general', got %q", string(stdout))
	}
}

func TestMockExecutor_GetCallsClearCalls(t *testing.T) {
	mock := NewMockExecutor(nil)
	ctx := context.Background()

	mock.Run(ctx, "/dir1", "cmd1", "arg1")
	mock.Run(ctx, "/dir2", "cmd2", "arg2")

	calls := mock.GetCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}

	mock.ClearCalls()

	calls = mock.GetCalls()
	if len(calls) != 0 {
		t.Errorf("expected 0 calls after clear, got %d", len(calls))
	}
}

func TestDefaultExecutorConcurrentAccess(t *testing.T) {
	original := GetDefaultExecutor()
	defer SetDefaultExecutor(original)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetDefaultExecutor(NewMockExecutor(nil))
		}()
		go func() {
			defer wg.Done()
			_ = GetDefaultExecutor()
		}()
	}
	wg.Wait()
}
