package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stravu/crystal-core/config"
	"github.com/stravu/crystal-core/db"
	"github.com/stravu/crystal-core/events"
	"github.com/stravu/crystal-core/exec"
	"github.com/stravu/crystal-core/panel"
	"github.com/stravu/crystal-core/paths"
	"github.com/stravu/crystal-core/store"
	"github.com/stravu/crystal-core/worktree"
)

// harness is a fully wired orchestrator over a temp home, a mock git
// executor, and a shell script standing in for the agent binary.
type harness struct {
	o        *Orchestrator
	cfg      *config.Config
	dbs      *db.Store
	executor *exec.MockExecutor
	runsFile string
}

// stubExitClean reads the initial prompt, prints a usage line, records the
// invocation, and exits 0. Good enough to drive the full completion path.
const stubExitClean = `#!/bin/sh
head -n 1 > /dev/null
echo "42,000 / 200,000 tokens"
echo run >> %q
exit 0
`

// stubBlockOnStdin consumes stdin until it closes, so the process stays
// alive until stopped.
const stubBlockOnStdin = `#!/bin/sh
echo run >> %q
while read line; do :; done
`

func newHarness(t *testing.T, stubBody string, gitFails bool) *harness {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	repo := filepath.Join(tmp, "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}

	runsFile := filepath.Join(tmp, "runs")
	stub := filepath.Join(tmp, "agent-stub")
	if err := os.WriteFile(stub, []byte(fmt.Sprintf(stubBody, runsFile)), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFrom(filepath.Join(tmp, "config.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := cfg.AddProject("demo", repo); err != nil {
		t.Fatalf("add project: %v", err)
	}
	cfg.ClaudeExecutable = stub
	cfg.CodexExecutable = stub

	ctx := context.Background()
	dbs, err := db.Open(ctx, filepath.Join(tmp, "crystal.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { dbs.Close() })
	if err := dbs.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	executor := exec.NewMockExecutor(nil)
	if gitFails {
		executor.AddPrefixMatch("git", []string{"worktree", "add"}, exec.MockResponse{
			Stderr: []byte("fatal: a branch named 'crystal' already exists"),
			Err:    errors.New("exit status 128"),
		})
	} else {
		// The real command creates the worktree directory; the mock has to
		// do the same so the spawned process has a working directory.
		executor.AddRule(func(dir, name string, args []string) bool {
			if name != "git" || len(args) < 5 || args[0] != "worktree" || args[1] != "add" {
				return false
			}
			os.MkdirAll(args[4], 0o755) //nolint:errcheck
			return true
		}, exec.MockResponse{})
	}

	o, err := New(cfg, dbs, executor)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(o.Shutdown)

	return &harness{o: o, cfg: cfg, dbs: dbs, executor: executor, runsFile: runsFile}
}

func (h *harness) runCount(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(h.runsFile)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "run")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, sessionID string, want store.Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("status %s", want), func() bool {
		sess, err := h.o.sessions.Get(sessionID)
		return err == nil && sess.Status == want
	})
}

func TestCreateSessionRunsToCompletion(t *testing.T) {
	h := newHarness(t, stubExitClean, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{
		Name:   "fix login",
		Prompt: "fix the login page",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Agent != "claude" {
		t.Errorf("Agent = %s, want claude (config default)", sess.Agent)
	}

	// Clean exit, then exactly one follow-up diagnostic run, then done.
	h.waitStatus(t, sess.ID, store.StatusCompleted)
	waitFor(t, "two agent runs", func() bool { return h.runCount(t) == 2 })

	time.Sleep(300 * time.Millisecond)
	if n := h.runCount(t); n != 2 {
		t.Errorf("agent ran %d times, want exactly 2 (initial + diagnostic)", n)
	}

	final, err := h.o.sessions.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.StatusCompleted {
		t.Errorf("Status = %s, want completed after diagnostic", final.Status)
	}
	if !final.CompletedUnviewed {
		t.Error("completed session should be marked unviewed")
	}

	p, err := h.o.agentPanel(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := p.State.Custom.(*panel.AgentState)
	if !ok || st.Usage == nil {
		t.Fatalf("usage not recorded: %+v", p.State.Custom)
	}
	if st.Usage.Tokens != 42000 || st.Usage.Limit != 200000 {
		t.Errorf("usage = %d/%d, want 42000/200000", st.Usage.Tokens, st.Usage.Limit)
	}

	msgs, err := h.dbs.ListConversationMessages(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	var prompts []string
	for _, m := range msgs {
		if m.MessageType == "user" {
			prompts = append(prompts, m.Content)
		}
	}
	if len(prompts) != 2 || prompts[0] != "fix the login page" || prompts[1] != "/context" {
		t.Errorf("user prompts = %v", prompts)
	}
}

func TestCreateSessionWithoutActiveProject(t *testing.T) {
	h := newHarness(t, stubExitClean, false)
	h.cfg.ActiveProjectID = ""

	var nap *NoActiveProjectError
	_, err := h.o.CreateSession(context.Background(), CreateSessionOptions{Prompt: "x"})
	if !errors.As(err, &nap) {
		t.Fatalf("expected *NoActiveProjectError, got %v", err)
	}
}

func TestWorktreeFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t, stubExitClean, true)

	var we *worktree.WorktreeError
	_, err := h.o.CreateSession(context.Background(), CreateSessionOptions{Prompt: "x"})
	if !errors.As(err, &we) {
		t.Fatalf("expected *WorktreeError, got %v", err)
	}
	if got := h.o.sessions.GetAll(); len(got) != 0 {
		t.Errorf("expected no sessions, got %d", len(got))
	}
	if n := h.runCount(t); n != 0 {
		t.Errorf("agent should not have run, ran %d times", n)
	}
}

func TestArchivedSessionEventsDropped(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "long task"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	p, err := h.o.agentPanel(sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.o.ArchiveSession(ctx, sess.ID); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}

	// The kill triggered by archiving produces an exit event for a session
	// that no longer exists; it must not touch the archived record.
	waitFor(t, "agent process stopped", func() bool {
		return !h.o.agents["claude"].IsRunning(p.ID)
	})
	time.Sleep(200 * time.Millisecond)

	final, err := h.o.sessions.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !final.Archived || final.Status != store.StatusStopped {
		t.Errorf("session = archived %v status %s, want archived/stopped", final.Archived, final.Status)
	}
	if got := h.o.panels.ListForSession(sess.ID); len(got) != 0 {
		t.Errorf("expected no panels after archive, got %d", len(got))
	}

	// A forged stale event is dropped by the same gate.
	h.o.bus.Publish(events.NewError(events.Source{
		PanelID: p.ID, PanelType: string(p.Type), SessionID: sess.ID,
	}, "late failure"))
	time.Sleep(200 * time.Millisecond)

	final, _ = h.o.sessions.Get(sess.ID)
	if final.Status != store.StatusStopped || final.ErrorMessage != "" {
		t.Errorf("stale error event mutated archived session: %+v", final)
	}
}

func TestArchiveWithMissingWorktree(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "task"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	// The user deleted the worktree directory out from under us.
	if err := os.RemoveAll(sess.WorktreePath); err != nil {
		t.Fatal(err)
	}

	if err := h.o.ArchiveSession(ctx, sess.ID); err != nil {
		t.Fatalf("ArchiveSession with missing worktree: %v", err)
	}
	final, err := h.o.sessions.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !final.Archived {
		t.Error("session should be archived")
	}
}

func TestWaitingHintAndInputRoundTrip(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "ask me things"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	p, err := h.o.agentPanel(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	src := events.Source{PanelID: p.ID, PanelType: string(p.Type), SessionID: sess.ID}

	ev := events.NewOutput(src, events.StreamStructured, `{"type":"tool_use"}`)
	ev.Hint = events.HintWaiting
	h.o.bus.Publish(ev)
	h.waitStatus(t, sess.ID, store.StatusWaiting)

	if err := h.o.SendInput(ctx, p.ID, "use the second option"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	h.o.StopSession(sess.ID)
	h.waitStatus(t, sess.ID, store.StatusStopped)
}

func TestEventsFromNonEmittingPanelDropped(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "task"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	d, err := h.o.CreatePanel(ctx, sess.ID, panel.TypeDiff, "")
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}

	// Diff panels consume events but never emit; a forged output event
	// claiming one as its source must not move the session to waiting.
	ev := events.NewOutput(events.Source{
		PanelID: d.ID, PanelType: string(d.Type), SessionID: sess.ID,
	}, events.StreamStdout, "bogus")
	ev.Hint = events.HintWaiting
	h.o.bus.Publish(ev)
	time.Sleep(300 * time.Millisecond)

	got, _ := h.o.sessions.Get(sess.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("forged event from diff panel changed status to %s", got.Status)
	}

	h.o.StopSession(sess.ID)
	h.waitStatus(t, sess.ID, store.StatusStopped)
}

func TestAgentSessionIDRecordedFromEvent(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "task"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	p, err := h.o.agentPanel(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	src := events.Source{PanelID: p.ID, PanelType: string(p.Type), SessionID: sess.ID}

	ev := events.NewOutput(src, events.StreamStructured, `{"type":"system","subtype":"init"}`)
	ev.AgentSessionID = "agent-abc-123"
	h.o.bus.Publish(ev)

	waitFor(t, "agent session id recorded", func() bool {
		cur, err := h.o.panels.Get(p.ID)
		if err != nil {
			return false
		}
		st, ok := cur.State.Custom.(*panel.AgentState)
		return ok && st.AgentSessionID == "agent-abc-123"
	})

	h.o.StopSession(sess.ID)
	h.waitStatus(t, sess.ID, store.StatusStopped)
}

func TestTerminalPanelLifecycle(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "task"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	p, err := h.o.CreatePanel(ctx, sess.ID, panel.TypeTerminal, "")
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	if err := h.o.StartPanel(ctx, p.ID, ""); err != nil {
		t.Fatalf("StartPanel: %v", err)
	}

	cur, _ := h.o.panels.Get(p.ID)
	if ts, ok := cur.State.Custom.(*panel.TerminalState); !ok || !ts.Running {
		t.Errorf("terminal state not marked running: %+v", cur.State.Custom)
	}

	// Shell exit flips Running back off without ending the session.
	if err := h.o.SendInput(ctx, p.ID, "exit\n"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	waitFor(t, "terminal state idle", func() bool {
		cur, err := h.o.panels.Get(p.ID)
		if err != nil {
			return false
		}
		ts, ok := cur.State.Custom.(*panel.TerminalState)
		return ok && !ts.Running
	})

	got, _ := h.o.sessions.Get(sess.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("shell exit changed session status to %s", got.Status)
	}

	h.o.StopSession(sess.ID)
	h.waitStatus(t, sess.ID, store.StatusStopped)
}

func TestLogsPanelRunsProjectScript(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	proj, ok := h.cfg.ActiveProject()
	if !ok {
		t.Fatal("no active project")
	}
	proj.RunScript = "echo serving; sleep 30"
	h.cfg.UpdateProject(proj)

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "task"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	p, err := h.o.CreatePanel(ctx, sess.ID, panel.TypeLogs, "")
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	if err := h.o.StartPanel(ctx, p.ID, ""); err != nil {
		t.Fatalf("StartPanel: %v", err)
	}

	cur, _ := h.o.panels.Get(p.ID)
	ls, ok := cur.State.Custom.(*panel.LogsState)
	if !ok || !ls.Running {
		t.Fatalf("logs state not marked running: %+v", cur.State.Custom)
	}
	if ls.Command != proj.RunScript {
		t.Errorf("Command = %q, want the project run script", ls.Command)
	}

	// The script is still running, so the panel cannot be removed.
	var busy *panel.PanelBusyError
	if err := h.o.RemovePanel(ctx, sess.ID, p.ID); !errors.As(err, &busy) {
		t.Errorf("expected *PanelBusyError while the script runs, got %v", err)
	}

	if err := h.o.StopPanel(p.ID); err != nil {
		t.Fatalf("StopPanel: %v", err)
	}
	waitFor(t, "logs state idle", func() bool {
		cur, err := h.o.panels.Get(p.ID)
		if err != nil {
			return false
		}
		ls, ok := cur.State.Custom.(*panel.LogsState)
		return ok && !ls.Running
	})

	got, _ := h.o.sessions.Get(sess.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("run script exit changed session status to %s", got.Status)
	}

	if err := h.o.RemovePanel(ctx, sess.ID, p.ID); err != nil {
		t.Errorf("RemovePanel after stop: %v", err)
	}

	h.o.StopSession(sess.ID)
	h.waitStatus(t, sess.ID, store.StatusStopped)
}

func TestStartLogsPanelWithoutRunScript(t *testing.T) {
	h := newHarness(t, stubBlockOnStdin, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Prompt: "task"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusRunning)

	p, err := h.o.CreatePanel(ctx, sess.ID, panel.TypeLogs, "")
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	if err := h.o.StartPanel(ctx, p.ID, ""); err == nil {
		t.Error("expected an error starting a logs panel with no run script configured")
	}

	h.o.StopSession(sess.ID)
	h.waitStatus(t, sess.ID, store.StatusStopped)
}

func TestSessionChangeNotifications(t *testing.T) {
	h := newHarness(t, stubExitClean, false)
	ctx := context.Background()

	sess, err := h.o.CreateSession(ctx, CreateSessionOptions{Name: "notify me", Prompt: "go"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.waitStatus(t, sess.ID, store.StatusCompleted)

	if err := h.o.MarkSessionViewed(ctx, sess.ID); err != nil {
		t.Fatalf("MarkSessionViewed: %v", err)
	}
	got, _ := h.o.sessions.Get(sess.ID)
	if got.CompletedUnviewed {
		t.Error("viewed session still marked unviewed")
	}
}
