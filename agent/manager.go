package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/stravu/crystal-core/events"
	"github.com/stravu/crystal-core/logger"
)

// stopGracePeriod is how long Stop waits for a clean exit after closing
// stdin before force-killing the process.
const stopGracePeriod = 2 * time.Second

// AlreadyRunningError reports a spawn for a panel that already owns a live
// subprocess. The caller must wait for the exit event before respawning.
type AlreadyRunningError struct {
	PanelID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("panel %s already has a running process", e.PanelID)
}

// NotRunningError reports input or a signal sent to a panel with no live
// subprocess.
type NotRunningError struct {
	PanelID string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("panel %s has no running process", e.PanelID)
}

// SpawnError reports a subprocess that could not be started at all (binary
// missing, permission denied). Never retried automatically.
type SpawnError struct {
	PanelID string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn for panel %s failed: %v", e.PanelID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Publisher receives the lifecycle events the manager emits.
type Publisher interface {
	Publish(ev events.PanelEvent)
}

// SpawnOptions carries the inputs for starting an agent subprocess.
type SpawnOptions struct {
	PanelID        string
	SessionID      string
	PanelType      string
	WorktreePath   string
	Prompt         string
	Executable     string
	Model          string
	AgentSessionID string    // set on continue: the agent session to resume
	History        []Message // replayed on continue when no session to resume
	ExtraArgs      []string
}

// handle is the in-memory association of a panelId with its live subprocess.
// It exists only while the subprocess is alive and is removed before the
// exit event is published.
type handle struct {
	panelID   string
	sessionID string
	panelType string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu            sync.Mutex
	intentional   bool
	stderrContent string

	stdoutDone chan struct{}
	stderrDone chan struct{}
	// waitDone is closed by monitorExit when cmd.Wait() completes. Stop
	// selects on it instead of calling cmd.Wait() again.
	waitDone chan struct{}
}

func (h *handle) source() events.Source {
	return events.Source{PanelID: h.panelID, PanelType: h.panelType, SessionID: h.sessionID}
}

func (h *handle) setIntentional() {
	h.mu.Lock()
	h.intentional = true
	h.mu.Unlock()
}

func (h *handle) wasIntentional() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intentional
}

// Manager owns every agent subprocess. At most one subprocess exists per
// panelId; a second spawn while one is live fails fast. All per-tool
// differences are delegated to the Adapter.
type Manager struct {
	adapter Adapter
	bus     Publisher

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager creates a Manager for one agent tool.
func NewManager(adapter Adapter, bus Publisher) *Manager {
	return &Manager{
		adapter: adapter,
		bus:     bus,
		handles: make(map[string]*handle),
	}
}

// Spawn starts a fresh agent subprocess for a panel and writes the prompt
// to it. The spawned event is published before any output events.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) error {
	cfg := m.commandConfig(opts)
	name, args := m.adapter.SpawnCommand(cfg)
	return m.start(ctx, opts, name, args)
}

// Continue starts a subprocess resuming a previous agent run for the panel,
// replaying conversation history when there is no agent session to resume.
func (m *Manager) Continue(ctx context.Context, opts SpawnOptions) error {
	cfg := m.commandConfig(opts)
	name, args := m.adapter.ContinueCommand(cfg)
	return m.start(ctx, opts, name, args)
}

func (m *Manager) commandConfig(opts SpawnOptions) CommandConfig {
	return CommandConfig{
		Executable:     opts.Executable,
		WorktreePath:   opts.WorktreePath,
		Prompt:         opts.Prompt,
		PanelID:        opts.PanelID,
		SessionID:      opts.SessionID,
		AgentSessionID: opts.AgentSessionID,
		History:        opts.History,
		Model:          opts.Model,
		ExtraArgs:      opts.ExtraArgs,
	}
}

func (m *Manager) start(ctx context.Context, opts SpawnOptions, name string, args []string) error {
	src := events.Source{PanelID: opts.PanelID, PanelType: opts.PanelType, SessionID: opts.SessionID}
	log := logger.WithPanel(opts.SessionID, opts.PanelID)

	// The existence check and handle registration happen under one lock so
	// two concurrent spawns cannot both pass the check.
	m.mu.Lock()
	if _, exists := m.handles[opts.PanelID]; exists {
		m.mu.Unlock()
		return &AlreadyRunningError{PanelID: opts.PanelID}
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = opts.WorktreePath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.mu.Unlock()
		return m.spawnFailed(src, log, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		m.mu.Unlock()
		return m.spawnFailed(src, log, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		m.mu.Unlock()
		return m.spawnFailed(src, log, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		m.mu.Unlock()
		return m.spawnFailed(src, log, err)
	}

	h := &handle{
		panelID:    opts.PanelID,
		sessionID:  opts.SessionID,
		panelType:  opts.PanelType,
		cmd:        cmd,
		stdin:      stdin,
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}
	m.handles[opts.PanelID] = h
	m.mu.Unlock()

	log.Info("agent process started", "agent", m.adapter.Name(), "pid", cmd.Process.Pid)
	m.bus.Publish(events.NewSpawned(src))

	go m.readOutput(h, stdout)
	go m.drainStderr(h, stderr)
	go m.monitorExit(h)

	// The initial prompt travels over stdin for stdin-protocol agents.
	// Argument-protocol agents already carry it in the command line.
	if opts.Prompt != "" {
		if input := m.adapter.FormatInput(opts.Prompt); len(input) > 0 {
			if _, err := stdin.Write(input); err != nil {
				log.Warn("failed to write initial prompt", "error", err)
			}
		}
	}
	return nil
}

// spawnFailed publishes the error event and returns a SpawnError. Caller
// must not hold m.mu.
func (m *Manager) spawnFailed(src events.Source, log *slog.Logger, err error) error {
	log.Error("agent spawn failed", "error", err)
	m.bus.Publish(events.NewError(src, err.Error()))
	return &SpawnError{PanelID: src.PanelID, Err: err}
}

// SendInput writes user text to the panel's subprocess. Agents whose adapter
// formats no stdin frames do not accept input mid-run.
func (m *Manager) SendInput(panelID, text string) error {
	m.mu.Lock()
	h, ok := m.handles[panelID]
	m.mu.Unlock()
	if !ok {
		return &NotRunningError{PanelID: panelID}
	}
	input := m.adapter.FormatInput(text)
	if len(input) == 0 {
		return fmt.Errorf("agent %s does not accept input over stdin", m.adapter.Name())
	}
	if _, err := h.stdin.Write(input); err != nil {
		return fmt.Errorf("write to panel %s: %w", panelID, err)
	}
	return nil
}

// SendInterrupt delivers SIGINT to the panel's subprocess, interrupting the
// current operation without killing the process.
func (m *Manager) SendInterrupt(panelID string) error {
	m.mu.Lock()
	h, ok := m.handles[panelID]
	m.mu.Unlock()
	if !ok {
		return &NotRunningError{PanelID: panelID}
	}
	logger.WithPanel(h.sessionID, panelID).Info("sending SIGINT", "pid", h.cmd.Process.Pid)
	if err := h.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("interrupt panel %s: %w", panelID, err)
	}
	return nil
}

// Stop terminates the panel's subprocess. The resulting exit event is marked
// intentional so the session lands in stopped rather than error. Stopping a
// panel with no process is a no-op.
func (m *Manager) Stop(panelID string) {
	m.mu.Lock()
	h, ok := m.handles[panelID]
	m.mu.Unlock()
	if !ok {
		return
	}

	h.setIntentional()
	logger.WithPanel(h.sessionID, panelID).Debug("stopping agent process")

	// Close stdin to signal EOF; most agents exit on their own.
	h.stdin.Close()

	select {
	case <-h.waitDone:
	case <-time.After(stopGracePeriod):
		logger.WithPanel(h.sessionID, panelID).Debug("force killing agent process")
		h.cmd.Process.Kill() //nolint:errcheck
		<-h.waitDone
	}
}

// StopAll stops every live subprocess. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// IsRunning reports whether the panel currently owns a live subprocess.
func (m *Manager) IsRunning(panelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[panelID]
	return ok
}

// readOutput streams stdout lines, runs each through the adapter's protocol
// parser, and publishes them as output events. Events for one panel are
// published from this single goroutine, preserving emission order.
func (m *Manager) readOutput(h *handle, stdout io.Reader) {
	defer close(h.stdoutDone)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		sig := m.adapter.ParseLine(line)
		stream := events.StreamStdout
		if sig.Structured {
			stream = events.StreamStructured
		}
		ev := events.NewOutput(h.source(), stream, line)
		ev.AgentSessionID = sig.AgentSessionID
		switch {
		case sig.Waiting:
			ev.Hint = events.HintWaiting
		case sig.Completed:
			ev.Hint = events.HintCompleted
		}
		m.bus.Publish(ev)
	}
	// EOF means the process closed stdout; monitorExit handles the rest.
}

// drainStderr captures stderr concurrently so it is available when the
// process exits.
func (m *Manager) drainStderr(h *handle, stderr io.Reader) {
	defer close(h.stderrDone)
	raw, err := io.ReadAll(stderr)
	if err != nil || len(raw) == 0 {
		return
	}
	content := string(raw)
	h.mu.Lock()
	h.stderrContent = content
	h.mu.Unlock()
	m.bus.Publish(events.NewOutput(h.source(), events.StreamStderr, content))
}

// monitorExit is the sole caller of cmd.Wait(). It removes the handle before
// publishing the exit event, so by the time any consumer observes the exit,
// a new spawn for the same panel is already legal.
func (m *Manager) monitorExit(h *handle) {
	// Wait closes the pipes, discarding anything still buffered; both readers
	// must reach EOF first. Process death closes the write ends, so they do.
	<-h.stdoutDone
	<-h.stderrDone
	err := h.cmd.Wait()
	close(h.waitDone)

	exitCode := 0
	signal := ""
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
			}
		}
	}

	m.mu.Lock()
	delete(m.handles, h.panelID)
	m.mu.Unlock()

	logger.WithPanel(h.sessionID, h.panelID).Info("agent process exited",
		"exitCode", exitCode, "signal", signal, "intentional", h.wasIntentional())
	m.bus.Publish(events.NewExit(h.source(), exitCode, signal, h.wasIntentional()))
}
