// Package terminal runs the pty-backed shell behind terminal-type panels.
// Output is published as panel events; input and resizes come back through
// the manager.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/stravu/crystal-core/events"
	"github.com/stravu/crystal-core/logger"
)

const (
	defaultRows = 24
	defaultCols = 80
)

// Publisher receives the lifecycle events terminals emit.
type Publisher interface {
	Publish(ev events.PanelEvent)
}

// AlreadyRunningError reports a start for a panel that already owns a live
// shell.
type AlreadyRunningError struct {
	PanelID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("panel %s already has a running shell", e.PanelID)
}

// NotRunningError reports input to a panel with no live shell.
type NotRunningError struct {
	PanelID string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("panel %s has no running shell", e.PanelID)
}

// StartOptions carries the inputs for starting a panel process. With no
// Command an interactive shell is spawned; logs panels pass the project's
// run script instead.
type StartOptions struct {
	PanelID      string
	SessionID    string
	PanelType    string // defaults to "terminal"
	WorktreePath string
	Shell        string   // defaults to $SHELL, then /bin/bash
	Command      []string // overrides the shell when set
	Rows, Cols   uint16
}

// shell is one live pty-attached process.
type shell struct {
	panelID   string
	sessionID string
	panelType string
	ptmx      *os.File
	cmd       *exec.Cmd

	closeOnce   sync.Once
	closed      chan struct{}
	readDone    chan struct{}
	mu          sync.Mutex
	intentional bool
}

func (s *shell) source() events.Source {
	return events.Source{PanelID: s.panelID, PanelType: s.panelType, SessionID: s.sessionID}
}

func (s *shell) markIntentional() {
	s.mu.Lock()
	s.intentional = true
	s.mu.Unlock()
}

func (s *shell) wasIntentional() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intentional
}

// Manager owns the shells of all terminal panels, one per panelId.
type Manager struct {
	bus Publisher

	mu     sync.Mutex
	shells map[string]*shell
}

// NewManager creates an empty terminal Manager.
func NewManager(bus Publisher) *Manager {
	return &Manager{bus: bus, shells: make(map[string]*shell)}
}

// Start spawns the panel's process in the session worktree attached to a pty.
func (m *Manager) Start(opts StartOptions) error {
	m.mu.Lock()
	if _, exists := m.shells[opts.PanelID]; exists {
		m.mu.Unlock()
		return &AlreadyRunningError{PanelID: opts.PanelID}
	}

	panelType := opts.PanelType
	if panelType == "" {
		panelType = "terminal"
	}

	var cmd *exec.Cmd
	if len(opts.Command) > 0 {
		cmd = exec.Command(opts.Command[0], opts.Command[1:]...)
	} else {
		shellBin := opts.Shell
		if shellBin == "" {
			shellBin = os.Getenv("SHELL")
		}
		if shellBin == "" {
			shellBin = "/bin/bash"
		}
		cmd = exec.Command(shellBin)
	}
	cmd.Dir = opts.WorktreePath
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		m.mu.Unlock()
		src := events.Source{PanelID: opts.PanelID, PanelType: panelType, SessionID: opts.SessionID}
		m.bus.Publish(events.NewError(src, err.Error()))
		return fmt.Errorf("start process for panel %s: %w", opts.PanelID, err)
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})

	sh := &shell{
		panelID:   opts.PanelID,
		sessionID: opts.SessionID,
		panelType: panelType,
		ptmx:      ptmx,
		cmd:       cmd,
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	m.shells[opts.PanelID] = sh
	m.mu.Unlock()

	logger.WithPanel(opts.SessionID, opts.PanelID).Info("panel process started", "command", cmd.Path, "pid", cmd.Process.Pid)
	m.bus.Publish(events.NewSpawned(sh.source()))

	go m.readLoop(sh)
	go m.waitForExit(sh)
	return nil
}

// Write sends input bytes to the panel's pty.
func (m *Manager) Write(panelID string, data []byte) error {
	sh, ok := m.get(panelID)
	if !ok {
		return &NotRunningError{PanelID: panelID}
	}
	select {
	case <-sh.closed:
		return &NotRunningError{PanelID: panelID}
	default:
	}
	if _, err := sh.ptmx.Write(data); err != nil {
		return fmt.Errorf("write to panel %s: %w", panelID, err)
	}
	return nil
}

// Resize changes the pty window size.
func (m *Manager) Resize(panelID string, rows, cols uint16) error {
	sh, ok := m.get(panelID)
	if !ok {
		return &NotRunningError{PanelID: panelID}
	}
	return pty.Setsize(sh.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Stop terminates the panel's shell. The resulting exit event is marked
// intentional. Stopping a panel with no shell is a no-op.
func (m *Manager) Stop(panelID string) {
	sh, ok := m.get(panelID)
	if !ok {
		return
	}
	sh.markIntentional()
	sh.closeOnce.Do(func() {
		close(sh.closed)
		sh.ptmx.Close()
		if sh.cmd.Process != nil {
			sh.cmd.Process.Kill() //nolint:errcheck
		}
	})
}

// StopAll stops every live shell. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.shells))
	for id := range m.shells {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// IsRunning reports whether the panel currently owns a live shell.
func (m *Manager) IsRunning(panelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.shells[panelID]
	return ok
}

func (m *Manager) get(panelID string) (*shell, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shells[panelID]
	return sh, ok
}

// readLoop publishes pty output as panel events until the pty closes.
func (m *Manager) readLoop(sh *shell) {
	defer close(sh.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := sh.ptmx.Read(buf)
		if n > 0 {
			m.bus.Publish(events.NewOutput(sh.source(), events.StreamStdout, string(buf[:n])))
		}
		if err != nil {
			// EOF or EIO when the shell exits; waitForExit reports it.
			return
		}
	}
}

// waitForExit is the sole caller of cmd.Wait. It removes the shell before
// publishing the exit event.
func (m *Manager) waitForExit(sh *shell) {
	err := sh.cmd.Wait()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	// Let the read loop drain what the pty still buffers before closing it.
	// A background child keeping the tty open blocks the read; close it out
	// from under the reader after a short grace.
	select {
	case <-sh.readDone:
	case <-time.After(time.Second):
	}

	sh.closeOnce.Do(func() {
		close(sh.closed)
		sh.ptmx.Close()
	})

	m.mu.Lock()
	delete(m.shells, sh.panelID)
	m.mu.Unlock()

	logger.WithPanel(sh.sessionID, sh.panelID).Info("shell exited",
		"exitCode", exitCode, "intentional", sh.wasIntentional())
	m.bus.Publish(events.NewExit(sh.source(), exitCode, "", sh.wasIntentional()))
}
