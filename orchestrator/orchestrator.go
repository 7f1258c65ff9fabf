// Package orchestrator wires the session store, panel registry, process
// managers, and notification hub together and routes every command and
// lifecycle event between them. It is the only package that sees the whole
// graph; everything below it communicates through narrow interfaces.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/stravu/crystal-core/agent"
	"github.com/stravu/crystal-core/config"
	"github.com/stravu/crystal-core/db"
	"github.com/stravu/crystal-core/events"
	"github.com/stravu/crystal-core/exec"
	"github.com/stravu/crystal-core/git"
	"github.com/stravu/crystal-core/logger"
	"github.com/stravu/crystal-core/notify"
	"github.com/stravu/crystal-core/panel"
	"github.com/stravu/crystal-core/paths"
	"github.com/stravu/crystal-core/store"
	"github.com/stravu/crystal-core/terminal"
	"github.com/stravu/crystal-core/worktree"
)

// maxStoredOutputs bounds the per-panel output history kept in the database.
// Pruned after each process exit rather than on every chunk.
const maxStoredOutputs = 10000

// NoActiveProjectError reports a session command issued with no active
// project configured.
type NoActiveProjectError struct{}

func (e *NoActiveProjectError) Error() string {
	return "no active project: add a project and select it first"
}

// UnknownAgentError reports an agent name with no registered adapter.
type UnknownAgentError struct {
	Agent string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.Agent)
}

// CreateSessionOptions carries the inputs for creating a session. Agent and
// BaseBranch fall back to the active project's configuration when empty.
type CreateSessionOptions struct {
	Name       string
	Prompt     string
	Agent      string
	Branch     string
	BaseBranch string
	Model      string
}

// Orchestrator owns the composed component graph.
type Orchestrator struct {
	cfg       *config.Config
	dbs       *db.Store
	executor  exec.CommandExecutor
	sessions  *store.Store
	panels    *panel.Registry
	bus       *events.Bus
	validator *events.Validator
	worktrees *worktree.Manager
	gits      *git.Service
	terminals *terminal.Manager
	agents    map[string]*agent.Manager // keyed by adapter name
	coord     *agent.Coordinator
	hub       *notify.Hub
	watcher   *worktree.Watcher

	pumpWG  sync.WaitGroup
	pumpSub *events.Subscription
}

// New composes the component graph over an open database. Construction is
// pure wiring; nothing is loaded or spawned until Start. The executor is
// what git runs through; production callers pass exec.NewRealExecutor().
func New(cfg *config.Config, dbs *db.Store, executor exec.CommandExecutor) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg,
		dbs:      dbs,
		executor: executor,
		agents:   make(map[string]*agent.Manager),
	}

	o.sessions = store.NewStore(store.NewDBPersistence(dbs))
	o.panels = panel.NewRegistry(panel.NewDBPersistence(dbs), o.sessions)
	o.bus = events.NewBus()
	o.validator = events.NewValidator(o.sessions, o.panels)
	o.worktrees = worktree.NewManager(executor)
	o.gits = git.NewService(executor)
	o.terminals = terminal.NewManager(o.bus)

	for _, name := range agent.AdapterNames() {
		adapter, err := agent.AdapterFor(name)
		if err != nil {
			return nil, err
		}
		o.agents[name] = agent.NewManager(adapter, o.bus)
	}

	o.coord = agent.NewCoordinator(o.panels, o.continueForDiagnostic, o.storeUsage, cfg.GetAutoContextEnabled)
	o.hub = notify.NewHub()
	return o, nil
}

// Hub returns the notification hub for mounting on an HTTP server.
func (o *Orchestrator) Hub() *notify.Hub { return o.hub }

// Sessions returns the session store for read access.
func (o *Orchestrator) Sessions() *store.Store { return o.sessions }

// Panels returns the panel registry for read access.
func (o *Orchestrator) Panels() *panel.Registry { return o.panels }

// Start loads persisted state, prunes orphaned worktrees, and begins
// pumping validated events. Must be called once before any command.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.sessions.Load(ctx); err != nil {
		return err
	}
	if err := o.panels.Load(ctx); err != nil {
		return err
	}

	o.sessions.AddListener(func(s store.Session) {
		o.hub.PublishSessionChange(notify.SessionNotice{
			SessionID:         s.ID,
			Name:              s.Name,
			Status:            string(s.Status),
			CompletedUnviewed: s.CompletedUnviewed,
			Archived:          s.Archived,
		})
	})

	known := make(map[string]bool)
	for _, s := range o.sessions.GetAll() {
		known[s.ID] = true
	}
	if pruned, err := o.worktrees.PruneOrphaned(ctx, known); err != nil {
		logger.WithComponent("orchestrator").Warn("orphan scan failed", "error", err)
	} else if pruned > 0 {
		logger.WithComponent("orchestrator").Info("pruned orphaned worktrees", "count", pruned)
	}

	o.startWatcher()

	o.pumpSub = o.bus.Subscribe()
	o.pumpWG.Add(1)
	go o.pump()
	return nil
}

// startWatcher begins watching the central worktrees directory. A session
// whose worktree disappears externally is archived, the same outcome as an
// archive issued after manual deletion. Best-effort: sessions still work
// without the watcher.
func (o *Orchestrator) startWatcher() {
	log := logger.WithComponent("orchestrator")
	dir, err := paths.WorktreesDir()
	if err != nil {
		log.Warn("worktree watch unavailable", "error", err)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("worktree watch unavailable", "error", err)
		return
	}
	w, err := worktree.WatchRemovals(dir)
	if err != nil {
		log.Warn("worktree watch unavailable", "error", err)
		return
	}
	o.watcher = w

	o.pumpWG.Add(1)
	go func() {
		defer o.pumpWG.Done()
		ctx := context.Background()
		for id := range w.Removed() {
			if !o.sessions.SessionExists(id) {
				continue
			}
			log.Info("archiving session after external worktree removal", "sessionId", id)
			if err := o.ArchiveSession(ctx, id); err != nil {
				log.Warn("archive after removal failed", "sessionId", id, "error", err)
			}
		}
	}()
}

// Shutdown stops every subprocess and drains the event pipeline.
func (o *Orchestrator) Shutdown() {
	for _, m := range o.agents {
		m.StopAll()
	}
	o.terminals.StopAll()
	if o.watcher != nil {
		o.watcher.Close() //nolint:errcheck
	}
	o.bus.Close()
	o.pumpWG.Wait()
	o.hub.Close()
}

// CreateSession creates the worktree, the session record, and the session's
// agent panel, then spawns the agent with the initial prompt. The worktree
// comes first: a failed git operation must not leave a session record behind.
func (o *Orchestrator) CreateSession(ctx context.Context, opts CreateSessionOptions) (store.Session, error) {
	proj, ok := o.cfg.ActiveProject()
	if !ok {
		return store.Session{}, &NoActiveProjectError{}
	}

	agentName := opts.Agent
	if agentName == "" {
		agentName = o.cfg.AgentForProject(proj)
	}
	panelType, ok := panel.AgentTypeFor(agentName)
	if !ok {
		return store.Session{}, &UnknownAgentError{Agent: agentName}
	}

	if err := worktree.ValidateBranchName(opts.Branch); err != nil {
		return store.Session{}, err
	}

	baseBranch := opts.BaseBranch
	if baseBranch == "" {
		baseBranch = proj.BaseBranch
	}

	sessionID := uuid.New().String()
	wt, err := o.worktrees.Create(ctx, worktree.CreateOptions{
		RepoPath:     proj.Path,
		SessionID:    sessionID,
		Branch:       opts.Branch,
		BranchPrefix: proj.BranchPrefix,
		BaseBranch:   baseBranch,
	})
	if err != nil {
		return store.Session{}, err
	}

	name := opts.Name
	if name == "" {
		name = opts.Prompt
	}
	sess, err := o.sessions.Create(ctx, store.CreateRequest{
		ID:           sessionID,
		ProjectID:    proj.ID,
		Name:         name,
		WorktreePath: wt.Path,
		Branch:       wt.Branch,
		BaseBranch:   wt.BaseBranch,
		Prompt:       opts.Prompt,
		Agent:        agentName,
	})
	if err != nil {
		// Roll the worktree back so a retry is not blocked by the branch.
		o.worktrees.Remove(ctx, proj.Path, wt.Path, wt.Branch) //nolint:errcheck
		return store.Session{}, err
	}

	o.runBuildScript(ctx, proj, wt.Path)

	p, err := o.panels.CreatePanel(ctx, panel.CreateOptions{
		SessionID: sess.ID,
		Type:      panelType,
		Custom:    &panel.AgentState{Model: opts.Model},
	})
	if err != nil {
		return sess, err
	}

	if err := o.spawnAgent(ctx, sess, p, opts.Prompt, opts.Model); err != nil {
		return sess, err
	}
	return sess, nil
}

// runBuildScript runs the project's setup command in the fresh worktree
// (dependency install, codegen). Best-effort: a failed build script is
// logged, not fatal, since the agent can usually recover.
func (o *Orchestrator) runBuildScript(ctx context.Context, proj config.Project, worktreePath string) {
	if proj.BuildScript == "" {
		return
	}
	log := logger.WithComponent("orchestrator")
	log.Info("running build script", "worktree", worktreePath)
	if out, err := o.executor.CombinedOutput(ctx, worktreePath, "sh", "-c", proj.BuildScript); err != nil {
		log.Warn("build script failed", "output", string(out), "error", err)
	}
}

// CreatePanel adds a panel to a session. Panels whose type requires a
// process are started separately via StartPanel.
func (o *Orchestrator) CreatePanel(ctx context.Context, sessionID string, t panel.Type, title string) (panel.Panel, error) {
	return o.panels.CreatePanel(ctx, panel.CreateOptions{
		SessionID: sessionID,
		Type:      t,
		Title:     title,
	})
}

// StartPanel launches the process behind a process-backed panel: a shell for
// terminal panels, an agent run for agent panels.
func (o *Orchestrator) StartPanel(ctx context.Context, panelID, prompt string) error {
	p, err := o.panels.Get(panelID)
	if err != nil {
		return err
	}
	caps, _ := panel.CapabilitiesFor(p.Type)
	if !caps.RequiresProcess {
		return fmt.Errorf("panel type %s has no process to start", p.Type)
	}
	sess, err := o.sessions.Get(p.SessionID)
	if err != nil {
		return err
	}

	switch p.Type {
	case panel.TypeTerminal:
		return o.startTerminal(ctx, sess, p)
	case panel.TypeLogs:
		return o.startRunScript(ctx, sess, p)
	}
	return o.spawnAgent(ctx, sess, p, prompt, "")
}

func (o *Orchestrator) startTerminal(ctx context.Context, sess store.Session, p panel.Panel) error {
	st, _ := p.State.Custom.(*panel.TerminalState)
	var rows, cols uint16
	if st != nil {
		rows, cols = uint16(st.Rows), uint16(st.Cols)
	}
	if err := o.terminals.Start(terminal.StartOptions{
		PanelID:      p.ID,
		SessionID:    sess.ID,
		WorktreePath: sess.WorktreePath,
		Rows:         rows,
		Cols:         cols,
	}); err != nil {
		return err
	}
	_, err := o.panels.UpdatePanelState(ctx, p.ID, func(s *panel.State) error {
		ts, ok := s.Custom.(*panel.TerminalState)
		if !ok {
			ts = &panel.TerminalState{}
			s.Custom = ts
		}
		ts.Running = true
		return nil
	})
	return err
}

// startRunScript launches the project's run script (dev server, watcher) in
// the session worktree and streams its output through the logs panel.
func (o *Orchestrator) startRunScript(ctx context.Context, sess store.Session, p panel.Panel) error {
	proj, ok := o.cfg.GetProject(sess.ProjectID)
	if !ok || proj.RunScript == "" {
		return fmt.Errorf("project for session %s has no run script configured", sess.ID)
	}
	if err := o.terminals.Start(terminal.StartOptions{
		PanelID:      p.ID,
		SessionID:    sess.ID,
		PanelType:    string(panel.TypeLogs),
		WorktreePath: sess.WorktreePath,
		Command:      []string{"sh", "-c", proj.RunScript},
	}); err != nil {
		return err
	}
	_, err := o.panels.UpdatePanelState(ctx, p.ID, func(s *panel.State) error {
		ls, ok := s.Custom.(*panel.LogsState)
		if !ok {
			ls = &panel.LogsState{}
			s.Custom = ls
		}
		ls.Command = proj.RunScript
		ls.Running = true
		return nil
	})
	return err
}

func (o *Orchestrator) spawnAgent(ctx context.Context, sess store.Session, p panel.Panel, prompt, model string) error {
	mgr, ok := o.agents[string(p.Type)]
	if !ok {
		return &UnknownAgentError{Agent: string(p.Type)}
	}
	if prompt != "" {
		if err := o.dbs.AppendConversationMessage(ctx, p.ID, "user", prompt); err != nil {
			return err
		}
	}
	return mgr.Spawn(ctx, agent.SpawnOptions{
		PanelID:      p.ID,
		SessionID:    sess.ID,
		PanelType:    string(p.Type),
		WorktreePath: sess.WorktreePath,
		Prompt:       prompt,
		Executable:   o.executableFor(string(p.Type)),
		Model:        model,
		ExtraArgs:    o.agentExtraArgs(sess, p.Type),
	})
}

// agentExtraArgs carries the project's system prompt into tools that accept
// one. Codex has no equivalent flag; its runs go without.
func (o *Orchestrator) agentExtraArgs(sess store.Session, t panel.Type) []string {
	proj, ok := o.cfg.GetProject(sess.ProjectID)
	if !ok || proj.SystemPrompt == "" {
		return nil
	}
	if t == panel.TypeClaude {
		return []string{"--append-system-prompt", proj.SystemPrompt}
	}
	return nil
}

// ContinueSession resumes the session's agent panel with a follow-up prompt.
// The agent's own session id is resumed when known; otherwise the stored
// conversation history is replayed.
func (o *Orchestrator) ContinueSession(ctx context.Context, sessionID, prompt string) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	p, err := o.agentPanel(sessionID)
	if err != nil {
		return err
	}
	return o.continueAgent(ctx, sess, p, prompt)
}

func (o *Orchestrator) continueAgent(ctx context.Context, sess store.Session, p panel.Panel, prompt string) error {
	mgr, ok := o.agents[string(p.Type)]
	if !ok {
		return &UnknownAgentError{Agent: string(p.Type)}
	}

	var agentSessionID, model string
	if st, ok := p.State.Custom.(*panel.AgentState); ok {
		agentSessionID = st.AgentSessionID
		model = st.Model
	}

	var history []agent.Message
	if agentSessionID == "" {
		msgs, err := o.dbs.ListConversationMessages(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			role := "assistant"
			if m.MessageType == "user" {
				role = "user"
			}
			history = append(history, agent.Message{Role: role, Content: m.Content})
		}
	}

	if prompt != "" {
		if err := o.dbs.AppendConversationMessage(ctx, p.ID, "user", prompt); err != nil {
			return err
		}
	}
	return mgr.Continue(ctx, agent.SpawnOptions{
		PanelID:        p.ID,
		SessionID:      sess.ID,
		PanelType:      string(p.Type),
		WorktreePath:   sess.WorktreePath,
		Prompt:         prompt,
		Executable:     o.executableFor(string(p.Type)),
		Model:          model,
		AgentSessionID: agentSessionID,
		History:        history,
		ExtraArgs:      o.agentExtraArgs(sess, p.Type),
	})
}

// SendInput routes user input to the process behind a panel. Input to a
// waiting agent moves its session back to running.
func (o *Orchestrator) SendInput(ctx context.Context, panelID, text string) error {
	p, err := o.panels.Get(panelID)
	if err != nil {
		return err
	}
	if p.Type == panel.TypeTerminal {
		return o.terminals.Write(panelID, []byte(text))
	}

	mgr, ok := o.agents[string(p.Type)]
	if !ok {
		return fmt.Errorf("panel type %s does not accept input", p.Type)
	}
	if err := mgr.SendInput(panelID, text); err != nil {
		return err
	}
	if err := o.dbs.AppendConversationMessage(ctx, panelID, "user", text); err != nil {
		logger.WithPanel(p.SessionID, panelID).Warn("conversation append failed", "error", err)
	}
	// waiting -> running; any other current status leaves it alone
	if _, err := o.sessions.Transition(ctx, p.SessionID, store.StatusRunning); err != nil {
		var ite *store.InvalidTransitionError
		if !errors.As(err, &ite) {
			return err
		}
	}
	return nil
}

// Interrupt sends SIGINT to the agent behind a panel.
func (o *Orchestrator) Interrupt(panelID string) error {
	p, err := o.panels.Get(panelID)
	if err != nil {
		return err
	}
	mgr, ok := o.agents[string(p.Type)]
	if !ok {
		return fmt.Errorf("panel type %s cannot be interrupted", p.Type)
	}
	return mgr.SendInterrupt(panelID)
}

// ResizeTerminal changes the pty size of a terminal panel.
func (o *Orchestrator) ResizeTerminal(ctx context.Context, panelID string, rows, cols uint16) error {
	if err := o.terminals.Resize(panelID, rows, cols); err != nil {
		return err
	}
	_, err := o.panels.UpdatePanelState(ctx, panelID, func(s *panel.State) error {
		if ts, ok := s.Custom.(*panel.TerminalState); ok {
			ts.Rows, ts.Cols = int(rows), int(cols)
		}
		return nil
	})
	return err
}

// StopPanel stops the process behind a panel. The resulting exit event is
// marked intentional.
func (o *Orchestrator) StopPanel(panelID string) error {
	p, err := o.panels.Get(panelID)
	if err != nil {
		return err
	}
	o.stopPanelProcess(p)
	return nil
}

func (o *Orchestrator) stopPanelProcess(p panel.Panel) {
	switch p.Type {
	case panel.TypeTerminal, panel.TypeLogs:
		o.terminals.Stop(p.ID)
		return
	}
	if mgr, ok := o.agents[string(p.Type)]; ok {
		mgr.Stop(p.ID)
	}
}

// StopSession stops every process attached to a session's panels.
func (o *Orchestrator) StopSession(sessionID string) {
	for _, p := range o.panels.ListForSession(sessionID) {
		o.stopPanelProcess(p)
	}
}

// RemovePanel stops the panel's process if any and removes the panel.
func (o *Orchestrator) RemovePanel(ctx context.Context, sessionID, panelID string) error {
	if err := o.panels.RemovePanel(ctx, sessionID, panelID); err != nil {
		return err
	}
	o.coord.Forget(panelID)
	return nil
}

// SetActivePanel marks the panel as its session's active panel.
func (o *Orchestrator) SetActivePanel(ctx context.Context, sessionID, panelID string) error {
	return o.panels.SetActivePanel(ctx, sessionID, panelID)
}

// ArchiveSession stops the session's processes, archives the record, removes
// its worktree, and drops its panels. Archival succeeds even when the
// worktree directory is already gone.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	o.StopSession(sessionID)

	if _, err := o.sessions.Archive(ctx, sessionID); err != nil {
		return err
	}

	repoPath := ""
	if proj, ok := o.cfg.GetProject(sess.ProjectID); ok {
		repoPath = proj.Path
	}
	if repoPath != "" {
		if err := o.worktrees.Remove(ctx, repoPath, sess.WorktreePath, sess.Branch); err != nil {
			// The session is already archived; worktree cleanup is best-effort.
			logger.WithSession(sessionID).Warn("worktree removal failed", "error", err)
		}
	}

	for _, p := range o.panels.ListForSession(sessionID) {
		o.coord.Forget(p.ID)
	}
	o.panels.RemoveSessionPanels(sessionID)
	return nil
}

// SessionDiff returns the uncommitted changes in a session's worktree, the
// content diff panels render.
func (o *Orchestrator) SessionDiff(ctx context.Context, sessionID string) (*git.WorktreeStatus, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return o.gits.Status(ctx, sess.WorktreePath)
}

// SessionDiffStats returns the aggregate change counts for a session's
// worktree.
func (o *Orchestrator) SessionDiffStats(ctx context.Context, sessionID string) (*git.DiffStats, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return o.gits.Stats(ctx, sess.WorktreePath)
}

// MarkSessionViewed clears the completed-unviewed flag.
func (o *Orchestrator) MarkSessionViewed(ctx context.Context, sessionID string) error {
	_, err := o.sessions.MarkViewed(ctx, sessionID)
	return err
}

// RenameSession changes a session's display name.
func (o *Orchestrator) RenameSession(ctx context.Context, sessionID, name string) error {
	_, err := o.sessions.Rename(ctx, sessionID, name)
	return err
}

// SetSessionFavorite toggles a session's favorite flag.
func (o *Orchestrator) SetSessionFavorite(ctx context.Context, sessionID string, favorite bool) error {
	_, err := o.sessions.SetFavorite(ctx, sessionID, favorite)
	return err
}

// agentPanel finds the session's agent panel. Sessions are created with
// exactly one; additional agent panels are addressed directly by panel id.
func (o *Orchestrator) agentPanel(sessionID string) (panel.Panel, error) {
	for _, p := range o.panels.ListForSession(sessionID) {
		if p.Type == panel.TypeClaude || p.Type == panel.TypeCodex {
			return p, nil
		}
	}
	return panel.Panel{}, fmt.Errorf("session %s has no agent panel", sessionID)
}

func (o *Orchestrator) executableFor(agentName string) string {
	switch agentName {
	case config.AgentClaude:
		return o.cfg.GetClaudeExecutable()
	case config.AgentCodex:
		return o.cfg.GetCodexExecutable()
	}
	return agentName
}

// continueForDiagnostic is the coordinator's spawn hook: a follow-up run on
// the panel that just exited, reusing its recorded agent session.
func (o *Orchestrator) continueForDiagnostic(ctx context.Context, panelID, sessionID, prompt string) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	p, err := o.panels.Get(panelID)
	if err != nil {
		return err
	}
	return o.continueAgent(ctx, sess, p, prompt)
}

// storeUsage is the coordinator's sink for parsed context usage.
func (o *Orchestrator) storeUsage(ctx context.Context, panelID string, usage panel.ContextUsage) {
	_, err := o.panels.UpdatePanelState(ctx, panelID, func(s *panel.State) error {
		st, ok := s.Custom.(*panel.AgentState)
		if !ok {
			st = &panel.AgentState{}
			s.Custom = st
		}
		u := usage
		st.Usage = &u
		return nil
	})
	if err != nil {
		logger.WithComponent("orchestrator").Warn("usage store failed", "panelId", panelID, "error", err)
	}
}
