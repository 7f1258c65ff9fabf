package orchestrator

import (
	"context"
	"errors"

	"github.com/stravu/crystal-core/events"
	"github.com/stravu/crystal-core/logger"
	"github.com/stravu/crystal-core/panel"
	"github.com/stravu/crystal-core/store"
)

// pump is the single consumer of the event bus. Every event passes the
// validation gate before it may mutate state or reach clients; a stale event
// from a since-archived session is logged and dropped, never applied.
func (o *Orchestrator) pump() {
	defer o.pumpWG.Done()
	log := logger.WithComponent("orchestrator")
	ctx := context.Background()

	for ev := range o.pumpSub.Events() {
		res := o.validator.Validate(ev)
		if !res.Valid {
			log.Warn("event dropped",
				"kind", string(ev.Kind),
				"sessionId", ev.Source.SessionID,
				"panelId", ev.Source.PanelID,
				"reason", res.Reason)
			continue
		}
		// The capability table gates forwarding: an event from a panel whose
		// type does not declare emission never mutates state or reaches
		// clients.
		if ev.Source.PanelID != "" && !o.panels.ShouldForward(ev.Source.PanelID) {
			log.Warn("event dropped",
				"kind", string(ev.Kind),
				"sessionId", ev.Source.SessionID,
				"panelId", ev.Source.PanelID,
				"reason", "panel type does not emit events")
			continue
		}
		o.apply(ctx, ev)
		o.hub.PublishEvent(ev)
	}
}

// apply maps one validated event onto session status, panel state, and the
// durable output log.
func (o *Orchestrator) apply(ctx context.Context, ev events.PanelEvent) {
	switch ev.Kind {
	case events.KindSpawned:
		o.applySpawned(ctx, ev)
	case events.KindOutput:
		o.applyOutput(ctx, ev)
	case events.KindExit:
		o.applyExit(ctx, ev)
	case events.KindError:
		o.applyError(ctx, ev)
	}
}

func (o *Orchestrator) applySpawned(ctx context.Context, ev events.PanelEvent) {
	if isAgentPanel(ev.Source.PanelType) {
		o.transition(ctx, ev.Source.SessionID, store.StatusRunning)
	}
}

func (o *Orchestrator) applyOutput(ctx context.Context, ev events.PanelEvent) {
	log := logger.WithPanel(ev.Source.SessionID, ev.Source.PanelID)

	if err := o.dbs.AppendOutput(ctx, ev.Source.PanelID, string(ev.Stream), ev.Data); err != nil {
		log.Warn("output persist failed", "error", err)
	}
	if ev.Stream == events.StreamStructured && ev.Data != "" {
		if err := o.dbs.AppendConversationMessage(ctx, ev.Source.PanelID, "assistant", ev.Data); err != nil {
			log.Warn("conversation persist failed", "error", err)
		}
	}

	if ev.AgentSessionID != "" {
		o.recordAgentSession(ctx, ev.Source.PanelID, ev.AgentSessionID)
	}
	if ev.Hint == events.HintWaiting {
		o.transition(ctx, ev.Source.SessionID, store.StatusWaiting)
	}

	if isAgentPanel(ev.Source.PanelType) {
		o.coord.HandleOutput(ev)
	}
}

func (o *Orchestrator) applyExit(ctx context.Context, ev events.PanelEvent) {
	exitCode := 0
	if ev.ExitCode != nil {
		exitCode = *ev.ExitCode
	}

	// Shells and run scripts exiting do not end the session; only their
	// panel's running flag changes.
	switch ev.Source.PanelType {
	case string(panel.TypeTerminal), string(panel.TypeLogs):
		if _, err := o.panels.UpdatePanelState(ctx, ev.Source.PanelID, func(s *panel.State) error {
			switch st := s.Custom.(type) {
			case *panel.TerminalState:
				st.Running = false
			case *panel.LogsState:
				st.Running = false
			}
			return nil
		}); err != nil {
			logger.WithPanel(ev.Source.SessionID, ev.Source.PanelID).Warn("panel state update failed", "error", err)
		}
		return
	}

	if _, err := o.sessions.HandleExit(ctx, ev.Source.SessionID, exitCode, ev.Intentional); err != nil {
		var ite *store.InvalidTransitionError
		if !errors.As(err, &ite) {
			logger.WithSession(ev.Source.SessionID).Warn("exit transition failed", "error", err)
		}
	}

	if err := o.dbs.PruneOutputs(ctx, ev.Source.PanelID, maxStoredOutputs); err != nil {
		logger.WithPanel(ev.Source.SessionID, ev.Source.PanelID).Warn("output prune failed", "error", err)
	}

	if isAgentPanel(ev.Source.PanelType) {
		if exitCode == 0 && !ev.Intentional {
			o.autoCommit(ctx, ev.Source.SessionID)
		}
		o.coord.HandleExit(ctx, ev)
	}
}

// autoCommit commits the worktree after a clean agent exit when the project
// opted in. Best-effort: a clean worktree or failed commit never affects the
// session's status.
func (o *Orchestrator) autoCommit(ctx context.Context, sessionID string) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return
	}
	proj, ok := o.cfg.GetProject(sess.ProjectID)
	if !ok || !proj.CommitModeAuto {
		return
	}
	log := logger.WithSession(sessionID)

	msg, err := o.gits.BuildCommitMessage(ctx, sess.WorktreePath, sess.Name)
	if err != nil {
		log.Debug("auto-commit skipped", "reason", err)
		return
	}
	if err := o.gits.CommitAll(ctx, sess.WorktreePath, msg); err != nil {
		log.Warn("auto-commit failed", "error", err)
	}
}

func (o *Orchestrator) applyError(ctx context.Context, ev events.PanelEvent) {
	if isAgentPanel(ev.Source.PanelType) {
		if _, err := o.sessions.HandleError(ctx, ev.Source.SessionID, ev.Data); err != nil {
			logger.WithSession(ev.Source.SessionID).Warn("error transition failed", "error", err)
		}
		o.coord.HandleError(ev)
	}
}

// transition applies a status change, swallowing transitions the state
// machine rejects. Duplicate or out-of-order lifecycle events are expected.
func (o *Orchestrator) transition(ctx context.Context, sessionID string, to store.Status) {
	if _, err := o.sessions.Transition(ctx, sessionID, to); err != nil {
		var ite *store.InvalidTransitionError
		if !errors.As(err, &ite) {
			logger.WithSession(sessionID).Warn("status transition failed", "to", string(to), "error", err)
		}
	}
}

// recordAgentSession stores the agent's self-announced session id on its
// panel so later continues can resume it.
func (o *Orchestrator) recordAgentSession(ctx context.Context, panelID, agentSessionID string) {
	_, err := o.panels.UpdatePanelState(ctx, panelID, func(s *panel.State) error {
		st, ok := s.Custom.(*panel.AgentState)
		if !ok {
			st = &panel.AgentState{}
			s.Custom = st
		}
		st.AgentSessionID = agentSessionID
		return nil
	})
	if err != nil {
		logger.WithComponent("orchestrator").Warn("agent session record failed", "panelId", panelID, "error", err)
	}
}

func isAgentPanel(panelType string) bool {
	return panelType == string(panel.TypeClaude) || panelType == string(panel.TypeCodex)
}
