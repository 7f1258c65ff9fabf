// Package panel manages the tool panels attached to each session: creation
// under per-type capability rules, the single-active-panel invariant, and
// panel state updates serialized by a per-panel keyed mutex.
package panel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a kind of tool panel.
type Type string

const (
	TypeTerminal  Type = "terminal"
	TypeClaude    Type = "claude"
	TypeCodex     Type = "codex"
	TypeDiff      Type = "diff"
	TypeEditor    Type = "editor"
	TypeLogs      Type = "logs"
	TypeDashboard Type = "dashboard"
)

// Context is the scope a panel type may be created in.
type Context string

const (
	ContextWorktree Context = "worktree"
	ContextProject  Context = "project"
)

// Capabilities declares what a panel type may do. The table is consulted on
// the creation path (reject disallowed creations) and on the event-forwarding
// path (don't forward an event kind a panel doesn't declare).
type Capabilities struct {
	CanEmit            bool
	CanConsume         bool
	RequiresProcess    bool
	Singleton          bool
	Permanent          bool
	ContextRestriction Context // empty means any context
}

var capabilityTable = map[Type]Capabilities{
	TypeTerminal: {CanEmit: true, CanConsume: true, RequiresProcess: true, ContextRestriction: ContextWorktree},
	TypeClaude:   {CanEmit: true, CanConsume: true, RequiresProcess: true, ContextRestriction: ContextWorktree},
	TypeCodex:    {CanEmit: true, CanConsume: true, RequiresProcess: true, ContextRestriction: ContextWorktree},
	TypeDiff:     {CanConsume: true, Singleton: true, ContextRestriction: ContextWorktree},
	TypeEditor:   {CanConsume: true, ContextRestriction: ContextWorktree},
	TypeLogs:     {CanEmit: true, CanConsume: true, RequiresProcess: true, Singleton: true, ContextRestriction: ContextWorktree},
	TypeDashboard: {
		CanConsume:         true,
		Singleton:          true,
		Permanent:          true,
		ContextRestriction: ContextProject,
	},
}

// CapabilitiesFor returns the capability row for a panel type.
func CapabilitiesFor(t Type) (Capabilities, bool) {
	caps, ok := capabilityTable[t]
	return caps, ok
}

// AgentTypeFor maps an agent name ("claude", "codex") to its panel type.
func AgentTypeFor(agent string) (Type, bool) {
	switch agent {
	case "claude":
		return TypeClaude, true
	case "codex":
		return TypeCodex, true
	}
	return "", false
}

// CustomState is the type-specific portion of a panel's state. Each panel
// type has its own variant; a concrete panel manager only ever sees its own
// shape.
type CustomState interface {
	clone() CustomState
	processRunning() bool
}

// TerminalState is the custom state of a terminal panel.
type TerminalState struct {
	ShellPID int  `json:"shellPid,omitempty"`
	Cols     int  `json:"cols,omitempty"`
	Rows     int  `json:"rows,omitempty"`
	Running  bool `json:"running,omitempty"`
}

func (s *TerminalState) clone() CustomState { c := *s; return &c }
func (s *TerminalState) processRunning() bool {
	return s.Running
}

// ContextUsage is the parsed result of a context diagnostic run.
type ContextUsage struct {
	Tokens     int       `json:"tokens"`
	Limit      int       `json:"limit"`
	CapturedAt time.Time `json:"capturedAt"`
}

// AgentState is the custom state shared by claude and codex panels.
type AgentState struct {
	AgentSessionID string        `json:"agentSessionId,omitempty"`
	Model          string        `json:"model,omitempty"`
	Usage          *ContextUsage `json:"usage,omitempty"`
}

func (s *AgentState) clone() CustomState {
	c := *s
	if s.Usage != nil {
		u := *s.Usage
		c.Usage = &u
	}
	return &c
}
func (s *AgentState) processRunning() bool { return false }

// DiffState is the custom state of a diff panel.
type DiffState struct {
	CompareAgainst string `json:"compareAgainst,omitempty"`
}

func (s *DiffState) clone() CustomState   { c := *s; return &c }
func (s *DiffState) processRunning() bool { return false }

// EditorState is the custom state of a file editor panel.
type EditorState struct {
	FilePath string `json:"filePath,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

func (s *EditorState) clone() CustomState   { c := *s; return &c }
func (s *EditorState) processRunning() bool { return false }

// LogsState is the custom state of a run-script log panel. Running reports
// whether the script subprocess is still alive, which blocks panel removal.
type LogsState struct {
	Command string `json:"command,omitempty"`
	Running bool   `json:"running,omitempty"`
}

func (s *LogsState) clone() CustomState { c := *s; return &c }
func (s *LogsState) processRunning() bool {
	return s.Running
}

// DashboardState is the custom state of a project dashboard panel.
type DashboardState struct{}

func (s *DashboardState) clone() CustomState   { c := *s; return &c }
func (s *DashboardState) processRunning() bool { return false }

// State is a panel's full mutable state: common flags plus the per-type
// custom variant. IsActive is tracked per session and persisted separately.
type State struct {
	IsActive      bool
	IsPinned      bool
	HasBeenViewed bool
	Custom        CustomState
}

// ProcessRunning reports whether the custom state declares an in-progress
// background process. Such panels cannot be removed until stopped.
func (s State) ProcessRunning() bool {
	if s.Custom == nil {
		return false
	}
	return s.Custom.processRunning()
}

func (s State) clone() State {
	c := s
	if s.Custom != nil {
		c.Custom = s.Custom.clone()
	}
	return c
}

// Panel is one tool panel, exclusively owned by its session.
type Panel struct {
	ID        string
	SessionID string
	Type      Type
	Title     string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// defaultCustomState returns the zero custom state for a panel type.
func defaultCustomState(t Type) CustomState {
	switch t {
	case TypeTerminal:
		return &TerminalState{}
	case TypeClaude, TypeCodex:
		return &AgentState{}
	case TypeDiff:
		return &DiffState{}
	case TypeEditor:
		return &EditorState{}
	case TypeLogs:
		return &LogsState{}
	case TypeDashboard:
		return &DashboardState{}
	}
	return nil
}

// stateEnvelope is the persisted JSON shape of a panel's state. One variant
// pointer per panel type keeps the union tagged without a discriminator
// field: the panel's own type selects which variant is populated.
type stateEnvelope struct {
	IsPinned      bool            `json:"isPinned,omitempty"`
	HasBeenViewed bool            `json:"hasBeenViewed,omitempty"`
	Terminal      *TerminalState  `json:"terminal,omitempty"`
	Agent         *AgentState     `json:"agent,omitempty"`
	Diff          *DiffState      `json:"diff,omitempty"`
	Editor        *EditorState    `json:"editor,omitempty"`
	Logs          *LogsState      `json:"logs,omitempty"`
	Dashboard     *DashboardState `json:"dashboard,omitempty"`
}

// EncodeState serializes a panel state for persistence.
func EncodeState(s State) (string, error) {
	env := stateEnvelope{
		IsPinned:      s.IsPinned,
		HasBeenViewed: s.HasBeenViewed,
	}
	switch custom := s.Custom.(type) {
	case nil:
	case *TerminalState:
		env.Terminal = custom
	case *AgentState:
		env.Agent = custom
	case *DiffState:
		env.Diff = custom
	case *EditorState:
		env.Editor = custom
	case *LogsState:
		env.Logs = custom
	case *DashboardState:
		env.Dashboard = custom
	default:
		return "", fmt.Errorf("unknown custom state %T", s.Custom)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode panel state: %w", err)
	}
	return string(raw), nil
}

// DecodeState deserializes a persisted panel state. The panel type picks the
// custom variant; a missing or empty blob yields the type's zero state.
func DecodeState(t Type, raw string) (State, error) {
	s := State{Custom: defaultCustomState(t)}
	if raw == "" {
		return s, nil
	}
	var env stateEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return State{}, fmt.Errorf("decode panel state: %w", err)
	}
	s.IsPinned = env.IsPinned
	s.HasBeenViewed = env.HasBeenViewed
	switch t {
	case TypeTerminal:
		if env.Terminal != nil {
			s.Custom = env.Terminal
		}
	case TypeClaude, TypeCodex:
		if env.Agent != nil {
			s.Custom = env.Agent
		}
	case TypeDiff:
		if env.Diff != nil {
			s.Custom = env.Diff
		}
	case TypeEditor:
		if env.Editor != nil {
			s.Custom = env.Editor
		}
	case TypeLogs:
		if env.Logs != nil {
			s.Custom = env.Logs
		}
	case TypeDashboard:
		if env.Dashboard != nil {
			s.Custom = env.Dashboard
		}
	}
	return s, nil
}
