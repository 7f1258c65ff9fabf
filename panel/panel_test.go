package panel

import (
	"testing"
	"time"
)

func TestStateRoundTripKeepsVariant(t *testing.T) {
	captured := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	in := State{
		IsPinned:      true,
		HasBeenViewed: true,
		Custom: &AgentState{
			AgentSessionID: "abc-123",
			Model:          "sonnet",
			Usage:          &ContextUsage{Tokens: 42000, Limit: 200000, CapturedAt: captured},
		},
	}

	encoded, err := EncodeState(in)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	out, err := DecodeState(TypeClaude, encoded)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}

	agent, ok := out.Custom.(*AgentState)
	if !ok {
		t.Fatalf("Custom = %T, want *AgentState", out.Custom)
	}
	if !out.IsPinned || !out.HasBeenViewed {
		t.Error("common flags lost in round trip")
	}
	if agent.Usage == nil || agent.Usage.Tokens != 42000 {
		t.Errorf("usage lost in round trip: %+v", agent.Usage)
	}
}

func TestDecodeEmptyStateYieldsZeroVariant(t *testing.T) {
	out, err := DecodeState(TypeLogs, "")
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if _, ok := out.Custom.(*LogsState); !ok {
		t.Errorf("Custom = %T, want *LogsState", out.Custom)
	}
}

func TestProcessRunning(t *testing.T) {
	busy := State{Custom: &LogsState{Running: true}}
	if !busy.ProcessRunning() {
		t.Error("running logs panel should report busy")
	}
	idle := State{Custom: &AgentState{}}
	if idle.ProcessRunning() {
		t.Error("agent panel never reports a background process")
	}
	if (State{}).ProcessRunning() {
		t.Error("nil custom state is never busy")
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := State{Custom: &AgentState{Usage: &ContextUsage{Tokens: 10}}}
	copied := orig.clone()
	copied.Custom.(*AgentState).Usage.Tokens = 99
	if orig.Custom.(*AgentState).Usage.Tokens != 10 {
		t.Error("clone should not share usage with the original")
	}
}

func TestCapabilityTableCoversEveryType(t *testing.T) {
	for _, typ := range []Type{TypeTerminal, TypeClaude, TypeCodex, TypeDiff, TypeEditor, TypeLogs, TypeDashboard} {
		caps, ok := CapabilitiesFor(typ)
		if !ok {
			t.Errorf("no capability row for %s", typ)
			continue
		}
		if caps.RequiresProcess && !caps.CanEmit {
			t.Errorf("%s requires a process but cannot emit its output", typ)
		}
		if defaultCustomState(typ) == nil {
			t.Errorf("no default custom state for %s", typ)
		}
	}
}
