// Package agent spawns and monitors the external coding-agent subprocesses
// bound to (session, panel) pairs. The shared Manager owns all process
// lifecycle and concurrency behavior; the per-tool adapters differ only in
// command-line construction and structured-output parsing.
package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Message is one entry of a panel's conversation history, replayed on
// continue.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// CommandConfig carries everything an adapter needs to build a command line.
type CommandConfig struct {
	Executable     string // agent binary; adapter default when empty
	WorktreePath   string
	Prompt         string
	PanelID        string
	SessionID      string
	AgentSessionID string    // the agent's own session id, for resume
	History        []Message // prior conversation, for continue
	Model          string
	ExtraArgs      []string
}

// Signal is the interpretation of one output line.
type Signal struct {
	Structured     bool   // line was a structured protocol message
	Waiting        bool   // the agent is waiting for user input
	Completed      bool   // the agent reported a finished turn
	AgentSessionID string // set when the protocol announces its session id
	Text           string // display text extracted from the message, if any
}

// Adapter is the per-tool half of the process manager: command lines and
// protocol parsing. Everything else lives in Manager.
type Adapter interface {
	// Name is the agent identifier ("claude", "codex").
	Name() string

	// SpawnCommand builds the command line for a fresh agent run.
	SpawnCommand(cfg CommandConfig) (name string, args []string)

	// ContinueCommand builds the command line resuming a previous run.
	ContinueCommand(cfg CommandConfig) (name string, args []string)

	// FormatInput encodes user text for the agent's stdin protocol.
	FormatInput(text string) []byte

	// ParseLine interprets one stdout line.
	ParseLine(line string) Signal
}

var (
	adaptersMu sync.RWMutex
	adapters   = make(map[string]Adapter)
)

// RegisterAdapter makes an adapter available by name. Called from init.
func RegisterAdapter(a Adapter) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	adapters[a.Name()] = a
}

// AdapterFor returns the adapter registered under the given agent name.
func AdapterFor(name string) (Adapter, error) {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	a, ok := adapters[name]
	if !ok {
		return nil, fmt.Errorf("no agent adapter registered for %q", name)
	}
	return a, nil
}

// AdapterNames returns the registered agent names, sorted.
func AdapterNames() []string {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
