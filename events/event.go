// Package events defines the lifecycle events exchanged between the process
// managers, the session store, and the notification layer, plus the typed
// bus they travel on and the validation gate they must pass.
package events

import "time"

// Kind identifies a lifecycle event type.
type Kind string

const (
	// KindSpawned fires once when an agent subprocess has started.
	KindSpawned Kind = "spawned"
	// KindOutput carries one chunk of subprocess output.
	KindOutput Kind = "output"
	// KindExit fires when an agent subprocess terminates.
	KindExit Kind = "exit"
	// KindError reports a spawn or stream failure for a panel.
	KindError Kind = "error"
)

// Stream tags an output event with its origin.
type Stream string

const (
	StreamStdout     Stream = "stdout"
	StreamStderr     Stream = "stderr"
	StreamStructured Stream = "structured"
)

// Source identifies where an event originated. Every event carries both the
// panel and the session so consumers can check it against current state
// before acting on it.
type Source struct {
	PanelID   string `json:"panelId"`
	PanelType string `json:"panelType"`
	SessionID string `json:"sessionId"`
}

// Hint is an interpretation of structured agent output, attached to output
// events when the protocol parser recognizes a session-visible signal.
type Hint string

const (
	// HintWaiting marks output showing the agent is waiting for user input.
	HintWaiting Hint = "waiting"
	// HintCompleted marks output reporting a finished agent turn.
	HintCompleted Hint = "completed"
)

// PanelEvent is the unit of cross-component communication.
type PanelEvent struct {
	Kind      Kind      `json:"kind"`
	Source    Source    `json:"source"`
	Stream    Stream    `json:"stream,omitempty"` // set for output events
	Data      string    `json:"data,omitempty"`   // output chunk or error text
	Hint      Hint      `json:"hint,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	// Intentional marks an exit caused by an explicit stop request rather
	// than the process finishing or crashing on its own.
	Intentional bool `json:"intentional,omitempty"`
	// AgentSessionID is set on the output event where the agent protocol
	// announces its own session identifier.
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewOutput builds an output event for the given stream.
func NewOutput(src Source, stream Stream, data string) PanelEvent {
	return PanelEvent{
		Kind:      KindOutput,
		Source:    src,
		Stream:    stream,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewSpawned builds a spawned event.
func NewSpawned(src Source) PanelEvent {
	return PanelEvent{Kind: KindSpawned, Source: src, Timestamp: time.Now()}
}

// NewExit builds an exit event carrying the exit code, the terminating
// signal if any, and whether the exit was an explicit stop.
func NewExit(src Source, exitCode int, signal string, intentional bool) PanelEvent {
	return PanelEvent{
		Kind:        KindExit,
		Source:      src,
		ExitCode:    &exitCode,
		Signal:      signal,
		Intentional: intentional,
		Timestamp:   time.Now(),
	}
}

// NewError builds an error event.
func NewError(src Source, msg string) PanelEvent {
	return PanelEvent{Kind: KindError, Source: src, Data: msg, Timestamp: time.Now()}
}
