package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CodexAdapter drives the Codex CLI in exec mode with JSONL protocol output.
// Codex takes its prompt as an argument and does not read further stdin; a
// continue resumes the recorded agent session with a new prompt.
type CodexAdapter struct{}

func init() {
	RegisterAdapter(&CodexAdapter{})
}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) executable(cfg CommandConfig) string {
	if cfg.Executable != "" {
		return cfg.Executable
	}
	return "codex"
}

func (a *CodexAdapter) SpawnCommand(cfg CommandConfig) (string, []string) {
	args := []string{"exec", "--json", "--cd", cfg.WorktreePath}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, cfg.Prompt)
	return a.executable(cfg), args
}

func (a *CodexAdapter) ContinueCommand(cfg CommandConfig) (string, []string) {
	args := []string{"exec", "--json", "--cd", cfg.WorktreePath}
	if cfg.AgentSessionID != "" {
		args = append(args, "resume", cfg.AgentSessionID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, promptWithHistory(cfg))
	return a.executable(cfg), args
}

// promptWithHistory prepends replayed conversation history when there is no
// agent session to resume, so a continue after a crash keeps its context.
func promptWithHistory(cfg CommandConfig) string {
	if cfg.AgentSessionID != "" || len(cfg.History) == 0 {
		return cfg.Prompt
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range cfg.History {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\n")
	b.WriteString(cfg.Prompt)
	return b.String()
}

// FormatInput returns nil: Codex takes its prompt as an argument and never
// reads stdin, so there is nothing to write to it.
func (a *CodexAdapter) FormatInput(text string) []byte {
	return nil
}

// codexEvent is one line of Codex's JSONL protocol.
type codexEvent struct {
	Type      string `json:"type"` // session_started, agent_message, token_count, task_complete, error
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (a *CodexAdapter) ParseLine(line string) Signal {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Signal{Text: line}
	}

	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return Signal{Text: line}
	}

	sig := Signal{Structured: true}
	switch ev.Type {
	case "session_started":
		sig.AgentSessionID = ev.SessionID
	case "agent_message":
		sig.Text = ev.Message
	case "task_complete":
		sig.Completed = true
	case "error":
		sig.Text = ev.Message
	}
	return sig
}

var _ Adapter = (*CodexAdapter)(nil)
