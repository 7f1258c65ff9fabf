package agent

import (
	"encoding/json"
	"strings"
)

// ClaudeAdapter drives the Claude CLI in stream-json mode: one long-lived
// process per panel, prompts written to stdin, responses read as JSONL.
type ClaudeAdapter struct{}

func init() {
	RegisterAdapter(&ClaudeAdapter{})
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) baseArgs() []string {
	return []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
}

func (a *ClaudeAdapter) executable(cfg CommandConfig) string {
	if cfg.Executable != "" {
		return cfg.Executable
	}
	return "claude"
}

func (a *ClaudeAdapter) SpawnCommand(cfg CommandConfig) (string, []string) {
	args := a.baseArgs()
	if cfg.AgentSessionID != "" {
		args = append(args, "--session-id", cfg.AgentSessionID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.ExtraArgs...)
	return a.executable(cfg), args
}

func (a *ClaudeAdapter) ContinueCommand(cfg CommandConfig) (string, []string) {
	args := a.baseArgs()
	if cfg.AgentSessionID != "" {
		args = append(args, "--resume", cfg.AgentSessionID)
	} else {
		// No prior agent session to resume; the conversation history is
		// replayed through the prompt instead.
		args = append(args, "--continue")
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.ExtraArgs...)
	return a.executable(cfg), args
}

// claudeInputMessage is the stream-json stdin frame for user text.
type claudeInputMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (a *ClaudeAdapter) FormatInput(text string) []byte {
	var msg claudeInputMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return append(raw, '\n')
}

// claudeStreamMessage is the subset of Claude's stream-json output the
// orchestration layer cares about.
type claudeStreamMessage struct {
	Type      string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype   string `json:"subtype"` // "init", "success", ...
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Error     string `json:"error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"` // "text", "tool_use"
			Text string `json:"text"`
			Name string `json:"name"` // tool name for tool_use
		} `json:"content"`
	} `json:"message"`
}

// Tools whose use means Claude is blocked on the user.
var claudeWaitingTools = map[string]bool{
	"AskUserQuestion": true,
	"ExitPlanMode":    true,
}

func (a *ClaudeAdapter) ParseLine(line string) Signal {
	line = strings.TrimSpace(line)
	// The CLI with --verbose emits occasional non-JSON informational lines.
	if !strings.HasPrefix(line, "{") {
		return Signal{Text: line}
	}

	var msg claudeStreamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
		return Signal{Text: line}
	}

	sig := Signal{Structured: true}
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			sig.AgentSessionID = msg.SessionID
		}
	case "assistant":
		var texts []string
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				texts = append(texts, block.Text)
			case "tool_use":
				if claudeWaitingTools[block.Name] {
					sig.Waiting = true
				}
			}
		}
		sig.Text = strings.Join(texts, "")
	case "result":
		sig.Completed = true
		if msg.Error != "" {
			sig.Text = msg.Error
		} else {
			sig.Text = msg.Result
		}
	}
	return sig
}

var _ Adapter = (*ClaudeAdapter)(nil)
