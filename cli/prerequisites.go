// Package cli validates the external command-line tools the daemon drives:
// git for worktrees and at least one agent binary to run sessions with.
package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

// Prerequisite is one external CLI tool the daemon may invoke.
type Prerequisite struct {
	Name        string // command name or configured executable path
	Required    bool   // the daemon cannot run without it
	Agent       bool   // an agent tool; at least one must be present
	Description string
	InstallURL  string
}

// DefaultPrerequisites returns the tools crystald depends on. The agent
// executables come from configuration so custom paths are checked as-is.
func DefaultPrerequisites(claudeExe, codexExe string) []Prerequisite {
	return []Prerequisite{
		{
			Name:        "git",
			Required:    true,
			Description: "Git version control",
			InstallURL:  "https://git-scm.com/downloads",
		},
		{
			Name:        claudeExe,
			Agent:       true,
			Description: "Claude Code CLI",
			InstallURL:  "https://claude.ai/code",
		},
		{
			Name:        codexExe,
			Agent:       true,
			Description: "Codex CLI",
			InstallURL:  "https://github.com/openai/codex",
		},
	}
}

// CheckResult is the outcome of probing one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string
	Version      string
	Error        error
}

// Check probes a single tool in PATH.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}
	result.Found = true
	result.Path = path
	result.Version = getVersion(prereq.Name)
	return result
}

// CheckAll probes every prerequisite.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired verifies every required tool and at least one agent tool
// are present, returning an error that lists what is missing.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string
	agentSeen := false
	agentFound := false

	for _, prereq := range prereqs {
		if prereq.Agent {
			agentSeen = true
			if Check(prereq).Found {
				agentFound = true
			}
			continue
		}
		if !prereq.Required {
			continue
		}
		if result := Check(prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if agentSeen && !agentFound {
		var agents []string
		for _, prereq := range prereqs {
			if prereq.Agent {
				agents = append(agents, prereq.Name)
			}
		}
		missing = append(missing, fmt.Sprintf("  - an agent CLI (any of: %s)", strings.Join(agents, ", ")))
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// getVersion attempts the common version flags and returns the first line.
func getVersion(name string) string {
	for _, flag := range []string{"--version", "-v", "version"} {
		cmd := exec.Command(name, flag)
		output, err := cmd.Output()
		if err != nil {
			continue
		}
		version := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
		if len(version) > 100 {
			version = version[:100] + "..."
		}
		return version
	}
	return ""
}

// FormatCheckResults renders check results for terminal display.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		switch {
		case r.Found && r.Version != "":
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		case !r.Found && r.Prerequisite.Required:
			sb.WriteString(" [REQUIRED]")
		case !r.Found && r.Prerequisite.Agent:
			sb.WriteString(" [agent]")
		case !r.Found:
			sb.WriteString(" [optional]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
