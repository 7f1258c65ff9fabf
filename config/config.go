package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stravu/crystal-core/paths"
)

// Agent tool names accepted in project and global defaults.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
)

// Project describes a git repository that sessions can be created against.
type Project struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	BaseBranch  string `yaml:"base_branch,omitempty"`  // start point for new worktrees (default: repo's current branch)
	BuildScript string `yaml:"build_script,omitempty"` // run in the worktree after creation
	RunScript   string `yaml:"run_script,omitempty"`   // long-running dev server command

	DefaultAgent   string `yaml:"default_agent,omitempty"`   // "claude" or "codex"
	BranchPrefix   string `yaml:"branch_prefix,omitempty"`   // prefix for auto-generated branch names
	SystemPrompt   string `yaml:"system_prompt,omitempty"`   // appended to every agent invocation
	CommitModeAuto bool   `yaml:"commit_mode_auto,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	Projects        []Project `yaml:"projects"`
	ActiveProjectID string    `yaml:"active_project_id,omitempty"`

	DefaultAgent       string `yaml:"default_agent,omitempty"`        // fallback when a project has none
	ClaudeExecutable   string `yaml:"claude_executable,omitempty"`    // default "claude"
	CodexExecutable    string `yaml:"codex_executable,omitempty"`     // default "codex"
	AutoContextEnabled *bool  `yaml:"auto_context_enabled,omitempty"` // nil means enabled

	// Presentation clients share this config file; the daemon never reads
	// these fields but must round-trip them on Save.
	NotificationsEnabled bool   `yaml:"notifications_enabled,omitempty"`
	Theme                string `yaml:"theme,omitempty"`
	LastSeenVersion      string `yaml:"last_seen_version,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from a specific path (for testing).
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Projects: []Project{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure slices are initialized (not nil) after unmarshaling.
	// This must happen before Validate() since Validate() only reads.
	if cfg.Projects == nil {
		cfg.Projects = []Project{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the config is internally consistent.
// This is a read-only operation.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seenIDs := make(map[string]bool)
	for i, p := range c.Projects {
		if p.ID == "" {
			return fmt.Errorf("project with empty ID found")
		}
		if seenIDs[p.ID] {
			return fmt.Errorf("duplicate project ID: %s", p.ID)
		}
		seenIDs[p.ID] = true

		if p.Path == "" {
			return fmt.Errorf("project %s has empty path", p.ID)
		}
		for j := i + 1; j < len(c.Projects); j++ {
			if SamePath(p.Path, c.Projects[j].Path) {
				return fmt.Errorf("duplicate project path: %s", p.Path)
			}
		}
		switch p.DefaultAgent {
		case "", AgentClaude, AgentCodex:
		default:
			return fmt.Errorf("project %s has unknown default agent %q", p.ID, p.DefaultAgent)
		}
	}

	if c.ActiveProjectID != "" && !seenIDs[c.ActiveProjectID] {
		return fmt.Errorf("active project %s not found", c.ActiveProjectID)
	}

	return nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// AddProject registers a repository path as a project and returns it.
// The path is resolved to an absolute path before storing. Returns an
// error if a project with the same path already exists.
func (c *Config) AddProject(name, path string) (Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	for _, p := range c.Projects {
		if SamePath(p.Path, absPath) {
			return Project{}, fmt.Errorf("project already exists for %s", absPath)
		}
	}

	if name == "" {
		name = filepath.Base(absPath)
	}
	proj := Project{
		ID:   uuid.New().String(),
		Name: name,
		Path: absPath,
	}
	c.Projects = append(c.Projects, proj)

	// First project becomes active automatically
	if c.ActiveProjectID == "" {
		c.ActiveProjectID = proj.ID
	}
	return proj, nil
}

// RemoveProject removes a project by ID.
// Returns true if the project was found and removed, false otherwise.
func (c *Config) RemoveProject(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.Projects {
		if p.ID == id {
			c.Projects = append(c.Projects[:i], c.Projects[i+1:]...)
			if c.ActiveProjectID == id {
				c.ActiveProjectID = ""
			}
			return true
		}
	}
	return false
}

// GetProjects returns a copy of the projects slice.
func (c *Config) GetProjects() []Project {
	c.mu.RLock()
	defer c.mu.RUnlock()

	projects := make([]Project, len(c.Projects))
	copy(projects, c.Projects)
	return projects
}

// GetProject returns the project with the given ID.
func (c *Config) GetProject(id string) (Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return Project{}, false
}

// UpdateProject replaces the stored project with the same ID.
// Returns false if no project with that ID exists.
func (c *Config) UpdateProject(proj Project) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.Projects {
		if p.ID == proj.ID {
			c.Projects[i] = proj
			return true
		}
	}
	return false
}

// ActiveProject returns the currently active project.
// The second return is false when no project is active.
func (c *Config) ActiveProject() (Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ActiveProjectID == "" {
		return Project{}, false
	}
	for _, p := range c.Projects {
		if p.ID == c.ActiveProjectID {
			return p, true
		}
	}
	return Project{}, false
}

// SetActiveProject marks a project as active.
// Returns an error if the project does not exist.
func (c *Config) SetActiveProject(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.Projects {
		if p.ID == id {
			c.ActiveProjectID = id
			return nil
		}
	}
	return fmt.Errorf("project %s not found", id)
}

// AgentForProject resolves the agent tool for a project: the project's
// default, then the global default, then claude.
func (c *Config) AgentForProject(proj Project) string {
	if proj.DefaultAgent != "" {
		return proj.DefaultAgent
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DefaultAgent != "" {
		return c.DefaultAgent
	}
	return AgentClaude
}

// GetClaudeExecutable returns the claude binary path, defaulting to "claude".
func (c *Config) GetClaudeExecutable() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ClaudeExecutable == "" {
		return "claude"
	}
	return c.ClaudeExecutable
}

// GetCodexExecutable returns the codex binary path, defaulting to "codex".
func (c *Config) GetCodexExecutable() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.CodexExecutable == "" {
		return "codex"
	}
	return c.CodexExecutable
}

// GetAutoContextEnabled returns whether automatic context compaction
// monitoring is enabled. Defaults to true when unset.
func (c *Config) GetAutoContextEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AutoContextEnabled == nil {
		return true
	}
	return *c.AutoContextEnabled
}

// SetAutoContextEnabled sets whether automatic context monitoring is enabled.
func (c *Config) SetAutoContextEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AutoContextEnabled = &enabled
}
