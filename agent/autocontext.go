package agent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stravu/crystal-core/events"
	"github.com/stravu/crystal-core/logger"
	"github.com/stravu/crystal-core/panel"
)

// DiagnosticPrompt is the follow-up prompt the coordinator sends after a
// clean agent exit to capture context usage.
const DiagnosticPrompt = "/context"

// outputBufferCap bounds the per-panel output buffer the coordinator keeps
// for usage extraction.
const outputBufferCap = 256

// PanelLocker provides the per-panel mutex shared with the panel registry.
// Every read-modify-write of coordinator state happens inside it, because
// the normal agent-exit handler and the error handler can race for the same
// panel.
type PanelLocker interface {
	WithPanelLock(panelID string, fn func())
}

// ContinueFunc issues a follow-up agent run for a panel. The orchestration
// layer fills in worktree path and agent session from current state.
type ContinueFunc func(ctx context.Context, panelID, sessionID, prompt string) error

// StoreUsageFunc persists a parsed usage summary into the panel's state.
type StoreUsageFunc func(ctx context.Context, panelID string, usage panel.ContextUsage)

type runPhase int

const (
	phaseIdle runPhase = iota
	phaseRunning
)

// panelRun is the coordinator's per-panel state. Fields are only touched
// under the panel's keyed mutex.
type panelRun struct {
	phase    runPhase
	buffer   []string
	snapshot int // buffer length when the diagnostic run started
}

// Coordinator chains a single context diagnostic run after each clean agent
// exit: idle -> running on the normal exit, running -> idle on the
// diagnostic's own exit, never re-triggering itself. State is in-memory
// only; after a restart every panel is idle.
type Coordinator struct {
	locker      PanelLocker
	continueRun ContinueFunc
	storeUsage  StoreUsageFunc
	enabled     func() bool

	// runsMu protects the map shape; each entry's fields are only touched
	// under that panel's keyed mutex.
	runsMu sync.Mutex
	runs   map[string]*panelRun
}

// NewCoordinator creates a Coordinator. enabled is consulted before every
// diagnostic run; pass nil to always run.
func NewCoordinator(locker PanelLocker, continueRun ContinueFunc, storeUsage StoreUsageFunc, enabled func() bool) *Coordinator {
	return &Coordinator{
		locker:      locker,
		continueRun: continueRun,
		storeUsage:  storeUsage,
		enabled:     enabled,
		runs:        make(map[string]*panelRun),
	}
}

func (c *Coordinator) getRun(panelID string) *panelRun {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	run, ok := c.runs[panelID]
	if !ok {
		run = &panelRun{}
		c.runs[panelID] = run
	}
	return run
}

// Forget drops all coordinator state for a panel. Called on panel removal.
func (c *Coordinator) Forget(panelID string) {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	delete(c.runs, panelID)
}

// HandleOutput buffers validated output events for later usage extraction.
func (c *Coordinator) HandleOutput(ev events.PanelEvent) {
	if ev.Kind != events.KindOutput || ev.Source.PanelID == "" {
		return
	}
	c.locker.WithPanelLock(ev.Source.PanelID, func() {
		run := c.getRun(ev.Source.PanelID)
		run.buffer = append(run.buffer, ev.Data)
		if len(run.buffer) > outputBufferCap {
			trimmed := len(run.buffer) - outputBufferCap
			run.buffer = run.buffer[trimmed:]
			if run.snapshot > 0 {
				run.snapshot -= trimmed
				if run.snapshot < 0 {
					run.snapshot = 0
				}
			}
		}
	})
}

// HandleExit drives the per-panel state machine on a validated exit event.
func (c *Coordinator) HandleExit(ctx context.Context, ev events.PanelEvent) {
	panelID := ev.Source.PanelID
	if ev.Kind != events.KindExit || panelID == "" {
		return
	}
	log := logger.WithPanel(ev.Source.SessionID, panelID)

	clean := ev.ExitCode != nil && *ev.ExitCode == 0 && !ev.Intentional

	var launch bool
	var captured *panel.ContextUsage
	c.locker.WithPanelLock(panelID, func() {
		run := c.getRun(panelID)
		switch run.phase {
		case phaseRunning:
			// The diagnostic's own exit: finalize instead of re-triggering.
			run.phase = phaseIdle
			if clean {
				if usage, ok := ParseContextUsage(run.buffer[run.snapshot:]); ok {
					captured = &usage
				}
			} else {
				log.Debug("context diagnostic run failed; panel back to idle")
			}
		case phaseIdle:
			if !clean {
				return
			}
			if c.enabled != nil && !c.enabled() {
				return
			}
			run.phase = phaseRunning
			run.snapshot = len(run.buffer)
			launch = true
		}
	})

	// The usage sink re-enters the panel registry, which shares the keyed
	// mutex; it must run after the key is released.
	if captured != nil {
		log.Debug("context usage captured", "tokens", captured.Tokens, "limit", captured.Limit)
		if c.storeUsage != nil {
			c.storeUsage(ctx, panelID, *captured)
		}
	}

	if !launch {
		return
	}

	// The continue is issued outside the keyed lock; it re-enters the
	// process manager and must not be awaited while holding the key.
	if err := c.continueRun(ctx, panelID, ev.Source.SessionID, DiagnosticPrompt); err != nil {
		log.Warn("context diagnostic spawn failed", "error", err)
		c.locker.WithPanelLock(panelID, func() {
			c.getRun(panelID).phase = phaseIdle
		})
	}
}

// HandleError unconditionally resets the panel to idle so it is never left
// stuck mid-diagnostic.
func (c *Coordinator) HandleError(ev events.PanelEvent) {
	panelID := ev.Source.PanelID
	if panelID == "" {
		return
	}
	c.locker.WithPanelLock(panelID, func() {
		c.getRun(panelID).phase = phaseIdle
	})
}

// contextUsageRe matches usage lines like "42k/200k tokens (21%)" or
// "Context usage: 131,072 / 200,000 tokens".
var contextUsageRe = regexp.MustCompile(`(?i)([\d,.]+[km]?)\s*/\s*([\d,.]+[km]?)\s+tokens`)

// ParseContextUsage extracts a token usage summary from diagnostic output
// lines. Returns false when no usage line is present.
func ParseContextUsage(lines []string) (panel.ContextUsage, bool) {
	for _, line := range lines {
		m := contextUsageRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tokens, ok1 := parseTokenCount(m[1])
		limit, ok2 := parseTokenCount(m[2])
		if !ok1 || !ok2 || limit == 0 {
			continue
		}
		return panel.ContextUsage{
			Tokens:     tokens,
			Limit:      limit,
			CapturedAt: time.Now(),
		}, true
	}
	return panel.ContextUsage{}, false
}

// parseTokenCount reads counts like "42k", "1.5m", or "131,072".
func parseTokenCount(s string) (int, bool) {
	s = strings.ToLower(strings.ReplaceAll(s, ",", ""))
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1_000
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult = 1_000_000
		s = strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int(v * mult), true
}
