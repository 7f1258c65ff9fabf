package events

// SessionResolver reports whether a session currently exists (archived
// sessions do not count as existing for validation purposes).
type SessionResolver interface {
	SessionExists(sessionID string) bool
}

// PanelResolver reports panel existence and ownership.
type PanelResolver interface {
	PanelBelongsTo(panelID, sessionID string) bool
}

// Result is the outcome of validating an event.
type Result struct {
	Valid  bool
	Reason string
}

// Validator gates every lifecycle event before it may mutate state or be
// forwarded outward. A slow or duplicated event from a since-archived session
// must never touch a newly-created session that happens to reuse resources.
type Validator struct {
	sessions SessionResolver
	panels   PanelResolver
}

// NewValidator creates a Validator over the given resolvers.
func NewValidator(sessions SessionResolver, panels PanelResolver) *Validator {
	return &Validator{sessions: sessions, panels: panels}
}

// Validate checks that the event's session still exists and, when the event
// names a panel, that the panel exists and belongs to the claimed session.
// It is a pure read; callers log and drop invalid events.
func (v *Validator) Validate(ev PanelEvent) Result {
	if ev.Source.SessionID == "" {
		return Result{Reason: "event missing session ID"}
	}
	if !v.sessions.SessionExists(ev.Source.SessionID) {
		return Result{Reason: "session no longer exists"}
	}
	if ev.Source.PanelID != "" && !v.panels.PanelBelongsTo(ev.Source.PanelID, ev.Source.SessionID) {
		return Result{Reason: "panel does not belong to session"}
	}
	return Result{Valid: true}
}
