package panel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stravu/crystal-core/logger"
)

// SessionResolver reports whether a session currently exists. Panels may only
// be created against live sessions.
type SessionResolver interface {
	SessionExists(sessionID string) bool
}

// Persistence is the durable storage contract for panels.
type Persistence interface {
	LoadPanels(ctx context.Context) ([]Panel, error)
	CreatePanel(ctx context.Context, p Panel) error
	SaveState(ctx context.Context, panelID, stateJSON string) error
	SetActive(ctx context.Context, sessionID, panelID string) error
	Rename(ctx context.Context, panelID, title string) error
	Delete(ctx context.Context, panelID string) error
}

// keyedMutex hands out one mutex per key, created on demand. Mutexes are
// never discarded; the key space is bounded by panel count.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// CreateOptions carries the inputs for a new panel.
type CreateOptions struct {
	SessionID string
	Type      Type
	Title     string
	Context   Context // defaults to worktree
	Custom    CustomState
}

// Registry owns all tool panels and enforces the capability table. State
// updates for a given panel are serialized by a per-panel mutex which is
// shared with the auto-context coordinator via WithPanelLock.
type Registry struct {
	mu        sync.RWMutex
	panels    map[string]*Panel
	bySession map[string]map[string]*Panel
	persist   Persistence
	sessions  SessionResolver
	locks     *keyedMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry(persist Persistence, sessions SessionResolver) *Registry {
	return &Registry{
		panels:    make(map[string]*Panel),
		bySession: make(map[string]map[string]*Panel),
		persist:   persist,
		sessions:  sessions,
		locks:     newKeyedMutex(),
	}
}

// Load populates the registry from persistence. Called once at startup
// before any concurrent access.
func (r *Registry) Load(ctx context.Context) error {
	panels, err := r.persist.LoadPanels(ctx)
	if err != nil {
		return fmt.Errorf("load panels: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range panels {
		p := panels[i]
		r.insertLocked(&p)
	}
	return nil
}

// insertLocked adds a panel to both indexes. Caller holds r.mu.
func (r *Registry) insertLocked(p *Panel) {
	r.panels[p.ID] = p
	byID, ok := r.bySession[p.SessionID]
	if !ok {
		byID = make(map[string]*Panel)
		r.bySession[p.SessionID] = byID
	}
	byID[p.ID] = p
}

// WithPanelLock runs fn while holding the panel's keyed mutex. The
// auto-context coordinator uses this to make its read-modify-write of
// per-panel state atomic with respect to UpdatePanelState. fn must not call
// back into UpdatePanelState for the same panel.
func (r *Registry) WithPanelLock(panelID string, fn func()) {
	m := r.locks.get(panelID)
	m.Lock()
	defer m.Unlock()
	fn()
}

// CreatePanel makes a new panel for a session, enforcing the capability
// table. The first panel of a session becomes active.
func (r *Registry) CreatePanel(ctx context.Context, opts CreateOptions) (Panel, error) {
	caps, ok := CapabilitiesFor(opts.Type)
	if !ok {
		return Panel{}, &UnknownTypeError{Type: opts.Type}
	}

	creationContext := opts.Context
	if creationContext == "" {
		creationContext = ContextWorktree
	}
	if caps.ContextRestriction != "" && caps.ContextRestriction != creationContext {
		return Panel{}, &ContextRestrictionError{
			Type:     opts.Type,
			Context:  creationContext,
			Required: caps.ContextRestriction,
		}
	}

	if r.sessions != nil && !r.sessions.SessionExists(opts.SessionID) {
		return Panel{}, &NotFoundError{PanelID: opts.SessionID}
	}

	custom := opts.Custom
	if custom == nil {
		custom = defaultCustomState(opts.Type)
	}

	// The singleton check and the insert happen under one lock so
	// concurrent creations cannot both pass the check.
	r.mu.Lock()
	existing := r.bySession[opts.SessionID]
	if caps.Singleton {
		for _, p := range existing {
			if p.Type == opts.Type {
				r.mu.Unlock()
				return Panel{}, &SingletonViolationError{SessionID: opts.SessionID, Type: opts.Type}
			}
		}
	}

	title := opts.Title
	if title == "" {
		title = defaultTitle(opts.Type, existing)
	}

	now := time.Now()
	p := Panel{
		ID:        uuid.New().String(),
		SessionID: opts.SessionID,
		Type:      opts.Type,
		Title:     title,
		State: State{
			IsActive: !hasActive(existing),
			Custom:   custom,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.persist.CreatePanel(ctx, p); err != nil {
		r.mu.Unlock()
		return Panel{}, fmt.Errorf("persist panel: %w", err)
	}
	stored := p
	stored.State = p.State.clone()
	r.insertLocked(&stored)
	r.mu.Unlock()

	logger.WithPanel(p.SessionID, p.ID).Info("panel created", "type", string(p.Type), "title", p.Title)
	return p, nil
}

func hasActive(panels map[string]*Panel) bool {
	for _, p := range panels {
		if p.State.IsActive {
			return true
		}
	}
	return false
}

// defaultTitle numbers non-singleton panels: "terminal 1", "terminal 2".
func defaultTitle(t Type, existing map[string]*Panel) string {
	caps, _ := CapabilitiesFor(t)
	if caps.Singleton {
		return string(t)
	}
	n := 1
	for _, p := range existing {
		if p.Type == t {
			n++
		}
	}
	return fmt.Sprintf("%s %d", t, n)
}

// Get returns a copy of the panel with the given ID.
func (r *Registry) Get(panelID string) (Panel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.panels[panelID]
	if !ok {
		return Panel{}, &NotFoundError{PanelID: panelID}
	}
	out := *p
	out.State = p.State.clone()
	return out, nil
}

// ListForSession returns copies of a session's panels in creation order.
func (r *Registry) ListForSession(sessionID string) []Panel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.bySession[sessionID]
	out := make([]Panel, 0, len(byID))
	for _, p := range byID {
		c := *p
		c.State = p.State.clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActivePanel returns the session's active panel, if any.
func (r *Registry) ActivePanel(sessionID string) (Panel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.bySession[sessionID] {
		if p.State.IsActive {
			out := *p
			out.State = p.State.clone()
			return out, true
		}
	}
	return Panel{}, false
}

// SetActivePanel makes panelID the single active panel of its session. A
// removed panel cannot be set active: it no longer resolves.
func (r *Registry) SetActivePanel(ctx context.Context, sessionID, panelID string) error {
	r.mu.Lock()
	p, ok := r.panels[panelID]
	if !ok || p.SessionID != sessionID {
		r.mu.Unlock()
		return &NotFoundError{PanelID: panelID}
	}

	if err := r.persist.SetActive(ctx, sessionID, panelID); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persist active panel: %w", err)
	}
	for _, other := range r.bySession[sessionID] {
		other.State.IsActive = other.ID == panelID
	}
	p.UpdatedAt = time.Now()
	r.mu.Unlock()

	logger.WithPanel(sessionID, panelID).Debug("panel activated")
	return nil
}

// RemovePanel deletes a panel. Permanent panel types and panels with a
// running background process are rejected, not silently ignored.
func (r *Registry) RemovePanel(ctx context.Context, sessionID, panelID string) error {
	// Hold the keyed mutex so removal cannot interleave with a state
	// update that would resurrect the row.
	m := r.locks.get(panelID)
	m.Lock()
	defer m.Unlock()

	r.mu.Lock()
	p, ok := r.panels[panelID]
	if !ok || p.SessionID != sessionID {
		r.mu.Unlock()
		return &NotFoundError{PanelID: panelID}
	}
	caps, _ := CapabilitiesFor(p.Type)
	if caps.Permanent {
		r.mu.Unlock()
		return &PermanentPanelError{PanelID: panelID, Type: p.Type}
	}
	if p.State.ProcessRunning() {
		r.mu.Unlock()
		return &PanelBusyError{PanelID: panelID}
	}

	if err := r.persist.Delete(ctx, panelID); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("delete panel: %w", err)
	}
	delete(r.panels, panelID)
	delete(r.bySession[sessionID], panelID)
	r.mu.Unlock()

	logger.WithPanel(sessionID, panelID).Info("panel removed", "type", string(p.Type))
	return nil
}

// RemoveSessionPanels drops all panels of a session from the in-memory
// indexes. Used when a session is archived; the database rows cascade with
// the session itself.
func (r *Registry) RemoveSessionPanels(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.bySession[sessionID] {
		delete(r.panels, id)
	}
	delete(r.bySession, sessionID)
}

// UpdatePanelState applies fn to the panel's state under the panel's keyed
// mutex, persists the result, and returns the updated panel. A persistence
// failure leaves the in-memory state untouched.
func (r *Registry) UpdatePanelState(ctx context.Context, panelID string, fn func(*State) error) (Panel, error) {
	m := r.locks.get(panelID)
	m.Lock()
	defer m.Unlock()

	r.mu.Lock()
	p, ok := r.panels[panelID]
	if !ok {
		r.mu.Unlock()
		return Panel{}, &NotFoundError{PanelID: panelID}
	}

	updated := p.State.clone()
	if err := fn(&updated); err != nil {
		r.mu.Unlock()
		return Panel{}, err
	}
	// IsActive is owned by SetActivePanel; a state mutator cannot flip it.
	updated.IsActive = p.State.IsActive

	encoded, err := EncodeState(updated)
	if err != nil {
		r.mu.Unlock()
		return Panel{}, err
	}
	if err := r.persist.SaveState(ctx, panelID, encoded); err != nil {
		r.mu.Unlock()
		return Panel{}, fmt.Errorf("persist panel state: %w", err)
	}

	p.State = updated
	p.UpdatedAt = time.Now()
	out := *p
	out.State = updated.clone()
	r.mu.Unlock()
	return out, nil
}

// Rename changes a panel's title.
func (r *Registry) Rename(ctx context.Context, panelID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.panels[panelID]
	if !ok {
		return &NotFoundError{PanelID: panelID}
	}
	if err := r.persist.Rename(ctx, panelID, title); err != nil {
		return fmt.Errorf("rename panel: %w", err)
	}
	p.Title = title
	p.UpdatedAt = time.Now()
	return nil
}

// PanelBelongsTo reports whether the panel exists and is owned by the given
// session. This is the resolver consulted by event validation.
func (r *Registry) PanelBelongsTo(panelID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.panels[panelID]
	return ok && p.SessionID == sessionID
}

// ShouldForward reports whether events originating from the panel may be
// forwarded onward: the panel must exist and its type must declare that it
// emits. An event claiming a non-emitting source is forged or stale.
func (r *Registry) ShouldForward(panelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.panels[panelID]
	if !ok {
		return false
	}
	caps, _ := CapabilitiesFor(p.Type)
	return caps.CanEmit
}
