package panel

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakePersistence records panel rows in memory and can be made to fail.
type fakePersistence struct {
	mu       sync.Mutex
	created  map[string]Panel
	states   map[string]string
	active   map[string]string // sessionID -> panelID
	deleted  []string
	failNext error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		created: make(map[string]Panel),
		states:  make(map[string]string),
		active:  make(map[string]string),
	}
}

func (f *fakePersistence) takeErr() error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	return nil
}

func (f *fakePersistence) LoadPanels(ctx context.Context) ([]Panel, error) {
	return nil, nil
}

func (f *fakePersistence) CreatePanel(ctx context.Context, p Panel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.created[p.ID] = p
	return nil
}

func (f *fakePersistence) SaveState(ctx context.Context, panelID, stateJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.states[panelID] = stateJSON
	return nil
}

func (f *fakePersistence) SetActive(ctx context.Context, sessionID, panelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.active[sessionID] = panelID
	return nil
}

func (f *fakePersistence) Rename(ctx context.Context, panelID, title string) error {
	return nil
}

func (f *fakePersistence) Delete(ctx context.Context, panelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.deleted = append(f.deleted, panelID)
	return nil
}

// allSessions resolves every session as live.
type allSessions struct{}

func (allSessions) SessionExists(string) bool { return true }

// noSessions resolves nothing.
type noSessions struct{}

func (noSessions) SessionExists(string) bool { return false }

func testRegistry(t *testing.T) (*Registry, *fakePersistence) {
	t.Helper()
	persist := newFakePersistence()
	return NewRegistry(persist, allSessions{}), persist
}

func countActive(panels []Panel) int {
	n := 0
	for _, p := range panels {
		if p.State.IsActive {
			n++
		}
	}
	return n
}

func TestCreatePanelDefaults(t *testing.T) {
	r, persist := testRegistry(t)
	ctx := context.Background()

	first, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal})
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	if first.Title != "terminal 1" {
		t.Errorf("Title = %q, want terminal 1", first.Title)
	}
	if !first.State.IsActive {
		t.Error("first panel of a session should become active")
	}
	if _, ok := first.State.Custom.(*TerminalState); !ok {
		t.Errorf("Custom = %T, want *TerminalState", first.State.Custom)
	}
	if _, ok := persist.created[first.ID]; !ok {
		t.Error("panel should be persisted on create")
	}

	second, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal})
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	if second.Title != "terminal 2" {
		t.Errorf("Title = %q, want terminal 2", second.Title)
	}
	if second.State.IsActive {
		t.Error("second panel should not steal the active slot")
	}
}

func TestCreatePanelUnknownType(t *testing.T) {
	r, _ := testRegistry(t)
	_, err := r.CreatePanel(context.Background(), CreateOptions{SessionID: "sess-1", Type: "spreadsheet"})
	var ut *UnknownTypeError
	if !errors.As(err, &ut) {
		t.Errorf("expected *UnknownTypeError, got %v", err)
	}
}

func TestCreatePanelDeadSessionRejected(t *testing.T) {
	persist := newFakePersistence()
	r := NewRegistry(persist, noSessions{})
	_, err := r.CreatePanel(context.Background(), CreateOptions{SessionID: "gone", Type: TypeTerminal})
	if err == nil {
		t.Fatal("creating a panel for a dead session should fail")
	}
	if len(persist.created) != 0 {
		t.Error("nothing should be persisted for a rejected creation")
	}
}

func TestSingletonViolation(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeDiff}); err != nil {
		t.Fatalf("first diff panel: %v", err)
	}
	_, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeDiff})
	var sv *SingletonViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("expected *SingletonViolationError, got %v", err)
	}
	if sv.SessionID != "sess-1" || sv.Type != TypeDiff {
		t.Errorf("error fields: session %s type %s", sv.SessionID, sv.Type)
	}

	// A second session gets its own singleton slot
	if _, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-2", Type: TypeDiff}); err != nil {
		t.Errorf("diff panel in another session: %v", err)
	}
}

func TestConcurrentSingletonCreation(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeLogs})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var sv *SingletonViolationError
		if !errors.As(err, &sv) {
			t.Errorf("loser got %v, want *SingletonViolationError", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d creations succeeded, want exactly 1", succeeded)
	}
	if n := len(r.ListForSession("sess-1")); n != 1 {
		t.Errorf("session holds %d logs panels, want 1", n)
	}
}

func TestSetActivePanelSwaps(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	a, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal})
	b, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeEditor})

	if err := r.SetActivePanel(ctx, "sess-1", b.ID); err != nil {
		t.Fatalf("SetActivePanel: %v", err)
	}

	panels := r.ListForSession("sess-1")
	if countActive(panels) != 1 {
		t.Errorf("active count = %d, want 1", countActive(panels))
	}
	active, ok := r.ActivePanel("sess-1")
	if !ok || active.ID != b.ID {
		t.Errorf("active = %v, want %s", active.ID, b.ID)
	}

	if got, _ := r.Get(a.ID); got.State.IsActive {
		t.Error("previous active panel should be deactivated")
	}
}

func TestSetActiveRemovedPanelRejected(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	a, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal})
	b, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeEditor})
	if err := r.RemovePanel(ctx, "sess-1", b.ID); err != nil {
		t.Fatalf("RemovePanel: %v", err)
	}

	var nf *NotFoundError
	if err := r.SetActivePanel(ctx, "sess-1", b.ID); !errors.As(err, &nf) {
		t.Errorf("expected *NotFoundError for removed panel, got %v", err)
	}

	// Panel from another session cannot be activated either
	c, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-2", Type: TypeTerminal})
	if err := r.SetActivePanel(ctx, "sess-1", c.ID); !errors.As(err, &nf) {
		t.Errorf("expected *NotFoundError for foreign panel, got %v", err)
	}
	_ = a
}

func TestRemovePermanentPanelRejected(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeDashboard, Context: ContextProject})
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	var pe *PermanentPanelError
	if err := r.RemovePanel(ctx, "sess-1", p.ID); !errors.As(err, &pe) {
		t.Fatalf("expected *PermanentPanelError, got %v", err)
	}
	if !r.PanelBelongsTo(p.ID, "sess-1") {
		t.Error("rejected removal must leave the panel in place")
	}
}

func TestRemoveBusyPanelRejected(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p, _ := r.CreatePanel(ctx, CreateOptions{
		SessionID: "sess-1",
		Type:      TypeLogs,
		Custom:    &LogsState{Command: "npm run dev", Running: true},
	})

	var busy *PanelBusyError
	if err := r.RemovePanel(ctx, "sess-1", p.ID); !errors.As(err, &busy) {
		t.Fatalf("expected *PanelBusyError, got %v", err)
	}

	// Once the script stops, removal goes through
	_, err := r.UpdatePanelState(ctx, p.ID, func(s *State) error {
		s.Custom.(*LogsState).Running = false
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePanelState: %v", err)
	}
	if err := r.RemovePanel(ctx, "sess-1", p.ID); err != nil {
		t.Errorf("RemovePanel after stop: %v", err)
	}
}

func TestContextRestriction(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	var cr *ContextRestrictionError
	if _, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeDashboard}); !errors.As(err, &cr) {
		t.Errorf("dashboard in worktree context: expected *ContextRestrictionError, got %v", err)
	}
	if _, err := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal, Context: ContextProject}); !errors.As(err, &cr) {
		t.Errorf("terminal in project context: expected *ContextRestrictionError, got %v", err)
	}
}

func TestUpdatePanelState(t *testing.T) {
	r, persist := testRegistry(t)
	ctx := context.Background()

	p, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeClaude})

	updated, err := r.UpdatePanelState(ctx, p.ID, func(s *State) error {
		s.HasBeenViewed = true
		s.Custom.(*AgentState).Model = "sonnet"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePanelState: %v", err)
	}
	if !updated.State.HasBeenViewed {
		t.Error("HasBeenViewed not applied")
	}
	if updated.State.Custom.(*AgentState).Model != "sonnet" {
		t.Error("custom state not applied")
	}
	if _, ok := persist.states[p.ID]; !ok {
		t.Error("state should be persisted")
	}
}

func TestUpdatePanelStateCannotFlipActive(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	a, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal})
	b, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeEditor})

	r.UpdatePanelState(ctx, b.ID, func(s *State) error {
		s.IsActive = true
		return nil
	})

	panels := r.ListForSession("sess-1")
	if countActive(panels) != 1 {
		t.Errorf("active count = %d after mutator, want 1", countActive(panels))
	}
	if got, _ := r.Get(a.ID); !got.State.IsActive {
		t.Error("active panel changed through a state mutator")
	}
}

func TestUpdatePanelStatePersistFailure(t *testing.T) {
	r, persist := testRegistry(t)
	ctx := context.Background()

	p, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeEditor})

	persist.failNext = errors.New("disk full")
	_, err := r.UpdatePanelState(ctx, p.ID, func(s *State) error {
		s.Custom.(*EditorState).FilePath = "main.go"
		return nil
	})
	if err == nil {
		t.Fatal("expected persistence error to surface")
	}

	got, _ := r.Get(p.ID)
	if got.State.Custom.(*EditorState).FilePath != "" {
		t.Error("mutation should not apply when persist fails")
	}
}

func TestPanelBelongsTo(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal})
	if !r.PanelBelongsTo(p.ID, "sess-1") {
		t.Error("panel should belong to its session")
	}
	if r.PanelBelongsTo(p.ID, "sess-2") {
		t.Error("panel should not resolve against another session")
	}
	if r.PanelBelongsTo("missing", "sess-1") {
		t.Error("missing panel should not resolve")
	}

	r.RemoveSessionPanels("sess-1")
	if r.PanelBelongsTo(p.ID, "sess-1") {
		t.Error("panel should not resolve after its session is dropped")
	}
}

func TestShouldForwardFollowsCapabilities(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	p, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeTerminal})
	if !r.ShouldForward(p.ID) {
		t.Error("terminal panels emit events")
	}

	d, _ := r.CreatePanel(ctx, CreateOptions{SessionID: "sess-1", Type: TypeDiff})
	if r.ShouldForward(d.ID) {
		t.Error("diff panels do not emit events")
	}

	if r.ShouldForward("missing") {
		t.Error("unknown panel should not source events")
	}
}
