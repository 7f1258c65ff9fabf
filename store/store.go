// Package store holds the authoritative session records and the status
// state machine. Transitions are driven by validated lifecycle events, never
// by direct external writes.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stravu/crystal-core/logger"
)

// Status is a session's position in the lifecycle state machine.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusWaiting      Status = "waiting"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

// legalTransitions encodes the status state machine. A continue/respawn re-
// enters running from any resting state, which is what makes a crashed
// session recoverable.
var legalTransitions = map[Status]map[Status]bool{
	StatusInitializing: {StatusRunning: true, StatusError: true, StatusStopped: true},
	StatusRunning:      {StatusWaiting: true, StatusCompleted: true, StatusError: true, StatusStopped: true},
	StatusWaiting:      {StatusRunning: true, StatusError: true, StatusStopped: true},
	StatusCompleted:    {StatusRunning: true},
	StatusError:        {StatusRunning: true},
	StatusStopped:      {StatusRunning: true},
}

// NotFoundError reports a lookup for a session that does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Session is one isolated coding task bound to a worktree.
type Session struct {
	ID                string
	ProjectID         string
	Name              string
	WorktreePath      string
	Branch            string
	BaseBranch        string
	Prompt            string
	Agent             string // tool selection: "claude" or "codex"
	Status            Status
	CompletedUnviewed bool
	Archived          bool
	Favorite          bool
	ExitCode          *int
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Persistence is the durable storage contract the store writes through.
// Mutations are persisted before change listeners observe them.
type Persistence interface {
	LoadSessions(ctx context.Context) ([]Session, error)
	SaveSession(ctx context.Context, s Session) error
}

// CreateRequest carries the inputs for a new session. ID may be set by the
// caller when the worktree directory was already created under that name;
// when empty a new one is generated.
type CreateRequest struct {
	ID           string
	ProjectID    string
	Name         string
	WorktreePath string
	Branch       string
	BaseBranch   string
	Prompt       string
	Agent        string
}

// Store owns all session records. All access goes through its API.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	persist   Persistence
	listeners []func(Session)
}

// NewStore creates an empty Store writing through the given persistence.
func NewStore(persist Persistence) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		persist:  persist,
	}
}

// Load populates the store from persistence. Called once at startup before
// any concurrent access.
func (s *Store) Load(ctx context.Context) error {
	sessions, err := s.persist.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range sessions {
		sess := sessions[i]
		s.sessions[sess.ID] = &sess
	}
	return nil
}

// AddListener registers a callback invoked after every durably applied
// mutation. Callbacks run outside the store's lock.
func (s *Store) AddListener(fn func(Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(sess Session) {
	s.mu.RLock()
	listeners := make([]func(Session), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(sess)
	}
}

// Create makes a new session in the initializing state.
func (s *Store) Create(ctx context.Context, req CreateRequest) (Session, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	sess := Session{
		ID:           id,
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		WorktreePath: req.WorktreePath,
		Branch:       req.Branch,
		BaseBranch:   req.BaseBranch,
		Prompt:       req.Prompt,
		Agent:        req.Agent,
		Status:       StatusInitializing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.persist.SaveSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("persist session: %w", err)
	}

	s.mu.Lock()
	stored := sess
	s.sessions[sess.ID] = &stored
	s.mu.Unlock()

	logger.WithSession(sess.ID).Info("session created", "name", sess.Name, "agent", sess.Agent)
	s.notify(sess)
	return sess, nil
}

// Get returns a copy of the session with the given ID.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, &NotFoundError{ID: id}
	}
	return *sess, nil
}

// GetAll returns copies of all non-archived sessions.
func (s *Store) GetAll() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Archived {
			continue
		}
		out = append(out, *sess)
	}
	return out
}

// SessionExists reports whether the session exists and is not archived.
// This is the resolver consulted by event validation.
func (s *Store) SessionExists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return ok && !sess.Archived
}

// mutate applies fn to the session under the write lock, persists the result,
// and notifies listeners. The lock is held through persistence so concurrent
// mutations of the same session cannot lose updates.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, &NotFoundError{ID: id}
	}

	// Copy-on-write: apply to a copy so a persistence failure leaves the
	// stored record untouched.
	updated := *sess
	if err := fn(&updated); err != nil {
		s.mu.Unlock()
		return Session{}, err
	}
	updated.UpdatedAt = time.Now()

	if err := s.persist.SaveSession(ctx, updated); err != nil {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("persist session: %w", err)
	}

	stored := updated
	s.sessions[id] = &stored
	s.mu.Unlock()

	s.notify(updated)
	return updated, nil
}

// Transition moves the session to a new status, enforcing the state machine.
func (s *Store) Transition(ctx context.Context, id string, to Status) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		if sess.Archived {
			return &InvalidTransitionError{ID: id, From: sess.Status, To: to}
		}
		if !legalTransitions[sess.Status][to] {
			return &InvalidTransitionError{ID: id, From: sess.Status, To: to}
		}
		logger.WithSession(id).Info("session status change", "from", string(sess.Status), "to", string(to))
		sess.Status = to
		if to == StatusCompleted {
			sess.CompletedUnviewed = true
		}
		if to == StatusRunning {
			sess.ErrorMessage = ""
			sess.ExitCode = nil
		}
		return nil
	})
}

// HandleExit applies an exit event: intentional stops become stopped, clean
// exits become completed (unviewed), and crashes become error.
func (s *Store) HandleExit(ctx context.Context, id string, exitCode int, intentional bool) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		if sess.Archived {
			return &InvalidTransitionError{ID: id, From: sess.Status, To: StatusStopped}
		}
		var to Status
		switch {
		case intentional:
			to = StatusStopped
		case exitCode == 0:
			to = StatusCompleted
		default:
			to = StatusError
			sess.ErrorMessage = fmt.Sprintf("process exited with code %d", exitCode)
		}
		if !legalTransitions[sess.Status][to] {
			return &InvalidTransitionError{ID: id, From: sess.Status, To: to}
		}
		logger.WithSession(id).Info("session exit", "exitCode", exitCode, "intentional", intentional, "status", string(to))
		code := exitCode
		sess.ExitCode = &code
		sess.Status = to
		if to == StatusCompleted {
			sess.CompletedUnviewed = true
		}
		return nil
	})
}

// HandleError applies a spawn or stream failure: the session enters the
// error status and records the message. Never retried automatically.
func (s *Store) HandleError(ctx context.Context, id, msg string) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		if sess.Archived {
			return &InvalidTransitionError{ID: id, From: sess.Status, To: StatusError}
		}
		logger.WithSession(id).Error("session error", "message", msg)
		sess.Status = StatusError
		sess.ErrorMessage = msg
		return nil
	})
}

// MarkViewed clears the completed-unviewed flag.
func (s *Store) MarkViewed(ctx context.Context, id string) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.CompletedUnviewed = false
		return nil
	})
}

// SetFavorite toggles the favorite flag.
func (s *Store) SetFavorite(ctx context.Context, id string, favorite bool) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.Favorite = favorite
		return nil
	})
}

// Rename changes the session's display name.
func (s *Store) Rename(ctx context.Context, id, name string) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.Name = name
		return nil
	})
}

// Archive is terminal: the session leaves the active set and is never
// restored, because its worktree is destroyed by the caller as a side
// effect. Archiving an already-archived session is a no-op.
func (s *Store) Archive(ctx context.Context, id string) (Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		if sess.Archived {
			return nil
		}
		logger.WithSession(id).Info("session archived")
		sess.Archived = true
		sess.Status = StatusStopped
		return nil
	})
}
