package panel

import "fmt"

// NotFoundError reports a lookup for a panel that does not exist or does not
// belong to the named session.
type NotFoundError struct {
	PanelID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("panel %s not found", e.PanelID)
}

// SingletonViolationError reports an attempt to create a second panel of a
// singleton type in the same session.
type SingletonViolationError struct {
	SessionID string
	Type      Type
}

func (e *SingletonViolationError) Error() string {
	return fmt.Sprintf("session %s already has a %s panel", e.SessionID, e.Type)
}

// PermanentPanelError reports an attempt to remove a panel whose type cannot
// be closed.
type PermanentPanelError struct {
	PanelID string
	Type    Type
}

func (e *PermanentPanelError) Error() string {
	return fmt.Sprintf("panel %s (%s) is permanent and cannot be removed", e.PanelID, e.Type)
}

// PanelBusyError reports an attempt to remove a panel whose custom state
// declares an in-progress background process. Stop the process first.
type PanelBusyError struct {
	PanelID string
}

func (e *PanelBusyError) Error() string {
	return fmt.Sprintf("panel %s has a running process; stop it before removing the panel", e.PanelID)
}

// ContextRestrictionError reports a panel type created outside the context
// its capability row restricts it to.
type ContextRestrictionError struct {
	Type     Type
	Context  Context
	Required Context
}

func (e *ContextRestrictionError) Error() string {
	return fmt.Sprintf("panel type %s requires %s context, got %s", e.Type, e.Required, e.Context)
}

// UnknownTypeError reports a panel type absent from the capability table.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown panel type %q", e.Type)
}
