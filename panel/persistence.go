package panel

import (
	"context"

	"github.com/stravu/crystal-core/db"
	"github.com/stravu/crystal-core/events"
)

// dbPersistence writes panels through the SQLite store.
type dbPersistence struct {
	store *db.Store
}

// NewDBPersistence adapts the SQLite store to the panel Persistence contract.
func NewDBPersistence(store *db.Store) Persistence {
	return &dbPersistence{store: store}
}

func (p *dbPersistence) LoadPanels(ctx context.Context) ([]Panel, error) {
	records, err := p.store.ListPanels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Panel, 0, len(records))
	for _, rec := range records {
		state, err := DecodeState(Type(rec.PanelType), rec.StateJSON)
		if err != nil {
			return nil, err
		}
		state.IsActive = rec.IsActive
		out = append(out, Panel{
			ID:        rec.PanelID,
			SessionID: rec.SessionID,
			Type:      Type(rec.PanelType),
			Title:     rec.Title,
			State:     state,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out, nil
}

func (p *dbPersistence) CreatePanel(ctx context.Context, panel Panel) error {
	encoded, err := EncodeState(panel.State)
	if err != nil {
		return err
	}
	return p.store.CreatePanel(ctx, db.PanelRecord{
		PanelID:   panel.ID,
		SessionID: panel.SessionID,
		PanelType: string(panel.Type),
		Title:     panel.Title,
		IsActive:  panel.State.IsActive,
		StateJSON: encoded,
		CreatedAt: panel.CreatedAt,
		UpdatedAt: panel.UpdatedAt,
	})
}

func (p *dbPersistence) SaveState(ctx context.Context, panelID, stateJSON string) error {
	return p.store.UpdatePanelState(ctx, panelID, stateJSON)
}

func (p *dbPersistence) SetActive(ctx context.Context, sessionID, panelID string) error {
	return p.store.SetActivePanel(ctx, sessionID, panelID)
}

func (p *dbPersistence) Rename(ctx context.Context, panelID, title string) error {
	return p.store.RenamePanel(ctx, panelID, title)
}

func (p *dbPersistence) Delete(ctx context.Context, panelID string) error {
	return p.store.DeletePanel(ctx, panelID)
}

var (
	_ Persistence          = (*dbPersistence)(nil)
	_ events.PanelResolver = (*Registry)(nil)
)
