package store

import (
	"context"

	"github.com/stravu/crystal-core/db"
)

// dbPersistence writes sessions through the SQLite store.
type dbPersistence struct {
	store *db.Store
}

// NewDBPersistence adapts the SQLite store to the Persistence contract.
func NewDBPersistence(store *db.Store) Persistence {
	return &dbPersistence{store: store}
}

func (p *dbPersistence) LoadSessions(ctx context.Context) ([]Session, error) {
	records, err := p.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(records))
	for _, rec := range records {
		out = append(out, Session{
			ID:                rec.SessionID,
			ProjectID:         rec.ProjectID,
			Name:              rec.Name,
			WorktreePath:      rec.WorktreePath,
			Branch:            rec.Branch,
			BaseBranch:        rec.BaseBranch,
			Agent:             rec.Agent,
			Prompt:            rec.InitialPrompt,
			Status:            Status(rec.Status),
			CompletedUnviewed: rec.CompletedUnviewed,
			Archived:          rec.Archived,
			Favorite:          rec.Favorite,
			ExitCode:          rec.ExitCode,
			ErrorMessage:      rec.ErrorMessage,
			CreatedAt:         rec.CreatedAt,
			UpdatedAt:         rec.UpdatedAt,
		})
	}
	return out, nil
}

func (p *dbPersistence) SaveSession(ctx context.Context, s Session) error {
	return p.store.UpsertSession(ctx, db.SessionRecord{
		SessionID:         s.ID,
		ProjectID:         s.ProjectID,
		Name:              s.Name,
		WorktreePath:      s.WorktreePath,
		Branch:            s.Branch,
		BaseBranch:        s.BaseBranch,
		Agent:             s.Agent,
		InitialPrompt:     s.Prompt,
		Status:            string(s.Status),
		CompletedUnviewed: s.CompletedUnviewed,
		Archived:          s.Archived,
		Favorite:          s.Favorite,
		ExitCode:          s.ExitCode,
		ErrorMessage:      s.ErrorMessage,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	})
}

var _ Persistence = (*dbPersistence)(nil)
