// Package db provides the SQLite persistence layer for sessions, panels,
// conversation history, and captured process output.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	SessionID         string
	ProjectID         string
	Name              string
	WorktreePath      string
	Branch            string
	BaseBranch        string
	Agent             string
	InitialPrompt     string
	Status            string
	CompletedUnviewed bool
	Archived          bool
	Favorite          bool
	ExitCode          *int
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PanelRecord is the persisted form of a tool panel.
type PanelRecord struct {
	PanelID   string
	SessionID string
	PanelType string
	Title     string
	IsActive  bool
	StateJSON string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationMessage is one entry in a panel's prompt/response history.
type ConversationMessage struct {
	MessageID   int64
	PanelID     string
	MessageType string
	Content     string
	CreatedAt   time.Time
}

// OutputChunk is one captured piece of process output for a panel.
type OutputChunk struct {
	OutputID  int64
	PanelID   string
	Stream    string
	Data      string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	database.SetMaxOpenConns(1)
	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return ApplyMigrations(ctx, s.db)
}

func (s *Store) CreateSession(ctx context.Context, rec SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, project_id, name, worktree_path, branch, base_branch, agent, initial_prompt, status, completed_unviewed, archived, favorite, exit_code, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.SessionID, rec.ProjectID, rec.Name, rec.WorktreePath, rec.Branch, rec.BaseBranch, defaultAgent(rec.Agent), rec.InitialPrompt, rec.Status,
		boolToInt(rec.CompletedUnviewed), boolToInt(rec.Archived), boolToInt(rec.Favorite),
		nullableInt(rec.ExitCode), nullIfEmpty(rec.ErrorMessage), ts(rec.CreatedAt), ts(rec.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpsertSession inserts or fully replaces a session record.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, project_id, name, worktree_path, branch, base_branch, agent, initial_prompt, status, completed_unviewed, archived, favorite, exit_code, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	project_id=excluded.project_id,
	name=excluded.name,
	worktree_path=excluded.worktree_path,
	branch=excluded.branch,
	base_branch=excluded.base_branch,
	agent=excluded.agent,
	initial_prompt=excluded.initial_prompt,
	status=excluded.status,
	completed_unviewed=excluded.completed_unviewed,
	archived=excluded.archived,
	favorite=excluded.favorite,
	exit_code=excluded.exit_code,
	error_message=excluded.error_message,
	updated_at=excluded.updated_at
`, rec.SessionID, rec.ProjectID, rec.Name, rec.WorktreePath, rec.Branch, rec.BaseBranch, defaultAgent(rec.Agent), rec.InitialPrompt, rec.Status,
		boolToInt(rec.CompletedUnviewed), boolToInt(rec.Archived), boolToInt(rec.Favorite),
		nullableInt(rec.ExitCode), nullIfEmpty(rec.ErrorMessage), ts(rec.CreatedAt), ts(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, project_id, name, worktree_path, branch, base_branch, agent, initial_prompt, status, completed_unviewed, archived, favorite, exit_code, error_message, created_at, updated_at
FROM sessions WHERE session_id = ?
`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, project_id, name, worktree_path, branch, base_branch, agent, initial_prompt, status, completed_unviewed, archived, favorite, exit_code, error_message, created_at, updated_at
FROM sessions ORDER BY created_at
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string, completedUnviewed bool, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, completed_unviewed = ?, error_message = ?, updated_at = ?
WHERE session_id = ?
`, status, boolToInt(completedUnviewed), nullIfEmpty(errorMessage), ts(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res)
}

func (s *Store) MarkSessionViewed(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET completed_unviewed = 0, updated_at = ? WHERE session_id = ?
`, ts(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("mark session viewed: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SetSessionArchived(ctx context.Context, sessionID string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET archived = ?, updated_at = ? WHERE session_id = ?
`, boolToInt(archived), ts(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("set session archived: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SetSessionFavorite(ctx context.Context, sessionID string, favorite bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET favorite = ?, updated_at = ? WHERE session_id = ?
`, boolToInt(favorite), ts(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("set session favorite: %w", err)
	}
	return requireRow(res)
}

func (s *Store) RenameSession(ctx context.Context, sessionID, name string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET name = ?, updated_at = ? WHERE session_id = ?
`, name, ts(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res)
}

func (s *Store) CreatePanel(ctx context.Context, rec PanelRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO panels(panel_id, session_id, panel_type, title, is_active, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, rec.PanelID, rec.SessionID, rec.PanelType, rec.Title, boolToInt(rec.IsActive), nullIfEmpty(rec.StateJSON), ts(rec.CreatedAt), ts(rec.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert panel: %w", err)
	}
	return nil
}

func (s *Store) GetPanel(ctx context.Context, panelID string) (PanelRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT panel_id, session_id, panel_type, title, is_active, state_json, created_at, updated_at
FROM panels WHERE panel_id = ?
`, panelID)
	rec, err := scanPanel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PanelRecord{}, ErrNotFound
	}
	if err != nil {
		return PanelRecord{}, fmt.Errorf("get panel: %w", err)
	}
	return rec, nil
}

func (s *Store) ListPanelsForSession(ctx context.Context, sessionID string) ([]PanelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT panel_id, session_id, panel_type, title, is_active, state_json, created_at, updated_at
FROM panels WHERE session_id = ? ORDER BY created_at
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list panels: %w", err)
	}
	defer rows.Close()

	var out []PanelRecord
	for rows.Next() {
		rec, err := scanPanel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan panel: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListPanels returns every panel across all sessions, ordered by creation.
func (s *Store) ListPanels(ctx context.Context) ([]PanelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT panel_id, session_id, panel_type, title, is_active, state_json, created_at, updated_at
FROM panels ORDER BY created_at
`)
	if err != nil {
		return nil, fmt.Errorf("list all panels: %w", err)
	}
	defer rows.Close()

	var out []PanelRecord
	for rows.Next() {
		rec, err := scanPanel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan panel: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePanelState(ctx context.Context, panelID, stateJSON string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE panels SET state_json = ?, updated_at = ? WHERE panel_id = ?
`, nullIfEmpty(stateJSON), ts(time.Now().UTC()), panelID)
	if err != nil {
		return fmt.Errorf("update panel state: %w", err)
	}
	return requireRow(res)
}

func (s *Store) RenamePanel(ctx context.Context, panelID, title string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE panels SET title = ?, updated_at = ? WHERE panel_id = ?
`, title, ts(time.Now().UTC()), panelID)
	if err != nil {
		return fmt.Errorf("rename panel: %w", err)
	}
	return requireRow(res)
}

// SetActivePanel marks panelID as the active panel of sessionID,
// deactivating whichever panel held that position before. The swap runs
// in one transaction so the unique index never sees two active panels.
func (s *Store) SetActivePanel(ctx context.Context, sessionID, panelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set active panel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE panels SET is_active = 0 WHERE session_id = ?`, sessionID); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear active panel: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE panels SET is_active = 1, updated_at = ? WHERE panel_id = ? AND session_id = ?`,
		ts(time.Now().UTC()), panelID, sessionID)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("set active panel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("set active panel rows: %w", err)
	}
	if n == 0 {
		tx.Rollback() //nolint:errcheck
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) DeletePanel(ctx context.Context, panelID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM panels WHERE panel_id = ?`, panelID)
	if err != nil {
		return fmt.Errorf("delete panel: %w", err)
	}
	return requireRow(res)
}

func (s *Store) AppendConversationMessage(ctx context.Context, panelID, messageType, content string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_messages(panel_id, message_type, content, created_at)
VALUES (?, ?, ?, ?)
`, panelID, messageType, content, ts(time.Now().UTC()))
	if err != nil {
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append conversation message: %w", err)
	}
	return nil
}

func (s *Store) ListConversationMessages(ctx context.Context, panelID string) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, panel_id, message_type, content, created_at
FROM conversation_messages WHERE panel_id = ? ORDER BY message_id
`, panelID)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var created string
		if err := rows.Scan(&m.MessageID, &m.PanelID, &m.MessageType, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan conversation message: %w", err)
		}
		if m.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse message timestamp: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendOutput(ctx context.Context, panelID, stream, data string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO panel_outputs(panel_id, stream, data, created_at)
VALUES (?, ?, ?, ?)
`, panelID, stream, data, ts(time.Now().UTC()))
	if err != nil {
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("append output: %w", err)
	}
	return nil
}

func (s *Store) ListOutputs(ctx context.Context, panelID string) ([]OutputChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT output_id, panel_id, stream, data, created_at
FROM panel_outputs WHERE panel_id = ? ORDER BY output_id
`, panelID)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var out []OutputChunk
	for rows.Next() {
		var c OutputChunk
		var created string
		if err := rows.Scan(&c.OutputID, &c.PanelID, &c.Stream, &c.Data, &created); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		if c.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse output timestamp: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneOutputs deletes all but the newest keep chunks for a panel.
func (s *Store) PruneOutputs(ctx context.Context, panelID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM panel_outputs
WHERE panel_id = ? AND output_id NOT IN (
	SELECT output_id FROM panel_outputs WHERE panel_id = ? ORDER BY output_id DESC LIMIT ?
)
`, panelID, panelID, keep)
	if err != nil {
		return fmt.Errorf("prune outputs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var completedUnviewed, archived, favorite int
	var exitCode sql.NullInt64
	var errorMessage sql.NullString
	var created, updated string
	err := row.Scan(&rec.SessionID, &rec.ProjectID, &rec.Name, &rec.WorktreePath, &rec.Branch, &rec.BaseBranch, &rec.Agent, &rec.InitialPrompt,
		&rec.Status, &completedUnviewed, &archived, &favorite, &exitCode, &errorMessage, &created, &updated)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.CompletedUnviewed = completedUnviewed != 0
	rec.Archived = archived != 0
	rec.Favorite = favorite != 0
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	rec.ErrorMessage = errorMessage.String
	if rec.CreatedAt, err = parseTS(created); err != nil {
		return SessionRecord{}, err
	}
	if rec.UpdatedAt, err = parseTS(updated); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func scanPanel(row rowScanner) (PanelRecord, error) {
	var rec PanelRecord
	var isActive int
	var stateJSON sql.NullString
	var created, updated string
	err := row.Scan(&rec.PanelID, &rec.SessionID, &rec.PanelType, &rec.Title, &isActive, &stateJSON, &created, &updated)
	if err != nil {
		return PanelRecord{}, err
	}
	rec.IsActive = isActive != 0
	rec.StateJSON = stateJSON.String
	if rec.CreatedAt, err = parseTS(created); err != nil {
		return PanelRecord{}, err
	}
	if rec.UpdatedAt, err = parseTS(updated); err != nil {
		return PanelRecord{}, err
	}
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// defaultAgent backfills the agent column for records created before the
// column existed.
func defaultAgent(agent string) string {
	if agent == "" {
		return "claude"
	}
	return agent
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "constraint failed: FOREIGN KEY")
}
