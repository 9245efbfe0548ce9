package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"panopticon/internal/domain"
)

// Repo is the durable sqlite side of the service. The in-memory store is
// authoritative for live sessions; rows here back history, replays, the
// event journal and API keys.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SaveSession writes the session row and replaces its task rows in one
// transaction. Saving the same snapshot twice is a no-op.
func (r Repo) SaveSession(ctx context.Context, s domain.Session) error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("id required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var completedAt any
	if s.CompletedAt != nil {
		completedAt = formatTime(*s.CompletedAt)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(id,owner_id,prompt,agent_count,status,end_reason,whiteboard,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, end_reason=excluded.end_reason, whiteboard=excluded.whiteboard, agent_count=excluded.agent_count, completed_at=excluded.completed_at`,
		s.ID, nullable(s.OwnerID), s.Prompt, s.AgentCount, string(s.Status), nullable(string(s.EndReason)), s.Whiteboard, formatTime(s.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id=?`, s.ID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	for i, t := range s.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,session_id,position,description,status,assigned_to,result,retries) VALUES (?,?,?,?,?,?,?,?)`,
			t.ID, s.ID, i, t.Description, string(t.Status), nullableStringPtr(t.AssignedTo), nullable(t.Result), t.Retries); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.SessionSummary, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(owner_id,''),prompt,agent_count,status,COALESCE(end_reason,''),created_at,completed_at FROM sessions WHERE id=?`, id)
	s, err := scanSession(row)
	if err != nil {
		return s, err
	}
	s.Tasks, err = r.ListTasks(ctx, s.ID)
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.SessionSummary, error) {
	var s domain.SessionSummary
	var status, endReason string
	var completedAt sql.NullString
	err := row.Scan(&s.ID, &s.OwnerID, &s.Prompt, &s.AgentCount, &status, &endReason, &s.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Status = domain.SessionStatus(status)
	s.EndReason = domain.EndReason(endReason)
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

type SessionFilters struct {
	OwnerID         string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListSessions returns sessions newest first, each with its tasks.
func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.SessionSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,COALESCE(owner_id,''),prompt,agent_count,status,COALESCE(end_reason,''),created_at,completed_at FROM sessions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.SessionSummary
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		tasks, err := r.ListTasks(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Tasks = tasks
	}
	return res, nil
}

func (r Repo) ListTasks(ctx context.Context, sessionID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,description,status,assigned_to,COALESCE(result,''),retries FROM tasks WHERE session_id=? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		var t domain.Task
		var status string
		var assigned sql.NullString
		if err := rows.Scan(&t.ID, &t.Description, &status, &assigned, &t.Result, &t.Retries); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		if assigned.Valid {
			t.AssignedTo = &assigned.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpsertReplay records the manifest for (session, agent). The last write wins.
func (r Repo) UpsertReplay(ctx context.Context, tx *sql.Tx, rp domain.Replay) error {
	if rp.SessionID == "" || rp.AgentID == "" {
		return errors.New("session_id and agent_id required")
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = time.Now()
	}
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO replays(session_id,agent_id,manifest_url,frame_count,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(session_id, agent_id) DO UPDATE SET manifest_url=excluded.manifest_url, frame_count=excluded.frame_count, created_at=excluded.created_at`,
		rp.SessionID, rp.AgentID, rp.ManifestURL, rp.FrameCount, formatTime(rp.CreatedAt))
	return err
}

func (r Repo) GetReplay(ctx context.Context, sessionID, agentID string) (domain.Replay, error) {
	var rp domain.Replay
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,agent_id,manifest_url,frame_count,created_at FROM replays WHERE session_id=? AND agent_id=?`, sessionID, agentID).
		Scan(&rp.SessionID, &rp.AgentID, &rp.ManifestURL, &rp.FrameCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return rp, ErrNotFound
	}
	if err != nil {
		return rp, err
	}
	rp.CreatedAt, _ = time.Parse(timeLayout, created)
	return rp, nil
}

func (r Repo) ListReplays(ctx context.Context, sessionID string) ([]domain.Replay, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,agent_id,manifest_url,frame_count,created_at FROM replays WHERE session_id=? ORDER BY created_at ASC, agent_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Replay
	for rows.Next() {
		var rp domain.Replay
		var created string
		if err := rows.Scan(&rp.SessionID, &rp.AgentID, &rp.ManifestURL, &rp.FrameCount, &created); err != nil {
			return nil, err
		}
		rp.CreatedAt, _ = time.Parse(timeLayout, created)
		res = append(res, rp)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, sessionID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, sessionID, evtType)
}

// LatestEventsFrom pages backwards through the journal from cursor.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, sessionID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally for one session.
func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
