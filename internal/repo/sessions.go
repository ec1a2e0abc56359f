package repo

import (
	"context"
	"database/sql"

	"switchboard/internal/domain"
)

// UpsertSession marks the (agent, session, project) row active. A row coming back from
// disconnected gets a fresh started_at.
func (r Repo) UpsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(agent_id,session_name,project_id,status,started_at,last_activity)
VALUES (?,?,?,'active',?,?)
ON CONFLICT(agent_id,session_name,project_id) DO UPDATE SET
  status='active',
  started_at=CASE WHEN sessions.status='disconnected' THEN excluded.started_at ELSE sessions.started_at END,
  last_activity=excluded.last_activity`,
		s.AgentID, s.SessionName, s.ProjectID, s.StartedAt, s.LastActivity)
	return err
}

// SetSessionStatus returns ErrNotFound when no such session exists.
func (r Repo) SetSessionStatus(ctx context.Context, agentID, sessionName, projectID, status, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET status=?, last_activity=? WHERE agent_id=? AND session_name=? AND project_id=?`,
		status, ts, agentID, sessionName, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("session", sessionName)
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, agentID, sessionName, projectID string) (domain.Session, error) {
	rows, err := r.querySessions(ctx, `WHERE s.agent_id=? AND s.session_name=? AND s.project_id=?`, agentID, sessionName, projectID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(rows) == 0 {
		return domain.Session{}, notFound("session", sessionName)
	}
	return rows[0], nil
}

// ListActiveSessions orders by last_activity desc.
func (r Repo) ListActiveSessions(ctx context.Context, projectID string) ([]domain.Session, error) {
	return r.querySessions(ctx, `WHERE s.project_id=? AND s.status='active'`, projectID)
}

func (r Repo) querySessions(ctx context.Context, where string, args ...any) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.agent_id,a.name,a.status,s.session_name,s.project_id,s.status,s.started_at,s.last_activity
FROM sessions s JOIN agents a ON a.id=s.agent_id `+where+`
ORDER BY s.last_activity DESC, a.name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Session{}
	for rows.Next() {
		var s domain.Session
		var name, status sql.NullString
		if err := rows.Scan(&s.AgentID, &name, &status, &s.SessionName, &s.ProjectID, &s.Status, &s.StartedAt, &s.LastActivity); err != nil {
			return nil, err
		}
		s.AgentName = name.String
		s.AgentStatus = status.String
		res = append(res, s)
	}
	return res, rows.Err()
}
