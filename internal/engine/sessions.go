package engine

import (
	"context"
	"database/sql"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/repo"
)

// DefaultSessionName is used when a join or leave names no session.
const DefaultSessionName = "default"

// SessionOptions identify one (agent, session, project) presence row.
type SessionOptions struct {
	Agent       domain.AgentRef
	SessionName string
	ProjectID   string
}

// JoinSession marks the session active and refreshes the agent's last_seen.
func (e Engine) JoinSession(ctx context.Context, opts SessionOptions) (domain.Session, error) {
	var s domain.Session
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		id, err := Resolve(ctx, r, opts.Agent, true)
		if err != nil {
			return err
		}
		now := e.timestamp()
		key := domain.Session{
			AgentID:      id,
			SessionName:  sessionName(opts.SessionName),
			ProjectID:    e.project(opts.ProjectID),
			StartedAt:    now,
			LastActivity: now,
		}
		if err := r.UpsertSession(ctx, key); err != nil {
			return err
		}
		if err := r.TouchAgent(ctx, id, now); err != nil {
			return err
		}
		if s, err = r.GetSession(ctx, id, key.SessionName, key.ProjectID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.SessionJoined, key.ProjectID, "session", key.SessionName, id, nil)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// LeaveSession marks the session disconnected. Leaving a session that was never joined
// is reported as not found.
func (e Engine) LeaveSession(ctx context.Context, opts SessionOptions) (domain.Session, error) {
	var s domain.Session
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		id, err := Resolve(ctx, r, opts.Agent, true)
		if err != nil {
			return err
		}
		name, project := sessionName(opts.SessionName), e.project(opts.ProjectID)
		if err := r.SetSessionStatus(ctx, id, name, project, domain.SessionDisconnected, e.timestamp()); err != nil {
			return err
		}
		if s, err = r.GetSession(ctx, id, name, project); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.SessionLeft, project, "session", name, id, nil)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// ListActiveSessions returns the project's active sessions, most recent activity first.
func (e Engine) ListActiveSessions(ctx context.Context, projectID string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = e.Repo.ListActiveSessions(ctx, e.project(projectID))
		return err
	})
	return sessions, err
}

func sessionName(name string) string {
	if name == "" {
		return DefaultSessionName
	}
	return name
}
