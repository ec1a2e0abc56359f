package repo

import (
	"context"
	"database/sql"
	"errors"

	"switchboard/internal/domain"
)

const agentColumns = `id,name,type,capabilities_json,status,metadata_json,created_at,last_seen`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var caps, meta string
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &caps, &a.Status, &meta, &a.CreatedAt, &a.LastSeen); err != nil {
		return a, err
	}
	a.Capabilities = decodeStrings(caps)
	a.Metadata = decodeMap(meta)
	return a, nil
}

// UpsertAgent inserts a by name, or overwrites type, capabilities, metadata and
// last_seen of the existing agent with that name. Status and id are kept on conflict.
func (r Repo) UpsertAgent(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	caps, err := encodeJSON(a.Capabilities, "[]")
	if err != nil {
		return domain.Agent{}, err
	}
	meta, err := encodeJSON(a.Metadata, "{}")
	if err != nil {
		return domain.Agent{}, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET
  type=excluded.type,
  capabilities_json=excluded.capabilities_json,
  metadata_json=excluded.metadata_json,
  last_seen=excluded.last_seen`,
		a.ID, a.Name, a.Type, caps, a.Status, meta, a.CreatedAt, a.LastSeen)
	if err != nil {
		return domain.Agent{}, err
	}
	return r.GetAgentByName(ctx, a.Name)
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, notFound("agent", id)
	}
	return a, err
}

func (r Repo) GetAgentByName(ctx context.Context, name string) (domain.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name=?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return a, notFound("agent", name)
	}
	return a, err
}

// AgentIDByName returns ErrNotFound when no agent carries name.
func (r Repo) AgentIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM agents WHERE name=?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("agent", name)
	}
	return id, err
}

func (r Repo) AgentExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id=?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// UpdateAgentStatus sets status and last_seen; metadata is replaced only when non-nil.
func (r Repo) UpdateAgentStatus(ctx context.Context, id, status string, metadata map[string]any, lastSeen string) error {
	var res sql.Result
	var err error
	if metadata != nil {
		meta, encErr := encodeJSON(metadata, "{}")
		if encErr != nil {
			return encErr
		}
		res, err = r.DB.ExecContext(ctx, `UPDATE agents SET status=?, metadata_json=?, last_seen=? WHERE id=?`, status, meta, lastSeen, id)
	} else {
		res, err = r.DB.ExecContext(ctx, `UPDATE agents SET status=?, last_seen=? WHERE id=?`, status, lastSeen, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("agent", id)
	}
	return nil
}

func (r Repo) TouchAgent(ctx context.Context, id, lastSeen string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_seen=? WHERE id=?`, lastSeen, id)
	return err
}

// ListAgents orders by last_seen desc. A non-empty projectID keeps only agents with an
// open task assigned in that project or an active session there.
func (r Repo) ListAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if projectID != "" {
		query += ` WHERE id IN (
  SELECT assigned_to FROM tasks
   WHERE project_id=? AND assigned_to IS NOT NULL AND status NOT IN ('completed','cancelled')
  UNION
  SELECT agent_id FROM sessions WHERE project_id=? AND status='active')`
		args = append(args, projectID, projectID)
	}
	query += ` ORDER BY last_seen DESC, name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
