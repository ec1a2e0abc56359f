package repo

import (
	"context"
	"database/sql"
	"strings"

	"switchboard/internal/domain"
)

type MessageFilters struct {
	ProjectID string
	AgentID   string

	// BroadcastOnly narrows the result to broadcasts, for agent filters that match nobody.
	BroadcastOnly bool
	Type          string
	UnreadOnly    bool
	Limit         int
}

// MarkReadFilter selects messages by id, or every direct message to AgentID when IDs is empty.
type MarkReadFilter struct {
	ProjectID string
	IDs       []string
	AgentID   string
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	ctxRefs, err := encodeJSON(m.ContextRefs, "[]")
	if err != nil {
		return err
	}
	taskRefs, err := encodeJSON(m.TaskRefs, "[]")
	if err != nil {
		return err
	}
	meta, err := encodeJSON(m.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO messages(id,project_id,from_agent,to_agent,type,title,content,context_refs_json,task_refs_json,metadata_json,read_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.FromAgent, nullableStringPtr(m.ToAgent), m.Type, m.Title, m.Content,
		ctxRefs, taskRefs, meta, nullableStringPtr(m.ReadAt), m.CreatedAt)
	return err
}

// QueryMessages orders by created_at desc. With an agent filter the result holds the
// messages addressed to that agent plus every broadcast.
func (r Repo) QueryMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	clauses := []string{"m.project_id=?"}
	args := []any{f.ProjectID}
	switch {
	case f.BroadcastOnly:
		clauses = append(clauses, "m.to_agent IS NULL")
	case f.AgentID != "":
		clauses = append(clauses, "(m.to_agent=? OR m.to_agent IS NULL)")
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		clauses = append(clauses, "m.type=?")
		args = append(args, f.Type)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "m.read_at IS NULL")
	}
	query := `SELECT m.id,m.project_id,m.from_agent,COALESCE(fa.name,''),m.to_agent,COALESCE(ta.name,''),m.type,m.title,m.content,
  m.context_refs_json,m.task_refs_json,m.metadata_json,m.read_at,m.created_at
FROM messages m
LEFT JOIN agents fa ON fa.id=m.from_agent
LEFT JOIN agents ta ON ta.id=m.to_agent
WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY m.created_at DESC, m.rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var to, readAt sql.NullString
		var ctxRefs, taskRefs, meta string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.FromAgent, &m.FromName, &to, &m.ToName, &m.Type, &m.Title, &m.Content,
			&ctxRefs, &taskRefs, &meta, &readAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ToAgent = stringPtr(to)
		m.ReadAt = stringPtr(readAt)
		m.ContextRefs = decodeStrings(ctxRefs)
		m.TaskRefs = decodeStrings(taskRefs)
		m.Metadata = decodeMap(meta)
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkRead stamps read_at on matching unread messages and returns how many changed.
func (r Repo) MarkRead(ctx context.Context, f MarkReadFilter, readAt string) (int64, error) {
	clauses := []string{"read_at IS NULL", "project_id=?"}
	args := []any{readAt, f.ProjectID}
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.AgentID != "" {
		clauses = append(clauses, "to_agent=?")
		args = append(args, f.AgentID)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET read_at=? WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
