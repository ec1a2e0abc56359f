package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"switchboard/internal/domain"
)

const taskColumns = `id,project_id,title,description,type,status,priority,assigned_to,created_by,tags_json,metadata_json,created_at,updated_at,started_at,completed_at`

const priorityOrder = `CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

type TaskFilters struct {
	ProjectID  string
	AssignedTo string
	Status     string
	Type       string
	Limit      int
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var assigned, createdBy, started, completed sql.NullString
	var tags, meta string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority,
		&assigned, &createdBy, &tags, &meta, &t.CreatedAt, &t.UpdatedAt, &started, &completed); err != nil {
		return t, err
	}
	t.AssignedTo = stringPtr(assigned)
	t.CreatedBy = stringPtr(createdBy)
	t.StartedAt = stringPtr(started)
	t.CompletedAt = stringPtr(completed)
	t.Tags = decodeStrings(tags)
	t.Metadata = decodeMap(meta)
	t.Dependencies = []string{}
	return t, nil
}

// InsertTask stores t together with its dependency edges.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	tags, err := encodeJSON(t.Tags, "[]")
	if err != nil {
		return err
	}
	meta, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Type, t.Status, t.Priority,
		nullableStringPtr(t.AssignedTo), nullableStringPtr(t.CreatedBy), tags, meta,
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	if err != nil {
		return err
	}
	return r.AddDependencies(ctx, t.ID, t.Dependencies)
}

// UpdateTask rewrites the mutable columns of t.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	meta, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, priority=?, assigned_to=?, metadata_json=?, updated_at=?, started_at=?, completed_at=? WHERE id=?`,
		t.Status, t.Priority, nullableStringPtr(t.AssignedTo), meta, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("task", t.ID)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, notFound("task", id)
	}
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependencies(ctx, id)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	return t, nil
}

// ListTasks orders by priority desc, then created_at desc.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY ` + priorityOrder + ` DESC, created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	index := map[string]int{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		index[t.ID] = len(res)
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return res, nil
	}
	ids := make([]any, 0, len(res))
	for _, t := range res {
		ids = append(ids, t.ID)
	}
	depRows, err := r.DB.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_deps WHERE task_id IN (`+placeholders(len(ids))+`) ORDER BY depends_on_id`, ids...)
	if err != nil {
		return nil, err
	}
	defer depRows.Close()
	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return nil, err
		}
		i := index[taskID]
		res[i].Dependencies = append(res[i].Dependencies, dep)
	}
	return res, depRows.Err()
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM task_deps WHERE task_id=? ORDER BY depends_on_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deps := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

// CountOpenHighPriority counts open high/urgent tasks assigned to agentID, ignoring excludeTaskID.
func (r Repo) CountOpenHighPriority(ctx context.Context, agentID, excludeTaskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks
WHERE assigned_to=? AND id<>? AND priority IN ('high','urgent') AND status NOT IN ('completed','cancelled')`,
		agentID, excludeTaskID).Scan(&n)
	return n, err
}

// IncompleteDependenciesHeldBy returns the dependencies of taskID that agentID is
// assigned to and that are not completed.
func (r Repo) IncompleteDependenciesHeldBy(ctx context.Context, taskID, agentID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefixed("t.", taskColumns)+` FROM task_deps d
JOIN tasks t ON t.id=d.depends_on_id
WHERE d.task_id=? AND t.assigned_to=? AND t.status<>'completed'
ORDER BY t.created_at`, taskID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ",")
}
