package engine

import (
	"context"
	"database/sql"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID    string
	Title        string
	Description  string
	Type         string
	Priority     string
	AssignedTo   domain.AgentRef
	CreatedBy    domain.AgentRef
	Tags         []string
	Dependencies []string
	Metadata     map[string]any
}

// TaskResult carries the task plus the advisory report for any assignment made.
type TaskResult struct {
	Task      domain.Task            `json:"task"`
	Conflicts *domain.ConflictReport `json:"conflicts,omitempty"`
}

// CreateTask stores a todo task. Assignee and creator resolve softly; an unknown
// reference leaves the field empty.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (TaskResult, error) {
	if opts.Title == "" {
		return TaskResult{}, invalid("title", "required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !contains(domain.Priorities, opts.Priority) {
		return TaskResult{}, invalid("priority", "must be one of %v", domain.Priorities)
	}
	if opts.Type == "" {
		opts.Type = "general"
	}
	now := e.timestamp()
	t := domain.Task{
		ID:           domain.NewID(),
		ProjectID:    e.project(opts.ProjectID),
		Title:        opts.Title,
		Description:  opts.Description,
		Type:         opts.Type,
		Status:       domain.TaskTodo,
		Priority:     opts.Priority,
		Tags:         dedupe(opts.Tags),
		Dependencies: dedupe(opts.Dependencies),
		Metadata:     opts.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var res TaskResult
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		assignee, err := Resolve(ctx, r, opts.AssignedTo, false)
		if err != nil {
			return err
		}
		creator, err := Resolve(ctx, r, opts.CreatedBy, false)
		if err != nil {
			return err
		}
		e.warnUnresolved("assignedTo", opts.AssignedTo, assignee)
		e.warnUnresolved("createdBy", opts.CreatedBy, creator)
		t.AssignedTo = optionalString(assignee)
		t.CreatedBy = optionalString(creator)
		if err := r.InsertTask(ctx, t); err != nil {
			return err
		}
		if assignee != "" {
			report, err := checkConflicts(ctx, r, t, assignee)
			if err != nil {
				return err
			}
			res.Conflicts = &report
			if err := r.TouchAgent(ctx, assignee, now); err != nil {
				return err
			}
		}
		if res.Task, err = r.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskCreated, t.ProjectID, "task", t.ID, creator, events.EventPayload{
			"title":       t.Title,
			"priority":    t.Priority,
			"assigned_to": assignee,
		})
	})
	if err != nil {
		return TaskResult{}, err
	}
	return res, nil
}

// TaskUpdateOptions are parameters for a task status update.
type TaskUpdateOptions struct {
	ID         string
	Status     string
	AssignedTo domain.AgentRef
	Metadata   map[string]any
}

// UpdateTaskStatus applies any status; no transition table is enforced. Entering
// in_progress stamps started_at and entering completed stamps completed_at. A resolved
// assignee is checked for conflicts and assigned inside the same transaction.
func (e Engine) UpdateTaskStatus(ctx context.Context, opts TaskUpdateOptions) (TaskResult, error) {
	if !contains(domain.TaskStatuses, opts.Status) {
		return TaskResult{}, invalid("status", "must be one of %v", domain.TaskStatuses)
	}
	var res TaskResult
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		t, err := r.GetTask(ctx, opts.ID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		prev := t.Status
		payload := events.EventPayload{"from": prev, "to": opts.Status}

		assignee, err := Resolve(ctx, r, opts.AssignedTo, false)
		if err != nil {
			return err
		}
		e.warnUnresolved("assignedTo", opts.AssignedTo, assignee)
		if assignee != "" {
			report, err := checkConflicts(ctx, r, t, assignee)
			if err != nil {
				return err
			}
			res.Conflicts = &report
			t.AssignedTo = &assignee
			payload["assigned_to"] = assignee
			if err := r.TouchAgent(ctx, assignee, now); err != nil {
				return err
			}
		}

		if opts.Status != prev {
			switch opts.Status {
			case domain.TaskInProgress:
				t.StartedAt = &now
			case domain.TaskCompleted:
				t.CompletedAt = &now
			}
		}
		t.Status = opts.Status
		t.Metadata = mergeMetadata(t.Metadata, opts.Metadata)
		t.UpdatedAt = now
		if err := r.UpdateTask(ctx, t); err != nil {
			return err
		}
		if res.Task, err = r.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskUpdated, t.ProjectID, "task", t.ID, assignee, payload)
	})
	if err != nil {
		return TaskResult{}, err
	}
	return res, nil
}

// TaskListOptions filter ListTasks.
type TaskListOptions struct {
	ProjectID  string
	AssignedTo domain.AgentRef
	Status     string
	Type       string
	Limit      int
}

// ListTasks orders by priority desc then created_at desc. An assignee filter naming
// no agent matches nothing.
func (e Engine) ListTasks(ctx context.Context, opts TaskListOptions) ([]domain.Task, error) {
	if opts.Status != "" && !contains(domain.TaskStatuses, opts.Status) {
		return nil, invalid("status", "must be one of %v", domain.TaskStatuses)
	}
	var tasks []domain.Task
	err := e.guard(ctx, func(ctx context.Context) error {
		f := repo.TaskFilters{
			ProjectID: e.project(opts.ProjectID),
			Status:    opts.Status,
			Type:      opts.Type,
			Limit:     opts.Limit,
		}
		if !opts.AssignedTo.IsZero() {
			id, err := Resolve(ctx, e.Repo, opts.AssignedTo, false)
			if err != nil {
				return err
			}
			if id == "" {
				tasks = []domain.Task{}
				return nil
			}
			f.AssignedTo = id
		}
		var err error
		tasks, err = e.Repo.ListTasks(ctx, f)
		return err
	})
	return tasks, err
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		t, err = e.Repo.GetTask(ctx, id)
		return err
	})
	return t, err
}

func (e Engine) warnUnresolved(field string, ref domain.AgentRef, resolved string) {
	if !ref.IsZero() && resolved == "" {
		e.Logger.Warn("agent reference did not resolve; field left empty", "field", field, "ref", ref.Value())
	}
}

// mergeMetadata overlays patch onto base key by key; a nil value deletes the key.
func mergeMetadata(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
