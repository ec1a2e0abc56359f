package engine

import (
	"context"
	"database/sql"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/repo"
)

// SendMessageOptions are parameters for sending a message.
type SendMessageOptions struct {
	ProjectID   string
	From        domain.AgentRef
	To          domain.AgentRef
	Type        string
	Title       string
	Content     string
	ContextRefs []string
	TaskRefs    []string
	Metadata    map[string]any
}

// SendMessage requires a resolvable sender. A recipient that does not resolve turns the
// message into a broadcast rather than dropping it.
func (e Engine) SendMessage(ctx context.Context, opts SendMessageOptions) (domain.Message, error) {
	if opts.Content == "" {
		return domain.Message{}, invalid("content", "required")
	}
	if opts.Type == "" {
		opts.Type = "info"
	}
	m := domain.Message{
		ID:          domain.NewID(),
		ProjectID:   e.project(opts.ProjectID),
		Type:        opts.Type,
		Title:       opts.Title,
		Content:     opts.Content,
		ContextRefs: nonNil(opts.ContextRefs),
		TaskRefs:    nonNil(opts.TaskRefs),
		Metadata:    opts.Metadata,
		CreatedAt:   e.timestamp(),
	}
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		from, err := Resolve(ctx, r, opts.From, true)
		if err != nil {
			return err
		}
		to, err := Resolve(ctx, r, opts.To, false)
		if err != nil {
			return err
		}
		if !opts.To.IsZero() && to == "" {
			e.Logger.Warn("recipient did not resolve; delivering as broadcast", "to", opts.To.Value(), "project", m.ProjectID)
		}
		m.FromAgent = from
		m.ToAgent = optionalString(to)
		if m.FromName, err = agentName(ctx, r, from); err != nil {
			return err
		}
		if m.ToName, err = agentName(ctx, r, to); err != nil {
			return err
		}
		if err := r.InsertMessage(ctx, m); err != nil {
			return err
		}
		if err := r.TouchAgent(ctx, from, m.CreatedAt); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.MessageSent, m.ProjectID, "message", m.ID, from, events.EventPayload{
			"to":   to,
			"type": m.Type,
		})
	})
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// MessageQueryOptions filter QueryMessages.
type MessageQueryOptions struct {
	ProjectID  string
	Agent      domain.AgentRef
	Type       string
	UnreadOnly bool
	Limit      int
}

// QueryMessages returns newest first. Broadcasts are always included; an agent filter
// adds that agent's direct messages, and one naming no agent leaves broadcasts only.
func (e Engine) QueryMessages(ctx context.Context, opts MessageQueryOptions) ([]domain.Message, error) {
	var msgs []domain.Message
	err := e.guard(ctx, func(ctx context.Context) error {
		f := repo.MessageFilters{
			ProjectID:  e.project(opts.ProjectID),
			Type:       opts.Type,
			UnreadOnly: opts.UnreadOnly,
			Limit:      opts.Limit,
		}
		if !opts.Agent.IsZero() {
			id, err := Resolve(ctx, e.Repo, opts.Agent, false)
			if err != nil {
				return err
			}
			f.AgentID = id
			f.BroadcastOnly = id == ""
		}
		var err error
		msgs, err = e.Repo.QueryMessages(ctx, f)
		return err
	})
	return msgs, err
}

// MarkReadOptions select messages to mark read: explicit ids, or every unread direct
// message of Agent. Broadcast read state is shared, so broadcasts are only marked by id.
type MarkReadOptions struct {
	ProjectID  string
	MessageIDs []string
	Agent      domain.AgentRef
}

// MarkRead returns the number of messages that changed from unread to read.
func (e Engine) MarkRead(ctx context.Context, opts MarkReadOptions) (int64, error) {
	if len(opts.MessageIDs) == 0 && opts.Agent.IsZero() {
		return 0, invalid("messageIds", "either messageIds or agentId is required")
	}
	var n int64
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		f := repo.MarkReadFilter{ProjectID: e.project(opts.ProjectID), IDs: dedupe(opts.MessageIDs)}
		actor := ""
		if !opts.Agent.IsZero() {
			id, err := Resolve(ctx, r, opts.Agent, true)
			if err != nil {
				return err
			}
			f.AgentID = id
			actor = id
		}
		var err error
		if n, err = r.MarkRead(ctx, f, e.timestamp()); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return e.events().Append(ctx, tx, events.MessagesRead, f.ProjectID, "message", "", actor, events.EventPayload{"count": n})
	})
	return n, err
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func agentName(ctx context.Context, r repo.Repo, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	a, err := r.GetAgent(ctx, id)
	return a.Name, err
}
