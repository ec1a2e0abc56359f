package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/repo"
)

const (
	AgentRegistered   = "agent.registered"
	AgentStatusChange = "agent.status_changed"
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskConflict      = "task.conflict_resolved"
	MessageSent       = "message.sent"
	MessagesRead      = "message.read"
	SessionJoined     = "session.joined"
	SessionLeft       = "session.left"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event through q, normally the mutation's transaction.
func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, nullable(projectID), entityKind, nullable(entityID), nullable(actorID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
