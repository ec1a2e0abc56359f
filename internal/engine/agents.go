package engine

import (
	"context"
	"database/sql"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/repo"
)

// RegisterAgentOptions are parameters for registering an agent.
type RegisterAgentOptions struct {
	Name         string
	Type         string
	Capabilities []string
	Metadata     map[string]any
}

// RegisterAgent upserts by name. New agents start active; an existing agent keeps its
// id and status and has type, capabilities and metadata overwritten.
func (e Engine) RegisterAgent(ctx context.Context, opts RegisterAgentOptions) (domain.Agent, error) {
	if opts.Name == "" {
		return domain.Agent{}, invalid("name", "required")
	}
	if opts.Type == "" {
		opts.Type = "general"
	}
	now := e.timestamp()
	candidate := domain.Agent{
		ID:           domain.NewID(),
		Name:         opts.Name,
		Type:         opts.Type,
		Capabilities: dedupe(opts.Capabilities),
		Status:       domain.AgentActive,
		Metadata:     opts.Metadata,
		CreatedAt:    now,
		LastSeen:     now,
	}
	var saved domain.Agent
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		var err error
		saved, err = r.UpsertAgent(ctx, candidate)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.AgentRegistered, "", "agent", saved.ID, saved.ID, events.EventPayload{
			"name":    saved.Name,
			"created": saved.ID == candidate.ID,
		})
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return saved, nil
}

// AgentStatusOptions are parameters for an agent status change.
type AgentStatusOptions struct {
	Agent    domain.AgentRef
	Status   string
	Metadata map[string]any
}

// UpdateAgentStatus sets status and refreshes last_seen; metadata is replaced only when given.
func (e Engine) UpdateAgentStatus(ctx context.Context, opts AgentStatusOptions) (domain.Agent, error) {
	if !contains(domain.AgentStatuses, opts.Status) {
		return domain.Agent{}, invalid("status", "must be one of %v", domain.AgentStatuses)
	}
	var updated domain.Agent
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		id, err := Resolve(ctx, r, opts.Agent, true)
		if err != nil {
			return err
		}
		before, err := r.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if err := r.UpdateAgentStatus(ctx, id, opts.Status, opts.Metadata, e.timestamp()); err != nil {
			return err
		}
		if updated, err = r.GetAgent(ctx, id); err != nil {
			return err
		}
		if before.Status == updated.Status {
			return nil
		}
		return e.events().Append(ctx, tx, events.AgentStatusChange, "", "agent", id, id, events.EventPayload{
			"from": before.Status,
			"to":   updated.Status,
		})
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return updated, nil
}

// ListAgents orders by last_seen desc. With a project, only agents holding an open task
// or an active session there are returned.
func (e Engine) ListAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	var agents []domain.Agent
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		agents, err = e.Repo.ListAgents(ctx, projectID)
		return err
	})
	return agents, err
}

// GetAgent resolves ref and loads the agent.
func (e Engine) GetAgent(ctx context.Context, ref domain.AgentRef) (domain.Agent, error) {
	var a domain.Agent
	err := e.guard(ctx, func(ctx context.Context) error {
		id, err := Resolve(ctx, e.Repo, ref, true)
		if err != nil {
			return err
		}
		a, err = e.Repo.GetAgent(ctx, id)
		return err
	})
	return a, err
}
