package engine

import (
	"context"
	"database/sql"
	"fmt"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/repo"
)

// WorkloadLimit is the number of open high/urgent tasks at which an agent is flagged.
const WorkloadLimit = 3

// CheckConflicts reports, without changing anything, why assigning candidate to taskID
// may be a problem.
func (e Engine) CheckConflicts(ctx context.Context, taskID string, candidate domain.AgentRef) (domain.ConflictReport, error) {
	var report domain.ConflictReport
	err := e.guard(ctx, func(ctx context.Context) error {
		agentID, err := Resolve(ctx, e.Repo, candidate, true)
		if err != nil {
			return err
		}
		t, err := e.Repo.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		report, err = checkConflicts(ctx, e.Repo, t, agentID)
		return err
	})
	return report, err
}

// checkConflicts unions the workload, dependency and availability checks.
func checkConflicts(ctx context.Context, r repo.Repo, t domain.Task, agentID string) (domain.ConflictReport, error) {
	report := domain.ConflictReport{TaskID: t.ID, AgentID: agentID, Conflicts: []domain.Conflict{}}
	agent, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return report, err
	}

	open, err := r.CountOpenHighPriority(ctx, agentID, t.ID)
	if err != nil {
		return report, err
	}
	if open >= WorkloadLimit {
		report.Conflicts = append(report.Conflicts, domain.Conflict{
			Type:       domain.ConflictWorkload,
			Severity:   domain.SeverityMedium,
			Message:    fmt.Sprintf("%s already has %d open high/urgent tasks", agent.Name, open),
			Suggestion: "assign to a less loaded agent or lower the priority of existing work",
		})
	}

	held, err := r.IncompleteDependenciesHeldBy(ctx, t.ID, agentID)
	if err != nil {
		return report, err
	}
	for _, dep := range held {
		report.Conflicts = append(report.Conflicts, domain.Conflict{
			Type:       domain.ConflictDependency,
			Severity:   domain.SeverityHigh,
			Message:    fmt.Sprintf("%s is assigned to unfinished dependency %q (%s)", agent.Name, dep.Title, dep.Status),
			Suggestion: fmt.Sprintf("complete task %s first or reassign one of the two", dep.ID),
		})
	}

	if agent.Status == domain.AgentOffline || agent.Status == domain.AgentError {
		report.Conflicts = append(report.Conflicts, domain.Conflict{
			Type:       domain.ConflictAvailability,
			Severity:   domain.SeverityHigh,
			Message:    fmt.Sprintf("%s is %s", agent.Name, agent.Status),
			Suggestion: "pick an active agent",
		})
	}
	report.HasConflict = len(report.Conflicts) > 0
	return report, nil
}

const (
	StrategyReassign = "reassign"
	StrategySplit    = "split"
	StrategyPriority = "priority"
	StrategyDefer    = "defer"
)

var Strategies = []string{StrategyReassign, StrategySplit, StrategyPriority, StrategyDefer}

// ResolveConflictOptions are parameters for applying a resolution strategy.
type ResolveConflictOptions struct {
	TaskID   string
	Strategy string
	// Params by strategy: reassign {agentId}, split {parts}, priority {priority},
	// defer {reason, until}.
	Params map[string]any
}

// ResolveConflict mutates only the task's fields and metadata according to the strategy.
func (e Engine) ResolveConflict(ctx context.Context, opts ResolveConflictOptions) (domain.Task, error) {
	if !contains(Strategies, opts.Strategy) {
		return domain.Task{}, invalid("strategy", "must be one of %v", Strategies)
	}
	var out domain.Task
	err := e.inTx(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) error {
		t, err := r.GetTask(ctx, opts.TaskID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		patch := map[string]any{
			"conflictResolution": map[string]any{"strategy": opts.Strategy, "at": now},
		}
		switch opts.Strategy {
		case StrategyReassign:
			ref, _ := opts.Params["agentId"].(string)
			if ref == "" {
				return invalid("params.agentId", "required for reassign")
			}
			id, err := Resolve(ctx, r, domain.ParseAgentRef(ref), true)
			if err != nil {
				return err
			}
			t.AssignedTo = &id
		case StrategySplit:
			patch["splitRequested"] = true
			if parts, ok := opts.Params["parts"]; ok {
				patch["splitInto"] = parts
			}
		case StrategyPriority:
			p, _ := opts.Params["priority"].(string)
			if !contains(domain.Priorities, p) {
				return invalid("params.priority", "must be one of %v", domain.Priorities)
			}
			t.Priority = p
		case StrategyDefer:
			t.Status = domain.TaskBlocked
			patch["deferred"] = true
			if reason, ok := opts.Params["reason"].(string); ok && reason != "" {
				patch["deferReason"] = reason
			}
			if until, ok := opts.Params["until"].(string); ok && until != "" {
				patch["deferUntil"] = until
			}
		}
		t.Metadata = mergeMetadata(t.Metadata, patch)
		t.UpdatedAt = now
		if err := r.UpdateTask(ctx, t); err != nil {
			return err
		}
		if out, err = r.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.TaskConflict, t.ProjectID, "task", t.ID, "", events.EventPayload{"strategy": opts.Strategy})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}
