package engine

import (
	"context"
	"errors"

	"switchboard/internal/domain"
	"switchboard/internal/repo"
)

// Resolve maps ref to the canonical agent id. An unresolved reference fails with
// *UnresolvedAgentError when required and yields "" otherwise. Storage errors always
// propagate.
func Resolve(ctx context.Context, r repo.Repo, ref domain.AgentRef, required bool) (string, error) {
	id, err := lookup(ctx, r, ref)
	if errors.Is(err, repo.ErrNotFound) {
		if required {
			return "", &UnresolvedAgentError{Ref: ref.Value()}
		}
		return "", nil
	}
	return id, err
}

func lookup(ctx context.Context, r repo.Repo, ref domain.AgentRef) (string, error) {
	switch {
	case ref.IsZero():
		return "", repo.ErrNotFound
	case ref.IsID():
		ok, err := r.AgentExists(ctx, ref.Value())
		if err != nil {
			return "", err
		}
		if ok {
			return ref.Value(), nil
		}
		// An agent may have registered a UUID-shaped name.
		return r.AgentIDByName(ctx, ref.Value())
	default:
		return r.AgentIDByName(ctx, ref.Value())
	}
}

// ResolveAgent is Resolve against the engine's storage under the guard.
func (e Engine) ResolveAgent(ctx context.Context, ref domain.AgentRef, required bool) (string, error) {
	var id string
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		id, err = Resolve(ctx, e.Repo, ref, required)
		return err
	})
	return id, err
}
