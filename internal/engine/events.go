package engine

import (
	"context"

	"switchboard/internal/domain"
	"switchboard/internal/repo"
)

// TailOptions filter TailEvents.
type TailOptions struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// TailEvents returns the newest events first. The project filter is applied only when set,
// since agent events are global.
func (e Engine) TailEvents(ctx context.Context, opts TailOptions) ([]domain.Event, error) {
	var evts []domain.Event
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		evts, err = e.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID:  opts.ProjectID,
			Type:       opts.Type,
			EntityKind: opts.EntityKind,
			EntityID:   opts.EntityID,
			Limit:      opts.Limit,
		})
		return err
	})
	return evts, err
}

// EventsAfter pages forward through the log from cursor, oldest first.
func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	var evts []domain.Event
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		evts, err = e.Repo.EventsAfter(ctx, limit, cursor)
		return err
	})
	return evts, err
}

// LatestEventID is the cursor a new subscriber starts from.
func (e Engine) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := e.guard(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.Repo.LatestEventID(ctx)
		return err
	})
	return id, err
}
