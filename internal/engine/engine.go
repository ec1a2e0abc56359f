package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/repo"
	"switchboard/internal/resilience"
)

// Guard runs storage work under fault isolation. *resilience.Breaker satisfies it.
type Guard interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// Engine holds the coordination components: agent registry, identity resolution,
// task board with conflict advice, message bus and session tracking. Every call borrows
// a pooled connection for its own duration only.
type Engine struct {
	DB             *sql.DB
	Repo           repo.Repo
	Events         events.Writer
	Guard          Guard
	DefaultProject string
	Now            func() time.Time
	Logger         *slog.Logger
}

func New(db *sql.DB, guard Guard, defaultProject string, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultProject == "" {
		defaultProject = "default"
	}
	return Engine{
		DB:             db,
		Repo:           repo.Repo{DB: db},
		Guard:          guard,
		DefaultProject: defaultProject,
		Now:            time.Now,
		Logger:         logger.With("component", "engine"),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) project(projectID string) string {
	if projectID != "" {
		return projectID
	}
	return e.DefaultProject
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// guard runs a read-only unit of work.
func (e Engine) guard(ctx context.Context, fn func(context.Context) error) error {
	if e.Guard == nil {
		return fn(ctx)
	}
	return e.Guard.Do(ctx, fn)
}

// inTx runs fn in a write transaction under the guard.
func (e Engine) inTx(ctx context.Context, fn func(context.Context, repo.Repo, *sql.Tx) error) error {
	return e.guard(ctx, func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(ctx, e.Repo.WithTx(tx), tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UnresolvedAgentError reports a required agent reference that names no agent.
type UnresolvedAgentError struct {
	Ref string
}

func (e *UnresolvedAgentError) Error() string {
	return fmt.Sprintf("agent %q not found", e.Ref)
}

func (e *UnresolvedAgentError) Unwrap() error { return repo.ErrNotFound }

// InvalidInputError is a client-fixable problem with one field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &InvalidInputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsStorageFault reports whether err should count against the circuit breaker:
// not-found and invalid-input outcomes prove storage answered.
func IsStorageFault(err error) bool {
	if err == nil {
		return false
	}
	var inv *InvalidInputError
	switch {
	case errors.Is(err, repo.ErrNotFound),
		errors.As(err, &inv),
		errors.Is(err, context.Canceled),
		errors.Is(err, resilience.ErrCircuitOpen):
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// dedupe keeps the first occurrence of each non-empty value.
func dedupe(values []string) []string {
	res := make([]string, 0, len(values))
	seen := map[string]bool{}
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		res = append(res, v)
	}
	return res
}
