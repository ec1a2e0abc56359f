package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"switchboard/internal/engine"
	"switchboard/internal/repo"
	"switchboard/internal/resilience"
)

// Kind tags a failed call for callers; internal diagnostics never travel with it.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindUnavailable     Kind = "unavailable"
	KindStorage         Kind = "storage"
	KindInternal        Kind = "internal"
)

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every field that failed validation for one call.
type ValidationError struct {
	Op     string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Op, strings.Join(parts, "; "))
}

// UnknownOperationError is returned for an op name outside the catalog.
type UnknownOperationError struct {
	Op    string
	Known []string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q (known: %s)", e.Op, strings.Join(e.Known, ", "))
}

// Gateway is the single entry point for tool calls.
type Gateway struct {
	Engine engine.Engine
	Logger *slog.Logger

	ops map[string]Operation
}

func New(e engine.Engine, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	ops := map[string]Operation{}
	for _, op := range Catalog() {
		ops[op.Name] = op
	}
	return &Gateway{Engine: e, Logger: logger.With("component", "gateway"), ops: ops}
}

// Operations returns the catalog in name order.
func (g *Gateway) Operations() []Operation {
	res := make([]Operation, 0, len(g.ops))
	for _, op := range g.ops {
		res = append(res, op)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// Dispatch validates args against the operation's declared shape and, only if they
// pass, runs it. args may be empty for operations without required fields.
func (g *Gateway) Dispatch(ctx context.Context, op string, args []byte) (any, error) {
	def, ok := g.ops[op]
	if !ok {
		return nil, &UnknownOperationError{Op: op, Known: g.names()}
	}
	res, err := def.handle(ctx, g.Engine, args)
	if err != nil {
		g.logFailure(op, err)
		return nil, err
	}
	return res, nil
}

func (g *Gateway) names() []string {
	names := make([]string, 0, len(g.ops))
	for name := range g.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) logFailure(op string, err error) {
	switch KindOf(err) {
	case KindStorage, KindInternal:
		g.Logger.Error("tool call failed", "op", op, "err", err)
	case KindUnavailable:
		g.Logger.Warn("tool call rejected", "op", op, "err", err)
	default:
		g.Logger.Debug("tool call refused", "op", op, "err", err)
	}
}

// KindOf classifies err for the caller.
func KindOf(err error) Kind {
	var (
		verr   *ValidationError
		inv    *engine.InvalidInputError
		unk    *UnknownOperationError
		remote interface{ ErrorKind() string }
	)
	switch {
	case errors.As(err, &remote):
		return Kind(remote.ErrorKind())
	case errors.As(err, &verr), errors.As(err, &inv):
		return KindInvalidArgument
	case errors.As(err, &unk), errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrUnreachable):
		return KindUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindInternal
	case engine.IsStorageFault(err):
		return KindStorage
	default:
		return KindInternal
	}
}

// PublicMessage is the caller-facing text for err. Storage and internal failures are
// reduced to their kind.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindStorage:
		return "storage error"
	case KindInternal:
		return "internal error"
	case KindUnavailable:
		if errors.Is(err, resilience.ErrUnreachable) {
			return err.Error()
		}
		return "storage temporarily unavailable"
	default:
		return err.Error()
	}
}

// Details returns structured diagnostics safe to hand back to the caller.
func Details(err error) map[string]any {
	var remote interface{ ErrorDetails() map[string]any }
	if errors.As(err, &remote) {
		return remote.ErrorDetails()
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return map[string]any{"fields": verr.Fields}
	}
	var inv *engine.InvalidInputError
	if errors.As(err, &inv) {
		return map[string]any{"fields": []FieldError{{Field: inv.Field, Reason: inv.Reason}}}
	}
	var unk *UnknownOperationError
	if errors.As(err, &unk) {
		return map[string]any{"known": unk.Known}
	}
	return nil
}
