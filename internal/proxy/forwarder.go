package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"switchboard/internal/resilience"
)

// ErrPeerUnavailable is returned for a call the peer could not be reached for.
var ErrPeerUnavailable = fmt.Errorf("peer unavailable: %w", resilience.ErrUnreachable)

// Forwarder relays tool calls to the instance that owns storage. The peer is probed
// before every call; a failed probe fails that call only.
type Forwarder struct {
	Client *Client
	Probe  resilience.LivenessProbe
	Logger *slog.Logger
}

func NewForwarder(client *Client, probe resilience.LivenessProbe, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{Client: client, Probe: probe, Logger: logger.With("component", "proxy", "peer", client.BaseURL)}
}

// Dispatch forwards one call and returns the peer's result as raw JSON.
func (f *Forwarder) Dispatch(ctx context.Context, op string, args []byte) (any, error) {
	if err := f.Probe.Alive(ctx); err != nil {
		f.Logger.Warn("peer failed liveness probe", "op", op, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrPeerUnavailable, err)
	}
	res, err := f.Client.Call(ctx, op, json.RawMessage(args))
	var (
		toolErr *ToolError
		apiErr  *APIError
	)
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &toolErr), errors.As(err, &apiErr):
		return nil, err
	default:
		f.Logger.Warn("forwarded call failed", "op", op, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
}
