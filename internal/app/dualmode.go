package app

import (
	"context"
	"log/slog"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/mcpserver"
	"switchboard/internal/proxy"
	"switchboard/internal/resilience"
	"switchboard/internal/server"
)

type Mode string

const (
	ModeProxy   Mode = "proxy"
	ModePrimary Mode = "primary"
)

// proxyTokenTTL bounds each bearer token a proxy mints for itself from the shared
// secret; a new one is minted proxyTokenSkew before the current one expires.
const (
	proxyTokenTTL  = 12 * time.Hour
	proxyTokenSkew = 5 * time.Minute
)

// Backend is what a stdio front end dispatches to. App is nil in proxy mode.
type Backend struct {
	Mode    Mode
	Invoker mcpserver.Invoker
	App     *App
}

// Close releases the primary's resources, if any.
func (b Backend) Close() error {
	if b.App == nil {
		return nil
	}
	return b.App.Close()
}

// SelectBackend probes the configured peer. A live peer yields a forwarding backend;
// otherwise this process starts as the primary. A nil probe uses HTTPProbe.
func SelectBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, probe resilience.LivenessProbe, opts Options) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	peer := cfg.PeerURL()
	if probe == nil {
		probe = resilience.NewHTTPProbe(peer, cfg.Proxy.ProbeTimeout)
	}
	probeErr := probe.Alive(ctx)
	if probeErr == nil {
		client := NewClient(cfg, time.Now)
		logger.Info("peer is alive, forwarding tool calls", "peer", peer)
		return Backend{Mode: ModeProxy, Invoker: proxy.NewForwarder(client, probe, logger)}, nil
	}
	logger.Info("no live peer, starting as primary", "peer", peer, "probe_err", probeErr)
	a, err := Start(ctx, cfg, logger, opts)
	if err != nil {
		return Backend{}, err
	}
	return Backend{Mode: ModePrimary, Invoker: a.Gateway, App: a}, nil
}

// NewClient builds a client for the configured peer. With a JWT secret configured it
// mints its own bearer tokens on the now clock and renews them before they expire.
func NewClient(cfg *config.Config, now func() time.Time) *proxy.Client {
	client := proxy.New(cfg.PeerURL())
	if cfg.Proxy.CallTimeout > 0 {
		client.Timeout = cfg.Proxy.CallTimeout
	}
	if secret := cfg.Auth.JWTSecret; secret != "" {
		client.Tokens = proxy.NewRefreshingToken(func(at time.Time) (string, time.Time, error) {
			token, err := server.IssueToken(secret, "swb", proxyTokenTTL, at)
			return token, at.Add(proxyTokenTTL), err
		}, proxyTokenSkew, now)
	}
	return client
}
