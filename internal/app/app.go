package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/engine"
	"switchboard/internal/gateway"
	"switchboard/internal/migrate"
	"switchboard/internal/resilience"
	"switchboard/internal/server"
)

// App is the primary instance: it owns the singleton lock, the storage pool and the
// HTTP surface for the lifetime of the process.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Lock      *resilience.SingletonLock
	Breaker   *resilience.Breaker
	Readiness *resilience.Readiness
	DB        *sql.DB
	Engine    engine.Engine
	Gateway   *gateway.Gateway
	Handler   http.Handler
	Webhooks  *server.WebhookDispatcher

	closeOnce sync.Once
	closeErr  error
}

// Options tweak startup; the zero value is what `swb serve` uses.
type Options struct {
	Version string
	// Connect opens storage; defaults to db.Connect.
	Connect func(ctx context.Context, cfg db.Config) (*sql.DB, error)
}

// Start claims the singleton lock, connects storage with the startup retry policy and
// builds the handler. On error nothing is left held.
func Start(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Connect == nil {
		opts.Connect = db.Connect
	}
	lock := resilience.NewSingletonLock(cfg.LockPath(), logger)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Lock: lock}
	conn, err := a.connect(ctx, opts.Connect)
	if err != nil {
		lock.Release()
		return nil, err
	}
	a.DB = conn

	a.Breaker = resilience.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.RecoveryWindow, logger)
	a.Breaker.IsFailure = engine.IsStorageFault
	a.Readiness = &resilience.Readiness{Breaker: a.Breaker}
	a.Readiness.SetStorageConnected(true)

	a.Engine = engine.New(conn, a.Breaker, cfg.DefaultProject, logger)
	a.Gateway = gateway.New(a.Engine, logger)
	a.Handler, err = server.New(server.Config{
		Gateway:   a.Gateway,
		Readiness: a.Readiness,
		Auth:      server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, Logger: logger},
		Logger:    logger,
		Version:   opts.Version,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Webhooks = server.NewWebhookDispatcher(a.Engine, cfg.Webhooks, logger)
	return a, nil
}

func (a *App) connect(ctx context.Context, open func(context.Context, db.Config) (*sql.DB, error)) (*sql.DB, error) {
	dbCfg := db.Config{
		Path:         a.Config.StoragePath(),
		MaxOpenConns: a.Config.Storage.MaxOpenConns,
		BusyTimeout:  a.Config.Storage.BusyTimeout,
	}
	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = a.Config.Retry.Attempts
	if a.Config.Retry.BaseDelay > 0 {
		policy.BaseDelay = a.Config.Retry.BaseDelay
	}
	if a.Config.Retry.MaxDelay > 0 {
		policy.MaxDelay = a.Config.Retry.MaxDelay
	}
	var conn *sql.DB
	err := resilience.Retry(ctx, policy, a.Logger, "storage connect", func(ctx context.Context) error {
		c, err := open(ctx, dbCfg)
		if err != nil {
			return err
		}
		st, err := migrate.Migrate(ctx, c)
		if err != nil {
			c.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		if len(st.Applied) > 0 {
			a.Logger.Info("applied migrations", "from", st.From, "to", st.To, "applied", st.Applied, "path", dbCfg.Path)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connecting storage %s: %w", dbCfg.Path, err)
	}
	return conn, nil
}

// Listen binds the configured server address.
func (a *App) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.Config.Server.Addr, err)
	}
	return ln, nil
}

// Serve runs the HTTP surface and the webhook loop on ln until ctx is done, then shuts
// down gracefully. It does not close storage or release the lock; see Close.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
	hookCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.Webhooks.Run(hookCtx)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	a.Logger.Info("serving", "addr", ln.Addr().String(), "storage", a.Config.StoragePath())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	a.Logger.Info("shutting down", "timeout", timeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases storage and the singleton lock. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.Readiness != nil {
			a.Readiness.SetStorageConnected(false)
		}
		var errs []error
		if a.DB != nil {
			errs = append(errs, a.DB.Close())
		}
		if a.Lock != nil {
			errs = append(errs, a.Lock.Release())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
