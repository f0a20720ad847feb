// Package app provides the top-level application lifecycle of the gas relay.
// It wires stores, caches, chain and partner clients, services, background
// workers and the HTTP API, and starts the goroutines the configured operating
// mode needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/config"
)

// drainTimeout bounds how long shutdown waits for in-flight ledger and
// tracking work.
const drainTimeout = 15 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time
	closers   []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		startedAt: time.Now().UTC(),
	}
}

// Run wires all dependencies, selects the operating mode and blocks until the
// context is cancelled or a component fails. Before returning it drains the
// services.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	svcs := NewServices(a.cfg, deps, a.logger)
	defer a.drain(svcs)

	switch strings.ToLower(a.cfg.Mode) {
	case "api":
		return a.APIMode(ctx, deps, svcs)
	case "worker":
		return a.WorkerMode(ctx, deps, svcs)
	case "full":
		return a.FullMode(ctx, deps, svcs)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// drain waits for bridge tracking and the account queues. Positions still
// tracking when the deadline passes are picked up by Resume on next start.
func (a *App) drain(svcs *Services) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svcs.Staking.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("bridge tracking still running at shutdown")
	}

	if err := svcs.Close(ctx); err != nil {
		a.logger.Warn("draining account queues", slog.String("error", err.Error()))
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
