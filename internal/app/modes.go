package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/gasrelay/internal/pipeline"
	"github.com/alanyoungcy/gasrelay/internal/server"
	"github.com/alanyoungcy/gasrelay/internal/server/handler"
	"github.com/alanyoungcy/gasrelay/internal/server/ws"
)

const (
	sweepBatch     = 100
	wsReplay       = 50
	shutdownWait   = 5 * time.Second
	bridgeRecovery = 5 * time.Minute
)

// APIMode serves the HTTP and WebSocket API. Bridge tracking interrupted by a
// restart is resumed here because the coordinator lives with the API.
func (a *App) APIMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	recovery := pipeline.NewOrchestrator(a.logger)
	a.addBridgeRecovery(recovery, svcs)
	g.Go(func() error {
		return recovery.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, svcs, nil)
	return ignoreCanceled(g.Wait())
}

// WorkerMode runs the background pipeline only: overdue sweeps, reward
// accrual, auto-finalization, archival and notifications.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	orch, _ := a.newPipeline(deps, svcs)
	return ignoreCanceled(orch.Run(ctx))
}

// FullMode runs the API and the pipeline in one process. The operator
// archive endpoint can trigger the archiver only here.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	orch, archiveTrigger := a.newPipeline(deps, svcs)
	a.addBridgeRecovery(orch, svcs)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs, archiveTrigger)
	}

	return ignoreCanceled(g.Wait())
}

// newPipeline registers every background worker. The returned channel
// triggers an archive run; it is nil when archival is disabled.
func (a *App) newPipeline(deps *Dependencies, svcs *Services) (*pipeline.Orchestrator, chan<- struct{}) {
	orch := pipeline.NewOrchestrator(a.logger)

	orch.Every("overdue_sweep", a.cfg.Loan.OverdueScan.Duration, func(ctx context.Context) (int, error) {
		return svcs.Ledger.SweepOverdue(ctx, sweepBatch)
	})
	orch.Go("reward_accruer", svcs.Accruer.Run)
	orch.Go("auto_finalize", func(ctx context.Context) error {
		return svcs.Finalizer.Run(ctx, a.cfg.Staking.RewardPollInterval.Duration)
	})
	orch.Go("notifier", func(ctx context.Context) error {
		return deps.Notifier.Run(ctx, deps.SignalBus)
	})

	var trigger chan struct{}
	if deps.Archiver != nil {
		trigger = make(chan struct{}, 1)
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger).WithTrigger(trigger)
		orch.Go("archiver", func(ctx context.Context) error {
			return archiver.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}
	return orch, trigger
}

// addBridgeRecovery resumes unfinished bridge-and-stake positions at start
// and then periodically: stalled bridges, unstaked funds, pending refunds and
// missing discounts.
func (a *App) addBridgeRecovery(orch *pipeline.Orchestrator, svcs *Services) {
	orch.Every("bridge_recovery", bridgeRecovery, svcs.Staking.Resume)
}

// startHTTPServer builds the handlers and the WebSocket hub and starts the
// HTTP server in g. It shuts the server down when ctx is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svcs *Services,
	archiveTrigger chan<- struct{},
) {
	errs := handler.Errors{Debug: a.cfg.Server.Debug, Logger: a.logger}
	wallets := handler.Wallets{DefaultChainID: a.cfg.Chains[0].ChainID}

	admin := handler.NewAdminHandler(svcs.Ledger, svcs.Finalizer, svcs.Ledger, wallets, errs, a.cfg.Mode, a.logger)
	if archiveTrigger != nil {
		admin = admin.WithArchiveTrigger(archiveTrigger)
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Pingers, a.logger),
		Permits:    handler.NewPermitHandler(svcs.Permits, errs),
		Swaps:      handler.NewSwapHandler(svcs.Swaps, errs),
		Repayments: handler.NewRepaymentHandler(svcs.Repayments, wallets, errs),
		Staking:    handler.NewStakingHandler(svcs.Staking, svcs.Finalizer, errs),
		Accounts:   handler.NewAccountHandler(svcs.Ledger, svcs.Loans, wallets, errs),
		Admin:      admin,
	}

	hub := ws.NewHub(deps.SignalBus, deps.Journal, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
		Replay:    wsReplay,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		RateLimit:     a.cfg.Server.RateLimit,
		RateWindow:    a.cfg.Server.RateWindow.Duration,
		AuthClockSkew: a.cfg.Server.AuthClockSkew.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ignoreCanceled treats shutdown as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
