// Package pipeline runs gasrelay's background work: overdue-debt sweeps,
// reward accrual, settlement finalization, archival and notifications.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop is a long-running worker that returns when ctx ends.
type Loop func(ctx context.Context) error

// Tick is one pass of a periodic job. It returns how many items it handled.
type Tick func(ctx context.Context) (int, error)

type task struct {
	name string
	run  Loop
}

// Orchestrator runs every registered worker in one errgroup. A worker that
// fails for any reason other than shutdown cancels the rest.
type Orchestrator struct {
	tasks  []task
	logger *slog.Logger
}

func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "pipeline"))}
}

// Go registers a long-running worker.
func (o *Orchestrator) Go(name string, run Loop) {
	o.tasks = append(o.tasks, task{name: name, run: run})
}

// Every registers tick to run immediately and then every interval. Tick
// errors are logged and do not stop the loop.
func (o *Orchestrator) Every(name string, interval time.Duration, tick Tick) {
	o.Go(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := tick(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				o.logger.ErrorContext(ctx, "tick failed", slog.String("task", name), slog.String("error", err.Error()))
			case n > 0:
				o.logger.InfoContext(ctx, "tick handled items", slog.String("task", name), slog.Int("count", n))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

// Len reports how many workers are registered.
func (o *Orchestrator) Len() int { return len(o.tasks) }

// Run blocks until ctx ends or a worker fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline starting", slog.Int("workers", len(o.tasks)))

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range o.tasks {
		g.Go(func() error {
			o.logger.DebugContext(ctx, "worker started", slog.String("task", t.name))
			err := t.run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				o.logger.InfoContext(ctx, "worker finished", slog.String("task", t.name))
				return nil
			}
			return fmt.Errorf("%s: %w", t.name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.InfoContext(ctx, "pipeline stopped cleanly")
	return nil
}
