package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Job is a long-running background loop.
type Job interface {
	Run(ctx context.Context) error
}

// Orchestrator runs the archive schedule and any extra jobs (such as the
// oracle poller) until the context is cancelled.
type Orchestrator struct {
	archiver    *Archiver
	archiveCron string
	jobs        map[string]Job
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archiver may be nil.
func NewOrchestrator(archiver *Archiver, archiveCron string, jobs map[string]Job, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		archiver:    archiver,
		archiveCron: archiveCron,
		jobs:        jobs,
		logger:      logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts every job in an errgroup. A job returning a non-context error
// cancels the others and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.String("archive_cron", o.archiveCron),
		slog.Int("jobs", len(o.jobs)),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	for name, job := range o.jobs {
		g.Go(func() error {
			o.logger.Info("starting job", slog.String("job", name))
			err := job.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
