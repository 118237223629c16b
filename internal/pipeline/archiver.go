// Package pipeline runs the background jobs of a settlement node.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kmangutov/vordex/internal/domain"
)

// Archiver exports settled positions to cold storage on a cron schedule.
type Archiver struct {
	blobArchiver domain.Archiver
	retention    time.Duration
	clock        domain.Clock
	logger       *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// NewArchiver creates an Archiver that exports positions settled more than
// retention ago.
func NewArchiver(blobArchiver domain.Archiver, retention time.Duration, clock domain.Clock, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		retention:    retention,
		clock:        clock,
		logger:       logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.clock.Now().UTC().Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", a.retention),
	)

	n, err := a.blobArchiver.ArchiveSettled(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive settled before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	a.mu.Lock()
	a.lastRun = a.clock.Now().UTC()
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("positions_archived", n))
	return n, nil
}

// LastRun returns when the last successful run finished.
func (a *Archiver) LastRun() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRun
}

// RunCron runs the archiver on a standard 5-field cron expression (UTC)
// until ctx is cancelled. Overlapping runs are skipped.
//
// Example: "0 3 1 * *" runs at 03:00 on the 1st of every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{a.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{a.logger})),
	)
	if _, err := c.AddFunc(cronExpr, func() {
		if _, err := a.Run(ctx); err != nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("pipeline: parse cron expression %q: %w", cronExpr, err)
	}

	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("archiver cron stopped")
	return ctx.Err()
}

// ValidateCron reports whether expr is a valid 5-field cron expression.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
