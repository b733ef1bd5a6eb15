package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/njoerd114/calendarrelay/internal/model"
)

const (
	metricRuns     = "calendarrelay.engine.runs"
	metricFailures = "calendarrelay.engine.failures"

	// DefaultFailureBackoff is the pause after a failed iteration.
	DefaultFailureBackoff = 60 * time.Second
)

// Runner performs one full sync pass.
// Implemented by [Controller].
type Runner interface {
	SyncAll(ctx context.Context) (*model.SyncRunResult, error)
}

// NewSchedule returns the cron schedule for spec, or a fixed interval when
// spec is empty.
func NewSchedule(interval time.Duration, spec string) (cron.Schedule, error) {
	if spec != "" {
		return cron.ParseStandard(spec)
	}
	return cron.Every(interval), nil
}

// Engine triggers SyncAll on a schedule. Create one with [NewEngine] and
// start it with [Engine.Run].
type Engine struct {
	runner   Runner
	schedule cron.Schedule
	backoff  time.Duration
	log      *slog.Logger
	now      func() time.Time

	cntRuns     metric.Int64Counter
	cntFailures metric.Int64Counter
}

// NewEngine creates an Engine. A non-positive backoff selects
// [DefaultFailureBackoff].
func NewEngine(runner Runner, schedule cron.Schedule, backoff time.Duration, logger *slog.Logger) *Engine {
	if backoff <= 0 {
		backoff = DefaultFailureBackoff
	}
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		runner:   runner,
		schedule: schedule,
		backoff:  backoff,
		log:      logger,
		now:      time.Now,

		cntRuns:     mustCounter(metricRuns, "Number of scheduled sync passes"),
		cntFailures: mustCounter(metricFailures, "Number of scheduled sync passes that failed"),
	}
}

// RunOnce performs a single sync pass and returns.
func (e *Engine) RunOnce(ctx context.Context) (*model.SyncRunResult, error) {
	e.cntRuns.Add(ctx, 1)
	res, err := e.runner.SyncAll(ctx)
	if err != nil {
		e.cntFailures.Add(ctx, 1)
	}
	return res, err
}

// Run waits for each scheduled time and then syncs. A failed pass is
// followed by the failure backoff before the next wait. It blocks until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("sync engine started", "next_run", e.schedule.Next(e.now()))
	for {
		now := e.now()
		if !e.sleep(ctx, e.schedule.Next(now).Sub(now)) {
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		}

		if _, err := e.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				e.log.Info("sync engine shutting down")
				return ctx.Err()
			}
			e.log.Error("scheduled sync failed", "error", err, "backoff", e.backoff)
			if !e.sleep(ctx, e.backoff) {
				e.log.Info("sync engine shutting down")
				return ctx.Err()
			}
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
