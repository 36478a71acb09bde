package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/metrics"
	"github.com/jdziat/backtest-orchestrator/pkg/reaper"
	"github.com/jdziat/backtest-orchestrator/pkg/schedule"
	"github.com/jdziat/backtest-orchestrator/pkg/verification"
	"github.com/jdziat/backtest-orchestrator/pkg/watchdog"
)

// Job kinds reported by Stop.
const (
	KindCollection   = metrics.KindCollection
	KindVerification = metrics.KindVerification
)

func (p *Pipeline) registerTasks() error {
	cfg := p.Config
	daily, err := schedule.ParseCron(cfg.DailyCollectionCron)
	if err != nil {
		return err
	}
	sweep, err := schedule.ParseCron(cfg.DriftSweepCron)
	if err != nil {
		return err
	}

	p.Scheduler.Register(TaskReaper, schedule.Every(cfg.Reaper.Interval), func(ctx context.Context) error {
		_, err := p.Reap(ctx)
		return err
	})
	p.Scheduler.Register(TaskWatchdog, schedule.Every(cfg.Watchdog.Interval), func(ctx context.Context) error {
		_, err := p.Health(ctx)
		return err
	})
	p.Scheduler.Register(TaskDailyCollection, daily, func(ctx context.Context) error {
		_, err := p.DailyCollection(ctx)
		return err
	})
	p.Scheduler.Register(TaskDriftSweep, sweep, func(ctx context.Context) error {
		_, err := p.Drift.Sweep(ctx)
		return err
	})
	return nil
}

// Backfill splits a collection request into resumable sub-tasks and
// publishes them.
func (p *Pipeline) Backfill(ctx context.Context, stockCode string, days, offset int) (string, error) {
	return p.Splitter.CreateBackfillJob(ctx, stockCode, days, offset)
}

// DailyCollection creates a one-day collection job for every active target.
// A failure for one entity does not stop the others.
func (p *Pipeline) DailyCollection(ctx context.Context) ([]string, error) {
	targets, err := p.Store.ListActiveTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var (
		ids  []string
		errs []error
	)
	for _, t := range targets {
		id, err := p.Splitter.CreateDailyJob(ctx, t.StockCode, 1)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.StockCode, err))
			continue
		}
		ids = append(ids, id)
	}
	p.Logger.Info().Int("targets", len(targets)).Int("created", len(ids)).Msg("daily collection scheduled")
	return ids, errors.Join(errs...)
}

// Scan enqueues an AWO grid scan for stockCode.
func (p *Pipeline) Scan(ctx context.Context, stockCode string, validationMonths int, reason string) (string, error) {
	if validationMonths <= 0 {
		validationMonths = verification.DefaultValidationMonths
	}
	return p.Enqueuer.Enqueue(ctx, stockCode, core.VerificationAWOScan, core.VerificationParams{
		ValidationMonths: validationMonths,
		Reason:           reason,
	})
}

// Verify enqueues any verification job type.
func (p *Pipeline) Verify(ctx context.Context, stockCode string, vType core.VerificationType, params core.VerificationParams) (string, error) {
	return p.Enqueuer.Enqueue(ctx, stockCode, vType, params)
}

// Stop asks the job called id to stop. Collection jobs move to
// stop_requested and are stopped by their worker; verification jobs move to
// stopped directly. It reports which kind of job was found.
func (p *Pipeline) Stop(ctx context.Context, id string) (string, error) {
	_, err := p.Store.GetJob(ctx, id)
	switch {
	case err == nil:
		if err := p.Store.RequestStop(ctx, id); err != nil {
			return KindCollection, err
		}
		p.Logger.Info().Str("job_id", id).Msg("stop requested")
		return KindCollection, nil
	case !errors.Is(err, core.ErrJobNotFound):
		return "", err
	}

	if _, err := p.Store.GetVerificationJob(ctx, id); err != nil {
		return "", err
	}
	if err := p.Store.StopVerificationJob(ctx, id); err != nil {
		return KindVerification, err
	}
	p.Metrics.JobFinished(KindVerification, id, core.StatusStopped)
	p.Logger.Info().Str("v_job_id", id).Msg("verification job stopped")
	return KindVerification, nil
}

// Health runs one watchdog pass.
func (p *Pipeline) Health(ctx context.Context) (*watchdog.Report, error) {
	return p.Watchdog.CheckHealth(ctx)
}

// Reap runs one stale-job reaper pass.
func (p *Pipeline) Reap(ctx context.Context) (reaper.Result, error) {
	return p.Reaper.Reap(ctx)
}
