package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/metrics"
	"github.com/jdziat/backtest-orchestrator/pkg/storage"
)

// Store is the job-store surface the collection worker needs.
type Store interface {
	StartJob(ctx context.Context, jobID, workerID string) (*core.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (core.JobStatus, error)
	TouchJob(ctx context.Context, jobID string) error
	UpdateSubTaskProgress(ctx context.Context, jobID, taskKey string, doneSteps int) (storage.ProgressUpdate, error)
	FailJob(ctx context.Context, jobID, msg string) error
	MarkJobStopped(ctx context.Context, jobID string) error
}

// Collector gathers one calendar day of data for an entity.
type Collector interface {
	CollectDay(ctx context.Context, stockCode string, day time.Time) error
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, stockCode string, day time.Time) error

// CollectDay calls f.
func (f CollectorFunc) CollectDay(ctx context.Context, stockCode string, day time.Time) error {
	return f(ctx, stockCode, day)
}

// TrainingTrigger starts the training stage for an entity.
type TrainingTrigger interface {
	TriggerTraining(ctx context.Context, stockCode, reason string) error
}

// Invalidator forgets cached training data of an entity.
type Invalidator interface {
	Invalidate(stockCode string) int
}

// Worker runs one sub-task per message.
type Worker struct {
	store       Store
	collector   Collector
	trigger     TrainingTrigger
	invalidator Invalidator
	sink        metrics.Sink
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics mirrors progress into sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(w *Worker) { w.sink = sink }
}

// WithInvalidator drops an entity's cached windows after every collected day.
func WithInvalidator(inv Invalidator) Option {
	return func(w *Worker) { w.invalidator = inv }
}

// WithClock replaces time.Now for day mapping.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates a collection worker.
func NewWorker(store Store, collector Collector, trigger TrainingTrigger, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:     store,
		collector: collector,
		trigger:   trigger,
		sink:      metrics.Nop{},
		logger:    logger.With().Str("component", "collection").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process runs the sub-task named by msg from its persisted resume point.
// A collector error fails the job and is returned; stop requests and
// terminal jobs end the loop with nil. The caller acknowledges the message
// whatever the outcome.
func (w *Worker) Process(ctx context.Context, msg core.CollectionMessage, workerID string) error {
	log := w.logger.With().Str("job_id", msg.JobID).Str("task_key", msg.TaskKey).Logger()

	job, err := w.store.StartJob(ctx, msg.JobID, workerID)
	if errors.Is(err, core.ErrTerminalStatus) || errors.Is(err, core.ErrJobNotFound) {
		log.Info().Err(err).Msg("discarding message for finished job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if job.Status == core.StatusStopRequested {
		return w.stop(ctx, msg.JobID, log)
	}

	params, err := job.CollectionParams()
	if err != nil {
		w.fail(ctx, msg.JobID, err.Error(), log)
		return err
	}
	task, ok := params.Tasks.Get(msg.TaskKey)
	if !ok {
		err := fmt.Errorf("%w: %s", core.ErrUnknownTaskKey, msg.TaskKey)
		w.fail(ctx, msg.JobID, err.Error(), log)
		return err
	}
	if task.Status == core.StatusCompleted {
		log.Debug().Msg("sub-task already completed")
		return nil
	}

	start := task.ResumeIndex()
	if start > 0 {
		log.Info().Int("resume_at", start).Int("days", task.Days).Msg("resuming sub-task")
	}
	if start >= task.Days {
		return w.advance(ctx, msg, params.StockCode, task.Days, log)
	}

	today := truncateDay(w.now())
	for step := start; step < task.Days; step++ {
		status, err := w.store.GetJobStatus(ctx, msg.JobID)
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		if status == core.StatusStopRequested {
			return w.stop(ctx, msg.JobID, log)
		}
		if status.IsTerminal() {
			log.Info().Str("status", string(status)).Msg("job left running state, abandoning sub-task")
			return nil
		}

		day := DayFor(today, task, step)
		if err := w.collector.CollectDay(ctx, params.StockCode, day); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.fail(ctx, msg.JobID, fmt.Sprintf("%s step %d (%s): %v", msg.TaskKey, step, day.Format(core.DateLayout), err), log)
			return core.Computation(step, err)
		}
		if w.invalidator != nil {
			w.invalidator.Invalidate(params.StockCode)
		}

		if err := w.store.TouchJob(ctx, msg.JobID); err != nil {
			log.Warn().Err(err).Msg("heartbeat failed")
		}
		if err := w.advance(ctx, msg, params.StockCode, step+1, log); err != nil {
			return err
		}
	}
	return nil
}

// advance persists doneSteps and fires the training trigger on the write that
// completed the job.
func (w *Worker) advance(ctx context.Context, msg core.CollectionMessage, stockCode string, doneSteps int, log zerolog.Logger) error {
	up, err := w.store.UpdateSubTaskProgress(ctx, msg.JobID, msg.TaskKey, doneSteps)
	if errors.Is(err, core.ErrTerminalStatus) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	w.sink.JobProgress(metrics.KindCollection, msg.JobID, stockCode, up.JobProgress)
	if !up.Completed {
		return nil
	}

	w.sink.JobFinished(metrics.KindCollection, msg.JobID, core.StatusCompleted)
	log.Info().Str("stock_code", stockCode).Msg("collection job completed")
	if w.trigger == nil {
		return nil
	}
	if err := w.trigger.TriggerTraining(ctx, stockCode, "collection_completed"); err != nil {
		log.Error().Err(err).Str("stock_code", stockCode).Msg("training trigger failed")
	}
	return nil
}

func (w *Worker) stop(ctx context.Context, jobID string, log zerolog.Logger) error {
	if err := w.store.MarkJobStopped(ctx, jobID); err != nil && !errors.Is(err, core.ErrTerminalStatus) {
		return fmt.Errorf("mark stopped: %w", err)
	}
	w.sink.JobFinished(metrics.KindCollection, jobID, core.StatusStopped)
	log.Info().Msg("job stopped by operator")
	return nil
}

func (w *Worker) fail(ctx context.Context, jobID, msg string, log zerolog.Logger) {
	log.Error().Str("error", msg).Msg("collection job failed")
	if err := w.store.FailJob(ctx, jobID, msg); err != nil && !errors.Is(err, core.ErrTerminalStatus) {
		log.Error().Err(err).Msg("could not record failure")
	}
	w.sink.JobFinished(metrics.KindCollection, jobID, core.StatusFailed)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
