// Package reaper requeues or fails jobs stuck in running past a timeout and
// finishes stop requests whose worker is gone.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/collection"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

// Store is the persistence surface of the reaper.
type Store interface {
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]core.Job, error)
	RequeueStaleJob(ctx context.Context, jobID string, cutoff time.Time) (bool, error)
	FailStaleJob(ctx context.Context, jobID string, cutoff time.Time, msg string) (bool, error)
	StopStaleJob(ctx context.Context, jobID string, cutoff time.Time) (bool, error)
	ListStaleVerificationJobs(ctx context.Context, cutoff time.Time) ([]core.VerificationJob, error)
	RequeueStaleVerificationJob(ctx context.Context, vJobID string, cutoff time.Time) (bool, error)
	FailStaleVerificationJob(ctx context.Context, vJobID string, cutoff time.Time, msg string) (bool, error)
}

// Config holds the per-class timeouts and retry limits.
type Config struct {
	JobTimeout             time.Duration
	VerificationTimeout    time.Duration
	JobMaxRetries          int
	VerificationMaxRetries int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		JobTimeout:             60 * time.Minute,
		VerificationTimeout:    120 * time.Minute,
		JobMaxRetries:          3,
		VerificationMaxRetries: 2,
	}
}

// Result counts what one pass did.
type Result struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	Stopped  int `json:"stopped"`
	Errors   int `json:"errors"`
}

// Reaper requeues stale jobs up to their retry limit and fails the rest.
type Reaper struct {
	store     Store
	publisher broker.Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a reaper.
func New(store Store, publisher broker.Publisher, cfg Config, logger zerolog.Logger, opts ...Option) *Reaper {
	cfg.JobMaxRetries = security.ClampRetries(cfg.JobMaxRetries)
	cfg.VerificationMaxRetries = security.ClampRetries(cfg.VerificationMaxRetries)
	r := &Reaper{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "reaper").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reap runs one pass over both job classes. Only store listing failures are
// returned; per-job failures are logged and counted.
func (r *Reaper) Reap(ctx context.Context) (Result, error) {
	var res Result
	if err := r.reapJobs(ctx, &res); err != nil {
		return res, err
	}
	if err := r.reapVerificationJobs(ctx, &res); err != nil {
		return res, err
	}
	if res.Requeued+res.Failed+res.Stopped+res.Errors > 0 {
		r.logger.Info().
			Int("requeued", res.Requeued).
			Int("failed", res.Failed).
			Int("stopped", res.Stopped).
			Int("errors", res.Errors).
			Msg("reaper pass finished")
	}
	return res, nil
}

func (r *Reaper) reapJobs(ctx context.Context, res *Result) error {
	cutoff := r.now().Add(-r.cfg.JobTimeout)
	jobs, err := r.store.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stale jobs: %w", err)
	}
	for _, j := range jobs {
		log := r.logger.With().Str("job_id", j.JobID).Int("retry_count", j.RetryCount).Logger()

		if j.Status == core.StatusStopRequested {
			ok, err := r.store.StopStaleJob(ctx, j.JobID, cutoff)
			if err != nil || !ok {
				r.skip(res, err, log)
				continue
			}
			res.Stopped++
			log.Warn().Msg("stale stop request completed")
			continue
		}

		if j.RetryCount >= r.cfg.JobMaxRetries {
			msg := fmt.Sprintf("no heartbeat for %s after %d retries", r.cfg.JobTimeout, j.RetryCount)
			ok, err := r.store.FailStaleJob(ctx, j.JobID, cutoff, msg)
			r.failed(res, ok, err, log)
			continue
		}

		ok, err := r.store.RequeueStaleJob(ctx, j.JobID, cutoff)
		if err != nil || !ok {
			r.skip(res, err, log)
			continue
		}
		params, err := j.CollectionParams()
		if err == nil {
			err = collection.Publish(ctx, r.publisher, j.JobID, j.JobType, params)
		}
		if err != nil {
			res.Errors++
			log.Error().Err(err).Msg("requeued job not republished")
			continue
		}
		res.Requeued++
		log.Warn().Msg("stale job requeued")
	}
	return nil
}

func (r *Reaper) reapVerificationJobs(ctx context.Context, res *Result) error {
	cutoff := r.now().Add(-r.cfg.VerificationTimeout)
	jobs, err := r.store.ListStaleVerificationJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stale verification jobs: %w", err)
	}
	for _, v := range jobs {
		log := r.logger.With().Str("v_job_id", v.VJobID).Str("v_type", string(v.VType)).Int("retry_count", v.RetryCount).Logger()

		if v.RetryCount >= r.cfg.VerificationMaxRetries {
			msg := fmt.Sprintf("no heartbeat for %s after %d retries", r.cfg.VerificationTimeout, v.RetryCount)
			ok, err := r.store.FailStaleVerificationJob(ctx, v.VJobID, cutoff, msg)
			r.failed(res, ok, err, log)
			continue
		}

		ok, err := r.store.RequeueStaleVerificationJob(ctx, v.VJobID, cutoff)
		if err != nil || !ok {
			r.skip(res, err, log)
			continue
		}
		msg := core.VerificationMessage{VJobID: v.VJobID, StockCode: v.StockCode, VType: v.VType}
		if err := broker.PublishJSON(ctx, r.publisher, core.QueueForVerificationType(v.VType), msg); err != nil {
			res.Errors++
			log.Error().Err(err).Msg("requeued verification job not republished")
			continue
		}
		res.Requeued++
		log.Warn().Msg("stale verification job requeued")
	}
	return nil
}

// failed records the outcome of a guarded terminal failure. A false ok
// means the job moved on after it was listed.
func (r *Reaper) failed(res *Result, ok bool, err error, log zerolog.Logger) {
	if !ok || err != nil {
		r.skip(res, err, log)
		return
	}
	res.Failed++
	log.Error().Msg("stale job failed after max retries")
}

func (r *Reaper) skip(res *Result, err error, log zerolog.Logger) {
	if err != nil {
		res.Errors++
		log.Error().Err(err).Msg("reaper update failed")
		return
	}
	log.Debug().Msg("job no longer stale")
}
