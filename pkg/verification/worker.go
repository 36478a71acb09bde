package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/backtest-orchestrator/pkg/awo"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/drift"
	"github.com/jdziat/backtest-orchestrator/pkg/metrics"
	"github.com/jdziat/backtest-orchestrator/pkg/validator"
)

// Store is the persistence surface of the verification worker.
type Store interface {
	StartVerificationJob(ctx context.Context, vJobID, workerID string) (*core.VerificationJob, error)
	UpdateVerificationProgress(ctx context.Context, vJobID string, progress float64) error
	CompleteVerificationJob(ctx context.Context, vJobID string, summary []byte) error
	FailVerificationJob(ctx context.Context, vJobID, errMsg string) error
	GetDailyTarget(ctx context.Context, stockCode string) (*core.DailyTarget, error)
	GetActiveVersion(ctx context.Context, stockCode, source string) (*core.ModelVersionMeta, error)
}

// Scanner runs AWO scans.
type Scanner interface {
	RunExhaustiveScan(ctx context.Context, stockCode string, validationMonths int, jobID string) (*awo.Summary, error)
}

// Validator runs walk-forward validations.
type Validator interface {
	RunValidation(ctx context.Context, req validator.Request) (*validator.Result, error)
}

// DriftChecker checks an entity for drift after a production update.
type DriftChecker interface {
	Check(ctx context.Context, stockCode string) (*drift.Result, error)
}

// CheckSummary is the result summary of a WF_CHECK or DAILY_UPDATE job.
type CheckSummary struct {
	StockCode    string        `json:"stock_code"`
	Start        string        `json:"start"`
	End          string        `json:"end"`
	WindowMonths int           `json:"window_months"`
	Alpha        float64       `json:"alpha"`
	Cadence      string        `json:"retrain_frequency"`
	HitRate      float64       `json:"hit_rate"`
	MAE          float64       `json:"mae"`
	TotalDays    int           `json:"total_days"`
	Skipped      int           `json:"skipped"`
	Predictions  int           `json:"predictions,omitempty"`
	ModelVersion string        `json:"model_version,omitempty"`
	Drift        *drift.Result `json:"drift,omitempty"`
	DriftError   string        `json:"drift_error,omitempty"`
}

// Worker runs one verification job per message.
type Worker struct {
	store       Store
	scanner     Scanner
	validator   Validator
	drift       DriftChecker
	sink        metrics.Sink
	logger      zerolog.Logger
	now         func() time.Time
	modelSource string
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics mirrors progress into sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(w *Worker) { w.sink = sink }
}

// WithClock replaces time.Now for daily updates.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithModelSource sets the lineage source daily updates predict with.
func WithModelSource(source string) Option {
	return func(w *Worker) { w.modelSource = source }
}

// NewWorker creates a verification worker. A nil drift checker skips the
// post-update drift check.
func NewWorker(store Store, scanner Scanner, v Validator, dc DriftChecker, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:       store,
		scanner:     scanner,
		validator:   v,
		drift:       dc,
		sink:        metrics.Nop{},
		logger:      logger.With().Str("component", "verification").Logger(),
		now:         time.Now,
		modelSource: awo.DefaultModelSource,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// errStopped marks a run cut short by a stop request.
var errStopped = errors.New("stopped")

// Process runs the job named by msg. Messages for finished or unknown jobs
// are discarded with nil. A failed run marks the job failed and returns the
// error; the caller acknowledges the message whatever the outcome.
func (w *Worker) Process(ctx context.Context, msg core.VerificationMessage, workerID string) error {
	log := w.logger.With().Str("v_job_id", msg.VJobID).Str("v_type", string(msg.VType)).Logger()

	job, err := w.store.StartVerificationJob(ctx, msg.VJobID, workerID)
	if errors.Is(err, core.ErrTerminalStatus) || errors.Is(err, core.ErrJobNotFound) {
		log.Info().Err(err).Msg("discarding message for finished job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start verification job: %w", err)
	}
	log = log.With().Str("stock_code", job.StockCode).Logger()

	params, err := core.ParseVerificationParams(job.Params)
	if err != nil {
		return w.fail(ctx, job.VJobID, err, log)
	}

	var summary any
	switch job.VType {
	case core.VerificationAWOScan:
		summary, err = w.scan(ctx, job, params)
	case core.VerificationWFCheck:
		summary, err = w.check(ctx, job, params, log)
	case core.VerificationDailyUpdate:
		summary, err = w.dailyUpdate(ctx, job, log)
	default:
		err = fmt.Errorf("%w: verification type %q", core.ErrInvalidParams, job.VType)
	}
	if errors.Is(err, errStopped) {
		w.sink.JobFinished(metrics.KindVerification, job.VJobID, core.StatusStopped)
		log.Info().Msg("verification job stopped")
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.fail(ctx, job.VJobID, err, log)
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return w.fail(ctx, job.VJobID, err, log)
	}
	if err := w.store.CompleteVerificationJob(ctx, job.VJobID, raw); err != nil {
		if errors.Is(err, core.ErrTerminalStatus) {
			log.Info().Msg("job finished elsewhere, result dropped")
			return nil
		}
		return fmt.Errorf("complete verification job: %w", err)
	}
	w.sink.JobFinished(metrics.KindVerification, job.VJobID, core.StatusCompleted)
	log.Info().Msg("verification job completed")
	return nil
}

func (w *Worker) scan(ctx context.Context, job *core.VerificationJob, params core.VerificationParams) (any, error) {
	months := params.ValidationMonths
	if months == 0 {
		months = DefaultValidationMonths
	}
	summary, err := w.scanner.RunExhaustiveScan(ctx, job.StockCode, months, job.VJobID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, errStopped
	}
	return summary, nil
}

// check runs a dry walk-forward over params' range with the golden parameters.
func (w *Worker) check(ctx context.Context, job *core.VerificationJob, params core.VerificationParams, log zerolog.Logger) (any, error) {
	start, end, err := params.Range()
	if err != nil {
		return nil, err
	}
	cadence, err := validator.ParseCadence(params.RetrainFrequency)
	if err != nil {
		return nil, err
	}
	target, err := w.target(ctx, job.StockCode)
	if err != nil {
		return nil, err
	}
	return w.walk(ctx, job, target, validator.Request{
		Start:            start,
		End:              end,
		DryRun:           true,
		RetrainFrequency: cadence,
	}, log)
}

// dailyUpdate predicts the most recent trading day with the active version
// and then checks the entity for drift.
func (w *Worker) dailyUpdate(ctx context.Context, job *core.VerificationJob, log zerolog.Logger) (any, error) {
	target, err := w.target(ctx, job.StockCode)
	if err != nil {
		return nil, err
	}
	version, err := w.store.GetActiveVersion(ctx, job.StockCode, w.modelSource)
	if err != nil {
		return nil, err
	}
	day := LastTradingDay(w.now())
	summary, err := w.walk(ctx, job, target, validator.Request{
		Start:            day,
		End:              day.AddDate(0, 0, 1),
		Production:       true,
		ModelVersion:     version.Version,
		RetrainFrequency: validator.Weekly,
	}, log)
	if err != nil || w.drift == nil {
		return summary, err
	}

	res, err := w.drift.Check(ctx, job.StockCode)
	summary.Drift = res
	if err != nil {
		// A failed drift check does not undo the predictions just written.
		log.Error().Err(err).Msg("drift check failed")
		summary.DriftError = err.Error()
	}
	return summary, nil
}

func (w *Worker) walk(ctx context.Context, job *core.VerificationJob, target *core.DailyTarget, req validator.Request, log zerolog.Logger) (*CheckSummary, error) {
	alpha := target.OptimalAlpha
	req.StockCode = job.StockCode
	req.TrainDays = target.OptimalWindowMonths * awo.DaysPerMonth
	req.WindowMonths = target.OptimalWindowMonths
	req.Alpha = &alpha
	req.JobID = job.VJobID
	req.OnDay = func(done, total int) {
		pct := core.RoundProgress(float64(done) * 100 / float64(total))
		if err := w.store.UpdateVerificationProgress(ctx, job.VJobID, pct); err != nil && !errors.Is(err, core.ErrTerminalStatus) {
			log.Warn().Err(err).Msg("progress write failed")
		}
		w.sink.JobProgress(metrics.KindVerification, job.VJobID, job.StockCode, pct)
	}

	res, err := w.validator.RunValidation(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Stopped {
		return nil, errStopped
	}
	return &CheckSummary{
		StockCode:    job.StockCode,
		Start:        req.Start.Format(core.DateLayout),
		End:          req.End.Format(core.DateLayout),
		WindowMonths: target.OptimalWindowMonths,
		Alpha:        alpha,
		Cadence:      string(req.RetrainFrequency),
		HitRate:      res.HitRate,
		MAE:          res.MAE,
		TotalDays:    res.TotalDays,
		Skipped:      res.Skipped,
		Predictions:  len(res.Days),
		ModelVersion: req.ModelVersion,
	}, nil
}

func (w *Worker) target(ctx context.Context, stockCode string) (*core.DailyTarget, error) {
	t, err := w.store.GetDailyTarget(ctx, stockCode)
	if err != nil {
		return nil, fmt.Errorf("daily target: %w", err)
	}
	if t == nil || t.OptimalWindowMonths <= 0 {
		return nil, fmt.Errorf("%w: %s has no golden parameters", core.ErrNoActiveVersion, stockCode)
	}
	return t, nil
}

func (w *Worker) fail(ctx context.Context, vJobID string, cause error, log zerolog.Logger) error {
	log.Error().Err(cause).Msg("verification job failed")
	if err := w.store.FailVerificationJob(ctx, vJobID, cause.Error()); err != nil && !errors.Is(err, core.ErrTerminalStatus) {
		log.Error().Err(err).Msg("could not record failure")
	}
	w.sink.JobFinished(metrics.KindVerification, vJobID, core.StatusFailed)
	return cause
}

// LastTradingDay is t's UTC day, or the Friday before when it falls on a
// weekend.
func LastTradingDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	switch day.Weekday() {
	case time.Saturday:
		return day.AddDate(0, 0, -1)
	case time.Sunday:
		return day.AddDate(0, 0, -2)
	}
	return day
}
