// Package validator runs day-by-day walk-forward validation: one prediction
// per trading day, retraining on a configurable cadence, scored against the
// realized next-day return.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/modeling"
)

// Cadence is how often the primary model retrains.
type Cadence string

const (
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// ParseCadence maps a params value to a Cadence. Empty means weekly.
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(s) {
	case "":
		return Weekly, nil
	case Daily, Weekly, Monthly:
		return Cadence(s), nil
	}
	return "", fmt.Errorf("%w: retrain frequency %q", core.ErrInvalidParams, s)
}

// Defaults for the combined prediction.
const (
	DefaultAlpha      = 1.0
	DefaultBufferDays = 14
	PrimaryWeight     = 0.7
	BufferWeight      = 0.3
)

// Store persists simulated days and answers stop checks.
type Store interface {
	SaveBacktestResult(ctx context.Context, r *core.BacktestResult) error
	SavePrediction(ctx context.Context, p *core.Prediction) error
	IsStopped(ctx context.Context, vJobID string) (bool, error)
}

// Request describes one walk-forward run over [Start, End).
type Request struct {
	StockCode        string
	Start            time.Time
	End              time.Time
	TrainDays        int
	DryRun           bool
	Alpha            *float64
	RetrainFrequency Cadence
	// JobID enables stop checks and tags persisted rows.
	JobID string
	// WindowMonths is recorded on backtest rows.
	WindowMonths int
	// Production writes rows to predictions instead of backtest_results and
	// keeps days whose outcome has not settled yet.
	Production   bool
	ModelVersion string
	// OnDay is called after every simulated trading day with the number of
	// days done and the total.
	OnDay func(done, total int)
}

// DayResult is one simulated day.
type DayResult struct {
	Date      time.Time `json:"date"`
	Direction int       `json:"direction"`
	Magnitude float64   `json:"magnitude"`
	Actual    *float64  `json:"actual,omitempty"`
	Correct   bool      `json:"correct"`
}

// Result aggregates a run. Stopped marks a partial run cut short by a stop
// request.
type Result struct {
	HitRate   float64     `json:"hit_rate"`
	MAE       float64     `json:"mae"`
	TotalDays int         `json:"total_days"`
	Skipped   int         `json:"skipped"`
	Days      []DayResult `json:"days,omitempty"`
	Stopped   bool        `json:"stopped,omitempty"`
}

// Validator runs walk-forward validations.
type Validator struct {
	source     modeling.DataSource
	trainer    modeling.Trainer
	store      Store
	logger     zerolog.Logger
	bufferDays int
}

// Option configures a Validator.
type Option func(*Validator)

// WithBufferDays sets the trailing window of the buffer model.
func WithBufferDays(days int) Option {
	return func(v *Validator) {
		if days > 0 {
			v.bufferDays = days
		}
	}
}

// New creates a validator.
func New(source modeling.DataSource, trainer modeling.Trainer, store Store, logger zerolog.Logger, opts ...Option) *Validator {
	v := &Validator{
		source:     source,
		trainer:    trainer,
		store:      store,
		logger:     logger.With().Str("component", "validator").Logger(),
		bufferDays: DefaultBufferDays,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// WithSource returns a copy of v reading from source.
func (v *Validator) WithSource(source modeling.DataSource) *Validator {
	cp := *v
	cp.source = source
	return &cp
}

// RunValidation simulates one prediction per trading day in [Start, End).
// A stop observed on the owning job returns the days done so far with
// Stopped set and a nil error. Days without features, or without a settled
// outcome outside production mode, are skipped and not scored.
func (v *Validator) RunValidation(ctx context.Context, req Request) (*Result, error) {
	if req.TrainDays <= 0 {
		return nil, fmt.Errorf("%w: train days must be positive", core.ErrInvalidParams)
	}
	if !req.Start.Before(req.End) {
		return nil, fmt.Errorf("%w: start must be before end", core.ErrInvalidParams)
	}
	cadence := req.RetrainFrequency
	if cadence == "" {
		cadence = Weekly
	}
	alpha := DefaultAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	log := v.logger.With().Str("stock_code", req.StockCode).Str("v_job_id", req.JobID).Float64("alpha", alpha).Logger()

	lookback := req.TrainDays
	if v.bufferDays > lookback {
		lookback = v.bufferDays
	}
	ds, err := v.source.FetchTrainingWindow(ctx, req.StockCode, req.Start.AddDate(0, 0, -lookback-1), req.End)
	if err != nil {
		return nil, fmt.Errorf("fetch window: %w", err)
	}

	days := TradingDays(req.Start, req.End)
	res := &Result{}
	var (
		primary *modeling.Model
		errs    []float64
		correct int
	)
	for i, d := range days {
		if req.JobID != "" && i%core.CancellationPollEvery == 0 {
			stopped, err := v.store.IsStopped(ctx, req.JobID)
			if err != nil {
				return nil, fmt.Errorf("status check: %w", err)
			}
			if stopped {
				log.Info().Int("done", i).Int("total", len(days)).Msg("validation stopped")
				res.Stopped = true
				break
			}
		}
		sample, ok := ds.At(d)
		if !ok || !sample.Usable() || (!req.Production && sample.NextReturn == nil) {
			res.Skipped++
			v.report(req, i+1, len(days))
			continue
		}

		var prev time.Time
		if i > 0 {
			prev = days[i-1]
		}
		if primary == nil || ShouldRetrain(cadence, prev, d) {
			m, err := v.train(ctx, req.StockCode, ds, d, req.TrainDays, alpha)
			switch {
			case errors.Is(err, core.ErrInsufficientData):
			case err != nil:
				return nil, core.Computation(i, err)
			default:
				primary = m
			}
		}
		if primary == nil {
			res.Skipped++
			v.report(req, i+1, len(days))
			continue
		}

		signed, err := v.predict(ctx, req.StockCode, ds, d, primary, sample.Features, alpha)
		if err != nil {
			return nil, core.Computation(i, err)
		}

		day := DayResult{Date: d, Direction: core.Sign(signed), Magnitude: math.Abs(signed), Actual: sample.NextReturn}
		if sample.NextReturn != nil {
			day.Correct = day.Direction == core.Sign(*sample.NextReturn)
			if day.Correct {
				correct++
			}
			errs = append(errs, math.Abs(signed-*sample.NextReturn))
		}
		res.Days = append(res.Days, day)

		if !req.DryRun {
			if err := v.persist(ctx, req, day); err != nil {
				return nil, fmt.Errorf("persist %s: %w", d.Format(core.DateLayout), err)
			}
		}
		v.report(req, i+1, len(days))
	}

	res.TotalDays = len(errs)
	if res.TotalDays > 0 {
		res.HitRate = float64(correct) / float64(res.TotalDays)
		res.MAE = stat.Mean(errs, nil)
	}
	log.Debug().
		Int("evaluated", res.TotalDays).
		Int("skipped", res.Skipped).
		Float64("hit_rate", res.HitRate).
		Float64("mae", res.MAE).
		Msg("validation finished")
	return res, nil
}

func (v *Validator) report(req Request, done, total int) {
	if req.OnDay != nil {
		req.OnDay(done, total)
	}
}

// train fits a model on [d-trainDays-1, d-1].
func (v *Validator) train(ctx context.Context, stockCode string, ds *modeling.Dataset, d time.Time, trainDays int, alpha float64) (*modeling.Model, error) {
	samples := ds.Between(d.AddDate(0, 0, -trainDays-1), d.AddDate(0, 0, -1))
	return v.trainer.Train(ctx, stockCode, samples, alpha)
}

// predict combines the primary model with a buffer model retrained on the
// short trailing window. Without a buffer fit the primary call stands alone.
func (v *Validator) predict(ctx context.Context, stockCode string, ds *modeling.Dataset, d time.Time, primary *modeling.Model, features []float64, alpha float64) (float64, error) {
	p, err := v.trainer.Predict(ctx, primary, features)
	if err != nil {
		return 0, err
	}
	buffer, err := v.train(ctx, stockCode, ds, d, v.bufferDays, alpha)
	if errors.Is(err, core.ErrInsufficientData) {
		return p.Signed(), nil
	}
	if err != nil {
		return 0, err
	}
	b, err := v.trainer.Predict(ctx, buffer, features)
	if err != nil {
		return 0, err
	}
	return PrimaryWeight*p.Signed() + BufferWeight*b.Signed(), nil
}

func (v *Validator) persist(ctx context.Context, req Request, day DayResult) error {
	if req.Production {
		return v.store.SavePrediction(ctx, &core.Prediction{
			StockCode:    req.StockCode,
			Date:         day.Date,
			Direction:    day.Direction,
			Magnitude:    day.Magnitude,
			ModelVersion: req.ModelVersion,
		})
	}
	alpha := DefaultAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	return v.store.SaveBacktestResult(ctx, &core.BacktestResult{
		VJobID:             req.JobID,
		StockCode:          req.StockCode,
		WindowMonths:       req.WindowMonths,
		Alpha:              alpha,
		Date:               day.Date,
		PredictedDirection: day.Direction,
		PredictedMagnitude: day.Magnitude,
		ActualReturn:       *day.Actual,
		Correct:            day.Correct,
	})
}

// ShouldRetrain reports whether the primary model retrains on trading day d,
// given the previous trading day prev (zero on the first day). Weekly and
// monthly cadences retrain on the first trading day of a new week or month.
func ShouldRetrain(c Cadence, prev, d time.Time) bool {
	if prev.IsZero() {
		return true
	}
	switch c {
	case Daily:
		return true
	case Weekly:
		py, pw := prev.ISOWeek()
		dy, dw := d.ISOWeek()
		return py != dy || pw != dw
	case Monthly:
		return prev.Year() != d.Year() || prev.Month() != d.Month()
	}
	return false
}

// TradingDays lists the weekdays in [start, end) at UTC midnight.
func TradingDays(start, end time.Time) []time.Time {
	var days []time.Time
	for d := truncateDay(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
