// Package drift watches realized prediction accuracy and rolls an entity's
// model back to its parent version when accuracy stays low.
package drift

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// Drift detection parameters.
const (
	WindowDays  = 7
	WindowCount = 3
	// MinSettled is the history needed for WindowCount overlapping windows.
	MinSettled = WindowDays + WindowCount - 1
	Threshold  = 0.45
	// ReasonDriftDetected tags the re-calibration scan.
	ReasonDriftDetected = "drift_detected"
	// DefaultValidationMonths is the scan period of a re-calibration scan.
	DefaultValidationMonths = 3
)

// Store is the persistence surface of the monitor.
type Store interface {
	SettleFromFeatures(ctx context.Context, stockCode string) (int, error)
	ListSettledPredictions(ctx context.Context, stockCode string, limit int) ([]core.Prediction, error)
	RollbackToParent(ctx context.Context, stockCode, source string) (*core.ModelVersionMeta, error)
	ListActiveTargets(ctx context.Context) ([]core.DailyTarget, error)
}

// Enqueuer creates verification jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, stockCode string, vType core.VerificationType, params core.VerificationParams) (string, error)
}

// Result describes one check.
type Result struct {
	StockCode     string    `json:"stock_code"`
	NewlySettled  int       `json:"newly_settled"`
	Settled       int       `json:"settled"`
	HitRates      []float64 `json:"hit_rates,omitempty"`
	Drift         bool      `json:"drift"`
	RolledBack    bool      `json:"rolled_back"`
	ActiveVersion string    `json:"active_version,omitempty"`
	ScanJobID     string    `json:"scan_job_id,omitempty"`
}

// Monitor checks entities for drift.
type Monitor struct {
	store            Store
	enqueuer         Enqueuer
	source           string
	validationMonths int
	logger           zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithValidationMonths sets the period of the re-calibration scan.
func WithValidationMonths(months int) Option {
	return func(m *Monitor) {
		if months > 0 {
			m.validationMonths = months
		}
	}
}

// NewMonitor creates a monitor for model versions under source.
func NewMonitor(store Store, enqueuer Enqueuer, source string, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:            store,
		enqueuer:         enqueuer,
		source:           source,
		validationMonths: DefaultValidationMonths,
		logger:           logger.With().Str("component", "drift").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckDriftAndRollback reports whether the entity's model was rolled back.
// With no parent version it returns false and core.ErrNoParentVersion and
// changes nothing.
func (m *Monitor) CheckDriftAndRollback(ctx context.Context, stockCode string) (bool, error) {
	res, err := m.Check(ctx, stockCode)
	if err != nil {
		return false, err
	}
	return res.RolledBack, nil
}

// Check first settles open predictions whose outcome has been collected, then
// evaluates the trailing windows ending at the newest settled day T, at T-1
// and at T-2. When all of them are below Threshold it rolls back to the
// parent version and enqueues a re-calibration scan.
func (m *Monitor) Check(ctx context.Context, stockCode string) (*Result, error) {
	log := m.logger.With().Str("stock_code", stockCode).Logger()
	newly, err := m.store.SettleFromFeatures(ctx, stockCode)
	if err != nil {
		return nil, fmt.Errorf("settle predictions: %w", err)
	}
	if newly > 0 {
		log.Debug().Int("settled", newly).Msg("predictions settled")
	}
	preds, err := m.store.ListSettledPredictions(ctx, stockCode, MinSettled)
	if err != nil {
		return nil, fmt.Errorf("settled predictions: %w", err)
	}
	res := &Result{StockCode: stockCode, NewlySettled: newly, Settled: len(preds)}
	if len(preds) < MinSettled {
		log.Debug().Int("settled", len(preds)).Msg("not enough settled predictions")
		return res, nil
	}

	res.HitRates = HitRates(preds)
	res.Drift = true
	for _, hr := range res.HitRates {
		if hr >= Threshold {
			res.Drift = false
		}
	}
	if !res.Drift {
		return res, nil
	}

	log.Warn().Floats64("hit_rates", res.HitRates).Msg("drift detected")
	parent, err := m.store.RollbackToParent(ctx, stockCode, m.source)
	if err != nil {
		if errors.Is(err, core.ErrNoParentVersion) || errors.Is(err, core.ErrNoActiveVersion) {
			log.Error().Err(err).Msg("rollback impossible")
		}
		return res, err
	}
	res.RolledBack = true
	res.ActiveVersion = parent.Version
	log.Warn().Str("version", parent.Version).Msg("rolled back to parent version")

	if m.enqueuer != nil {
		id, err := m.enqueuer.Enqueue(ctx, stockCode, core.VerificationAWOScan, core.VerificationParams{
			ValidationMonths: m.validationMonths,
			Reason:           ReasonDriftDetected,
		})
		if err != nil {
			log.Error().Err(err).Msg("re-calibration scan not enqueued")
			return res, fmt.Errorf("enqueue scan: %w", err)
		}
		res.ScanJobID = id
	}
	return res, nil
}

// Sweep checks every entity with active golden parameters and returns how
// many were rolled back. A failing entity is logged and skipped.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	targets, err := m.store.ListActiveTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("active targets: %w", err)
	}
	rolled := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			return rolled, ctx.Err()
		}
		ok, err := m.CheckDriftAndRollback(ctx, t.StockCode)
		if err != nil {
			m.logger.Error().Err(err).Str("stock_code", t.StockCode).Msg("drift check failed")
			continue
		}
		if ok {
			rolled++
		}
	}
	m.logger.Info().Int("entities", len(targets)).Int("rolled_back", rolled).Msg("drift sweep finished")
	return rolled, nil
}

// HitRates returns the hit rate of each WindowDays window over preds, which
// are ordered newest first. Window i ends at the i-th newest prediction.
func HitRates(preds []core.Prediction) []float64 {
	var out []float64
	for i := 0; i < WindowCount && i+WindowDays <= len(preds); i++ {
		hits := make([]float64, WindowDays)
		for j, p := range preds[i : i+WindowDays] {
			if p.Correct != nil && *p.Correct {
				hits[j] = 1
			}
		}
		out = append(out, stat.Mean(hits, nil))
	}
	return out
}
