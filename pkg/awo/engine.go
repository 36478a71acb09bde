// Package awo runs the two-dimensional (training window, alpha) grid scan
// with per-cell checkpoints, picks the most stable cell and promotes it to
// production when it clears the hit-rate bar.
package awo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/metrics"
	"github.com/jdziat/backtest-orchestrator/pkg/modeling"
	"github.com/jdziat/backtest-orchestrator/pkg/security"
	"github.com/jdziat/backtest-orchestrator/pkg/storage"
	"github.com/jdziat/backtest-orchestrator/pkg/validator"
)

// Grid and promotion defaults.
var (
	DefaultWindows = []int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	DefaultAlphas  = []float64{0.01, 0.1, 1, 10, 100}
)

const (
	// PromotionThreshold is the hit rate a winner must exceed.
	PromotionThreshold = 0.50
	// DaysPerMonth converts a window in months to training days.
	DaysPerMonth = 30
	// DefaultModelSource is the lineage source promoted versions are written under.
	DefaultModelSource = "main"
	// DefaultProgressInterval rate-limits progress writes inside a cell.
	DefaultProgressInterval = 2 * time.Second
)

// Decisions recorded in a summary.
const (
	DecisionPromoted        = "promoted"
	DecisionRejected        = "rejected"
	DecisionAlreadyPromoted = "already_promoted"
)

// errAbandoned reports that the job left running before the winner was promoted.
var errAbandoned = errors.New("awo: job no longer running")

// Store is the persistence surface of the engine.
type Store interface {
	CreateVerificationJob(ctx context.Context, v *core.VerificationJob) error
	CompleteVerificationJob(ctx context.Context, vJobID string, summary []byte) error
	IsStopped(ctx context.Context, vJobID string) (bool, error)
	UpdateVerificationProgress(ctx context.Context, vJobID string, progress float64) error
	GetCheckpoints(ctx context.Context, vJobID string) ([]core.AWOCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp *core.AWOCheckpoint) error
	UpdateStabilityScores(ctx context.Context, cps []core.AWOCheckpoint) error
	PromoteVersion(ctx context.Context, p storage.Promotion) error
}

// Cell is one grid cell in a summary.
type Cell struct {
	WindowMonths   int     `json:"window_months"`
	Alpha          float64 `json:"alpha"`
	HitRate        float64 `json:"hit_rate"`
	MAE            float64 `json:"mae"`
	StabilityScore float64 `json:"stability_score"`
}

// Summary is the outcome of a finished scan.
type Summary struct {
	VJobID           string `json:"v_job_id"`
	StockCode        string `json:"stock_code"`
	ValidationMonths int    `json:"validation_months"`
	Cells            int    `json:"cells"`
	Computed         int    `json:"computed"`
	Winner           *Cell  `json:"winner,omitempty"`
	Decision         string `json:"decision"`
	Reason           string `json:"reason,omitempty"`
	Version          string `json:"version,omitempty"`
	ParentVersion    string `json:"parent_version,omitempty"`
}

// Engine runs AWO scans.
type Engine struct {
	store     Store
	validator *validator.Validator
	source    modeling.DataSource
	trainer   modeling.Trainer
	registry  modeling.Registry
	sink      metrics.Sink
	logger    zerolog.Logger
	now       func() time.Time

	windows          []int
	alphas           []float64
	threshold        float64
	modelSource      string
	progressInterval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithGrid replaces the scanned windows and alphas.
func WithGrid(windows []int, alphas []float64) Option {
	return func(e *Engine) {
		e.windows = windows
		e.alphas = alphas
	}
}

// WithModelSource sets the lineage source of promoted versions.
func WithModelSource(source string) Option {
	return func(e *Engine) { e.modelSource = source }
}

// WithMetrics mirrors scan progress into sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithClock replaces time.Now for the validation period.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProgressInterval sets the minimum time between in-cell progress writes.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) { e.progressInterval = d }
}

// NewEngine creates an engine. The validator's data source is replaced per
// outer window with a preloaded view of source.
func NewEngine(store Store, v *validator.Validator, source modeling.DataSource, trainer modeling.Trainer, registry modeling.Registry, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		validator:        v,
		source:           source,
		trainer:          trainer,
		registry:         registry,
		sink:             metrics.Nop{},
		logger:           logger.With().Str("component", "awo").Logger(),
		now:              time.Now,
		windows:          DefaultWindows,
		alphas:           DefaultAlphas,
		threshold:        PromotionThreshold,
		modelSource:      DefaultModelSource,
		progressInterval: DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scan carries the state of one RunExhaustiveScan call.
type scan struct {
	stockCode  string
	jobID      string
	total      int
	done       int
	computed   int
	lastReport time.Time
	log        zerolog.Logger
}

// RunExhaustiveScan scans every (window, alpha) cell over the trailing
// validationMonths. Cells with a checkpoint are loaded, not recomputed. A stop
// observed before a cell returns a nil summary and a nil error. An empty
// jobID creates a new verification job, which the engine then completes.
func (e *Engine) RunExhaustiveScan(ctx context.Context, stockCode string, validationMonths int, jobID string) (*Summary, error) {
	if err := security.ValidateStockCode(stockCode); err != nil {
		return nil, err
	}
	if validationMonths <= 0 {
		return nil, fmt.Errorf("%w: validation months must be positive", core.ErrInvalidParams)
	}

	owned := false
	if jobID == "" {
		id, err := e.createJob(ctx, stockCode, validationMonths)
		if err != nil {
			return nil, err
		}
		jobID, owned = id, true
	}

	s := &scan{
		stockCode: stockCode,
		jobID:     jobID,
		total:     len(e.windows) * len(e.alphas),
		log:       e.logger.With().Str("v_job_id", jobID).Str("stock_code", stockCode).Logger(),
	}

	existing, err := e.store.GetCheckpoints(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	cells := make(map[cellKey]core.AWOCheckpoint, len(existing))
	for _, cp := range existing {
		cells[keyOf(cp)] = cp
	}
	if len(existing) > 0 {
		s.log.Info().Int("checkpointed", len(existing)).Int("total", s.total).Msg("resuming scan")
	}

	valEnd := truncateDay(e.now())
	valStart := valEnd.AddDate(0, -validationMonths, 0)

	for _, window := range e.windows {
		stopped, err := e.scanWindow(ctx, s, cells, window, valStart, valEnd)
		if err != nil {
			return nil, err
		}
		if stopped {
			s.log.Info().Int("cells_done", s.done).Int("total", s.total).Msg("scan stopped")
			return nil, nil
		}
	}

	// Reload so every cell carries its row id and current status.
	final, err := e.store.GetCheckpoints(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reload checkpoints: %w", err)
	}
	for _, cp := range final {
		cells[keyOf(cp)] = cp
	}
	scored := Score(e.ordered(cells), Lambda)
	if err := e.store.UpdateStabilityScores(ctx, scored); err != nil {
		return nil, fmt.Errorf("stability scores: %w", err)
	}

	summary := &Summary{
		VJobID:           jobID,
		StockCode:        stockCode,
		ValidationMonths: validationMonths,
		Cells:            len(scored),
		Computed:         s.computed,
	}
	winner, ok := Best(scored)
	if !ok {
		summary.Decision = DecisionRejected
		summary.Reason = "no cells scanned"
	} else {
		summary.Winner = &Cell{
			WindowMonths:   winner.WindowMonths,
			Alpha:          winner.Alpha,
			HitRate:        winner.HitRate,
			MAE:            winner.MAE,
			StabilityScore: *winner.StabilityScore,
		}
		err := e.decide(ctx, s, winner, valEnd, summary)
		if errors.Is(err, errAbandoned) {
			s.log.Info().Msg("scan abandoned before promotion")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	s.log.Info().
		Int("computed", s.computed).
		Str("decision", summary.Decision).
		Str("reason", summary.Reason).
		Msg("scan finished")

	if owned {
		raw, err := json.Marshal(summary)
		if err != nil {
			return nil, err
		}
		if err := e.store.CompleteVerificationJob(ctx, jobID, raw); err != nil {
			return nil, fmt.Errorf("complete job: %w", err)
		}
	}
	return summary, nil
}

// scanWindow runs the cells of one outer window against a dataset fetched
// for that window only. It reports true when a stop was observed.
func (e *Engine) scanWindow(ctx context.Context, s *scan, cells map[cellKey]core.AWOCheckpoint, window int, valStart, valEnd time.Time) (bool, error) {
	pending := 0
	for _, alpha := range e.alphas {
		if _, ok := cells[cellKey{window: window, alpha: alpha}]; !ok {
			pending++
		}
	}
	if pending == 0 {
		s.done += len(e.alphas)
		return false, nil
	}

	trainDays := window * DaysPerMonth
	pre, err := modeling.Preload(ctx, e.source, s.stockCode, valStart.AddDate(0, 0, -trainDays-1), valEnd)
	if err != nil {
		return false, fmt.Errorf("preload window %d: %w", window, err)
	}
	defer pre.Release()
	v := e.validator.WithSource(pre)

	for _, alpha := range e.alphas {
		key := cellKey{window: window, alpha: alpha}
		if _, ok := cells[key]; ok {
			s.done++
			continue
		}

		stopped, err := e.store.IsStopped(ctx, s.jobID)
		if err != nil {
			return false, fmt.Errorf("status check: %w", err)
		}
		if stopped {
			return true, nil
		}

		a := alpha
		res, err := v.RunValidation(ctx, validator.Request{
			StockCode:        s.stockCode,
			Start:            valStart,
			End:              valEnd,
			TrainDays:        trainDays,
			Alpha:            &a,
			RetrainFrequency: validator.Weekly,
			JobID:            s.jobID,
			WindowMonths:     window,
			OnDay: func(done, total int) {
				e.progress(ctx, s, float64(done)/float64(total), false)
			},
		})
		if err != nil {
			return false, fmt.Errorf("cell window=%d alpha=%g: %w", window, alpha, err)
		}
		if res.Stopped {
			return true, nil
		}

		cp := core.AWOCheckpoint{
			VJobID:       s.jobID,
			StockCode:    s.stockCode,
			WindowMonths: window,
			Alpha:        alpha,
			HitRate:      res.HitRate,
			MAE:          res.MAE,
			Status:       core.CheckpointCompleted,
		}
		if err := e.store.SaveCheckpoint(ctx, &cp); err != nil {
			return false, fmt.Errorf("save checkpoint: %w", err)
		}
		cells[key] = cp
		s.done++
		s.computed++
		s.log.Debug().
			Int("window_months", window).
			Float64("alpha", alpha).
			Float64("hit_rate", res.HitRate).
			Float64("mae", res.MAE).
			Int("days", res.TotalDays).
			Msg("cell checkpointed")
		e.progress(ctx, s, 0, true)
	}
	return false, nil
}

// progress writes (done + inner) / total. Writes inside a cell are rate-limited.
func (e *Engine) progress(ctx context.Context, s *scan, inner float64, force bool) {
	now := time.Now()
	if !force && now.Sub(s.lastReport) < e.progressInterval {
		return
	}
	s.lastReport = now
	pct := (float64(s.done) + inner) / float64(s.total) * 100
	if err := e.store.UpdateVerificationProgress(ctx, s.jobID, pct); err != nil {
		s.log.Debug().Err(err).Msg("progress write skipped")
	}
	e.sink.JobProgress(metrics.KindVerification, s.jobID, s.stockCode, pct)
}

// decide promotes the winner or records why it was rejected.
func (e *Engine) decide(ctx context.Context, s *scan, winner core.AWOCheckpoint, valEnd time.Time, summary *Summary) error {
	if winner.Status == core.CheckpointPromoted {
		summary.Decision = DecisionAlreadyPromoted
		return nil
	}
	if winner.HitRate <= e.threshold {
		summary.Decision = DecisionRejected
		summary.Reason = fmt.Sprintf("best hit rate %.4f does not exceed %.2f", winner.HitRate, e.threshold)
		return nil
	}

	stopped, err := e.store.IsStopped(ctx, s.jobID)
	if err != nil {
		return fmt.Errorf("status check: %w", err)
	}
	if stopped {
		return errAbandoned
	}

	trainDays := winner.WindowMonths * DaysPerMonth
	ds, err := e.source.FetchTrainingWindow(ctx, s.stockCode, valEnd.AddDate(0, 0, -trainDays-1), valEnd.AddDate(0, 0, -1))
	if err != nil {
		return fmt.Errorf("fetch production window: %w", err)
	}
	model, err := e.trainer.Train(ctx, s.stockCode, ds.Samples, winner.Alpha)
	if err != nil {
		summary.Decision = DecisionRejected
		summary.Reason = fmt.Sprintf("production retrain failed: %v", err)
		return nil
	}
	version, err := e.registry.SaveModel(ctx, model)
	if err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	promotionMetrics, err := json.Marshal(summary.Winner)
	if err != nil {
		return err
	}
	meta := &core.ModelVersionMeta{
		StockCode:        s.stockCode,
		Source:           e.modelSource,
		Version:          version,
		PromotionStatus:  DecisionPromoted,
		PromotionMetrics: datatypes.JSON(promotionMetrics),
	}
	err = e.store.PromoteVersion(ctx, storage.Promotion{
		Version: meta,
		Target: core.DailyTarget{
			StockCode:           s.stockCode,
			OptimalWindowMonths: winner.WindowMonths,
			OptimalAlpha:        winner.Alpha,
			OptimalLag:          1,
			IsActive:            true,
		},
		CheckpointID: winner.ID,
		VJobID:       s.jobID,
	})
	if errors.Is(err, core.ErrTerminalStatus) {
		return errAbandoned
	}
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}

	summary.Decision = DecisionPromoted
	summary.Version = version
	if meta.ParentVersion != nil {
		summary.ParentVersion = *meta.ParentVersion
	}
	s.log.Info().
		Str("version", version).
		Str("parent_version", summary.ParentVersion).
		Int("window_months", winner.WindowMonths).
		Float64("alpha", winner.Alpha).
		Float64("hit_rate", winner.HitRate).
		Msg("model promoted")
	return nil
}

func (e *Engine) createJob(ctx context.Context, stockCode string, validationMonths int) (string, error) {
	params, err := json.Marshal(core.VerificationParams{ValidationMonths: validationMonths, Reason: "manual"})
	if err != nil {
		return "", err
	}
	v := &core.VerificationJob{
		StockCode: stockCode,
		VType:     core.VerificationAWOScan,
		Status:    core.StatusRunning,
		Params:    datatypes.JSON(params),
	}
	now := time.Now()
	v.StartedAt = &now
	if err := e.store.CreateVerificationJob(ctx, v); err != nil {
		return "", fmt.Errorf("create scan job: %w", err)
	}
	return v.VJobID, nil
}

// ordered lists the cells in grid order.
func (e *Engine) ordered(cells map[cellKey]core.AWOCheckpoint) []core.AWOCheckpoint {
	out := make([]core.AWOCheckpoint, 0, len(cells))
	for _, w := range e.windows {
		for _, a := range e.alphas {
			if cp, ok := cells[cellKey{window: w, alpha: a}]; ok {
				out = append(out, cp)
			}
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
