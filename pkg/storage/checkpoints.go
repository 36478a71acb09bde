package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// GetCheckpoints returns every checkpointed cell of a scan.
func (s *GormStorage) GetCheckpoints(ctx context.Context, vJobID string) ([]core.AWOCheckpoint, error) {
	var cps []core.AWOCheckpoint
	err := s.db.WithContext(ctx).
		Where("v_job_id = ?", vJobID).
		Order("window_months ASC, alpha ASC").
		Find(&cps).Error
	return cps, err
}

// SaveCheckpoint upserts one grid cell keyed by (v_job_id, window_months, alpha).
// Repeated writes for the same cell leave a single row.
func (s *GormStorage) SaveCheckpoint(ctx context.Context, cp *core.AWOCheckpoint) error {
	if cp.Status == "" {
		cp.Status = core.CheckpointCompleted
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "v_job_id"}, {Name: "window_months"}, {Name: "alpha"}},
		DoUpdates: clause.AssignmentColumns([]string{"hit_rate", "mae"}),
	}).Create(cp).Error
}

// UpdateStabilityScores writes the post-grid stability score of each cell.
func (s *GormStorage) UpdateStabilityScores(ctx context.Context, cps []core.AWOCheckpoint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, cp := range cps {
			if cp.StabilityScore == nil {
				continue
			}
			err := tx.Model(&core.AWOCheckpoint{}).
				Where("v_job_id = ? AND window_months = ? AND alpha = ?", cp.VJobID, cp.WindowMonths, cp.Alpha).
				Update("stability_score", *cp.StabilityScore).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveBacktestResult upserts one simulated day.
func (s *GormStorage) SaveBacktestResult(ctx context.Context, r *core.BacktestResult) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "v_job_id"}, {Name: "window_months"}, {Name: "alpha"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"predicted_direction", "predicted_magnitude", "actual_return", "correct",
		}),
	}).Create(r).Error
}

// CountBacktestResults counts the persisted days of one scan cell.
func (s *GormStorage) CountBacktestResults(ctx context.Context, vJobID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&core.BacktestResult{}).Where("v_job_id = ?", vJobID).Count(&n).Error
	return n, err
}

// SavePrediction upserts a production prediction for (stock_code, date).
// A re-prediction clears any earlier settlement.
func (s *GormStorage) SavePrediction(ctx context.Context, p *core.Prediction) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stock_code"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"direction", "magnitude", "model_version", "updated_at"}),
	}).Create(p).Error
}

// SettlePrediction records the realized return for a prediction and whether
// its direction was right.
func (s *GormStorage) SettlePrediction(ctx context.Context, stockCode string, date time.Time, actualReturn float64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p core.Prediction
		err := tx.Where("stock_code = ? AND date = ?", stockCode, date).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.ErrNoPrediction
		}
		if err != nil {
			return err
		}
		correct := core.Sign(float64(p.Direction)) == core.Sign(actualReturn)
		return tx.Model(&core.Prediction{}).Where("id = ?", p.ID).Updates(map[string]any{
			"actual_return": actualReturn,
			"correct":       correct,
			"settled_at":    time.Now(),
		}).Error
	})
}

// SettleFromFeatures settles every open prediction of stockCode whose day
// already has a collected next_return, and returns how many it settled.
func (s *GormStorage) SettleFromFeatures(ctx context.Context, stockCode string) (int, error) {
	settled := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []core.Prediction
		if err := tx.Where("stock_code = ? AND settled_at IS NULL", stockCode).
			Order("date ASC").
			Find(&open).Error; err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		var rows []core.FeatureRow
		if err := tx.Where("stock_code = ? AND date >= ? AND date <= ? AND next_return IS NOT NULL",
			stockCode, open[0].Date, open[len(open)-1].Date).
			Find(&rows).Error; err != nil {
			return err
		}
		outcomes := make(map[string]float64, len(rows))
		for _, r := range rows {
			outcomes[r.Date.UTC().Format(core.DateLayout)] = *r.NextReturn
		}

		now := time.Now()
		for _, p := range open {
			actual, ok := outcomes[p.Date.UTC().Format(core.DateLayout)]
			if !ok {
				continue
			}
			correct := core.Sign(float64(p.Direction)) == core.Sign(actual)
			if err := tx.Model(&core.Prediction{}).Where("id = ?", p.ID).Updates(map[string]any{
				"actual_return": actual,
				"correct":       correct,
				"settled_at":    now,
			}).Error; err != nil {
				return err
			}
			settled++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return settled, nil
}

// ListSettledPredictions returns the most recent settled predictions for an
// entity, newest first.
func (s *GormStorage) ListSettledPredictions(ctx context.Context, stockCode string, limit int) ([]core.Prediction, error) {
	var preds []core.Prediction
	q := s.db.WithContext(ctx).
		Where("stock_code = ? AND settled_at IS NOT NULL", stockCode).
		Order("date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&preds).Error
	return preds, err
}
