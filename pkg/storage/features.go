package storage

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// UpsertFeatures writes one day of model input for an entity.
func (s *GormStorage) UpsertFeatures(ctx context.Context, stockCode string, date time.Time, features []float64, nextReturn *float64) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return err
	}
	row := core.FeatureRow{
		StockCode:  stockCode,
		Date:       date,
		Features:   datatypes.JSON(raw),
		NextReturn: nextReturn,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stock_code"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"features", "next_return", "updated_at"}),
	}).Create(&row).Error
}

// ListFeatures returns the feature rows of an entity with start <= date <= end, oldest first.
func (s *GormStorage) ListFeatures(ctx context.Context, stockCode string, start, end time.Time) ([]core.FeatureRow, error) {
	var rows []core.FeatureRow
	err := s.db.WithContext(ctx).
		Where("stock_code = ? AND date >= ? AND date <= ?", stockCode, start, end).
		Order("date ASC").
		Find(&rows).Error
	return rows, err
}
