package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// GetActiveVersion returns the active model version of (stockCode, source).
func (s *GormStorage) GetActiveVersion(ctx context.Context, stockCode, source string) (*core.ModelVersionMeta, error) {
	return activeVersion(s.db.WithContext(ctx), stockCode, source, false)
}

func activeVersion(tx *gorm.DB, stockCode, source string, lock bool) (*core.ModelVersionMeta, error) {
	var v core.ModelVersionMeta
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("stock_code = ? AND source = ? AND is_active = ?", stockCode, source, true).
		Order("id DESC").
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNoActiveVersion
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns the lineage of (stockCode, source), oldest first.
func (s *GormStorage) ListVersions(ctx context.Context, stockCode, source string) ([]core.ModelVersionMeta, error) {
	var vs []core.ModelVersionMeta
	err := s.db.WithContext(ctx).
		Where("stock_code = ? AND source = ?", stockCode, source).
		Order("id ASC").
		Find(&vs).Error
	return vs, err
}

// Promotion is everything written when a scan winner goes to production.
type Promotion struct {
	Version      *core.ModelVersionMeta
	Target       core.DailyTarget
	CheckpointID uint
	// VJobID, when set, must still be running; a stopped, failed or
	// completed job yields ErrTerminalStatus and nothing is written.
	VJobID string
}

// PromoteVersion activates p.Version in one transaction. The previously active
// version becomes its parent and is deactivated, the golden parameters are
// upserted and the winning checkpoint is marked promoted.
func (s *GormStorage) PromoteVersion(ctx context.Context, p Promotion) error {
	v := p.Version
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.VJobID != "" {
			if err := requireLive(tx, p.VJobID); err != nil {
				return err
			}
		}
		prev, err := activeVersion(tx, v.StockCode, v.Source, true)
		if err != nil && !errors.Is(err, core.ErrNoActiveVersion) {
			return err
		}
		if prev != nil && v.ParentVersion == nil {
			parent := prev.Version
			v.ParentVersion = &parent
		}

		if err := tx.Model(&core.ModelVersionMeta{}).
			Where("stock_code = ? AND source = ? AND is_active = ?", v.StockCode, v.Source, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		v.IsActive = true
		if err := tx.Create(v).Error; err != nil {
			return err
		}

		if err := upsertTarget(tx, &p.Target); err != nil {
			return err
		}
		if p.CheckpointID != 0 {
			return tx.Model(&core.AWOCheckpoint{}).
				Where("id = ?", p.CheckpointID).
				Update("status", core.CheckpointPromoted).Error
		}
		return nil
	})
}

// requireLive fails with ErrTerminalStatus unless the verification job is
// pending or running.
func requireLive(tx *gorm.DB, vJobID string) error {
	q := tx.Select("status").Clauses(clause.Locking{Strength: "UPDATE"})
	var job core.VerificationJob
	err := q.First(&job, "v_job_id = ?", vJobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if job.Status == core.StatusStopRequested || job.Status.IsTerminal() {
		return core.ErrTerminalStatus
	}
	return nil
}

// RollbackToParent deactivates the active version of (stockCode, source) and
// activates its parent. Without a resolvable parent nothing is changed and
// ErrNoParentVersion is returned.
func (s *GormStorage) RollbackToParent(ctx context.Context, stockCode, source string) (*core.ModelVersionMeta, error) {
	var parent core.ModelVersionMeta
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := activeVersion(tx, stockCode, source, true)
		if err != nil {
			return err
		}
		if current.ParentVersion == nil || *current.ParentVersion == "" {
			return core.ErrNoParentVersion
		}

		err = tx.Where("stock_code = ? AND source = ? AND version = ?", stockCode, source, *current.ParentVersion).
			Order("id DESC").
			First(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.ErrNoParentVersion
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&core.ModelVersionMeta{}).
			Where("stock_code = ? AND source = ? AND is_active = ?", stockCode, source, true).
			Updates(map[string]any{"is_active": false, "promotion_status": "rolled_back"}).Error; err != nil {
			return err
		}
		parent.IsActive = true
		return tx.Model(&core.ModelVersionMeta{}).
			Where("id = ?", parent.ID).
			Update("is_active", true).Error
	})
	if err != nil {
		return nil, err
	}
	return &parent, nil
}

// GetDailyTarget returns an entity's golden parameters, or nil when none exist.
func (s *GormStorage) GetDailyTarget(ctx context.Context, stockCode string) (*core.DailyTarget, error) {
	var t core.DailyTarget
	err := s.db.WithContext(ctx).First(&t, "stock_code = ?", stockCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertGoldenParams writes an entity's golden parameters.
func (s *GormStorage) UpsertGoldenParams(ctx context.Context, t *core.DailyTarget) error {
	return upsertTarget(s.db.WithContext(ctx), t)
}

func upsertTarget(tx *gorm.DB, t *core.DailyTarget) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stock_code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"optimal_window_months", "optimal_alpha", "optimal_lag", "is_active", "updated_at",
		}),
	}).Create(t).Error
}

// ListActiveTargets returns every entity with active golden parameters.
func (s *GormStorage) ListActiveTargets(ctx context.Context) ([]core.DailyTarget, error) {
	var ts []core.DailyTarget
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("stock_code ASC").Find(&ts).Error
	return ts, err
}

// RecordHealthEvent appends a watchdog status transition.
func (s *GormStorage) RecordHealthEvent(ctx context.Context, ev *core.HealthEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// LatestHealthEvent returns the most recent transition, or nil when none exist.
func (s *GormStorage) LatestHealthEvent(ctx context.Context) (*core.HealthEvent, error) {
	var ev core.HealthEvent
	err := s.db.WithContext(ctx).Order("id DESC").First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
