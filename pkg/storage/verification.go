package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

// CreateVerificationJob inserts a verification job.
func (s *GormStorage) CreateVerificationJob(ctx context.Context, v *core.VerificationJob) error {
	if v.VJobID == "" {
		v.VJobID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = core.StatusPending
	}
	return s.db.WithContext(ctx).Create(v).Error
}

// GetVerificationJob retrieves a verification job by ID.
func (s *GormStorage) GetVerificationJob(ctx context.Context, vJobID string) (*core.VerificationJob, error) {
	var v core.VerificationJob
	err := s.db.WithContext(ctx).First(&v, "v_job_id = ?", vJobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVerificationStatus reads only the status column.
func (s *GormStorage) GetVerificationStatus(ctx context.Context, vJobID string) (core.JobStatus, error) {
	var v core.VerificationJob
	err := s.db.WithContext(ctx).Select("status").First(&v, "v_job_id = ?", vJobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", core.ErrJobNotFound
	}
	return v.Status, err
}

// IsStopped reports whether a running engine must abandon the verification
// job: a stop was requested or the job already reached a terminal status,
// whether stopped, failed by the reaper or completed elsewhere.
func (s *GormStorage) IsStopped(ctx context.Context, vJobID string) (bool, error) {
	status, err := s.GetVerificationStatus(ctx, vJobID)
	if err != nil {
		return false, err
	}
	return status == core.StatusStopRequested || status.IsTerminal(), nil
}

// StartVerificationJob moves a pending or running job to running under workerID.
// Terminal jobs yield ErrTerminalStatus so the caller can discard the message.
func (s *GormStorage) StartVerificationJob(ctx context.Context, vJobID, workerID string) (*core.VerificationJob, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.VerificationJob{}).
		Where("v_job_id = ? AND status IN ?", vJobID, []core.JobStatus{core.StatusPending, core.StatusRunning}).
		Updates(map[string]any{
			"status":     core.StatusRunning,
			"worker_id":  workerID,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	v, err := s.GetVerificationJob(ctx, vJobID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return v, core.ErrTerminalStatus
	}
	return v, nil
}

// UpdateVerificationProgress writes progress and refreshes updated_at.
func (s *GormStorage) UpdateVerificationProgress(ctx context.Context, vJobID string, progress float64) error {
	result := s.db.WithContext(ctx).
		Model(&core.VerificationJob{}).
		Where("v_job_id = ? AND status IN ?", vJobID, nonTerminal).
		Update("progress", core.RoundProgress(progress))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTerminalStatus
	}
	return nil
}

// TouchVerificationJob refreshes updated_at without changing progress.
func (s *GormStorage) TouchVerificationJob(ctx context.Context, vJobID string) error {
	return s.db.WithContext(ctx).
		Model(&core.VerificationJob{}).
		Where("v_job_id = ?", vJobID).
		Update("updated_at", time.Now()).Error
}

// CompleteVerificationJob stores the summary and marks the job completed.
func (s *GormStorage) CompleteVerificationJob(ctx context.Context, vJobID string, summary []byte) error {
	return s.finishVerification(ctx, vJobID, map[string]any{
		"status":         core.StatusCompleted,
		"progress":       100,
		"result_summary": datatypes.JSON(summary),
	})
}

// FailVerificationJob marks the job failed with a sanitized error message.
func (s *GormStorage) FailVerificationJob(ctx context.Context, vJobID, errMsg string) error {
	return s.finishVerification(ctx, vJobID, map[string]any{
		"status":        core.StatusFailed,
		"error_message": security.SanitizeErrorMessage(errMsg),
	})
}

// StopVerificationJob is the operator action that cancels a verification job.
// Running engines observe it at their next cancellation check.
func (s *GormStorage) StopVerificationJob(ctx context.Context, vJobID string) error {
	return s.finishVerification(ctx, vJobID, map[string]any{
		"status":        core.StatusStopped,
		"error_message": "stopped by operator",
	})
}

func (s *GormStorage) finishVerification(ctx context.Context, vJobID string, updates map[string]any) error {
	updates["completed_at"] = time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.VerificationJob{}).
		Where("v_job_id = ? AND status IN ?", vJobID, nonTerminal).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTerminalStatus
	}
	return nil
}

// ListVerificationJobsByStatus retrieves verification jobs by status.
func (s *GormStorage) ListVerificationJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.VerificationJob, error) {
	var jobs []core.VerificationJob
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// ListStaleVerificationJobs returns running verification jobs whose
// updated_at is before cutoff.
func (s *GormStorage) ListStaleVerificationJobs(ctx context.Context, cutoff time.Time) ([]core.VerificationJob, error) {
	var jobs []core.VerificationJob
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusRunning).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// RequeueStaleVerificationJob resets a still-stale job to pending and bumps its retry count.
func (s *GormStorage) RequeueStaleVerificationJob(ctx context.Context, vJobID string, cutoff time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.VerificationJob{}).
		Where("v_job_id = ? AND status = ? AND updated_at < ?", vJobID, core.StatusRunning, cutoff).
		Updates(map[string]any{
			"status":      core.StatusPending,
			"worker_id":   "",
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	return result.RowsAffected > 0, result.Error
}

// FailStaleVerificationJob terminally fails a still-stale running job.
func (s *GormStorage) FailStaleVerificationJob(ctx context.Context, vJobID string, cutoff time.Time, msg string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.VerificationJob{}).
		Where("v_job_id = ? AND status = ? AND updated_at < ?", vJobID, core.StatusRunning, cutoff).
		Updates(map[string]any{
			"status":        core.StatusFailed,
			"error_message": security.SanitizeErrorMessage(msg),
			"completed_at":  time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}
