// Package storage provides storage implementations for the orchestration packages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

// GormStorage is the job store, backed by GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the store runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.VerificationJob{},
		&core.AWOCheckpoint{},
		&core.ModelVersionMeta{},
		&core.DailyTarget{},
		&core.BacktestResult{},
		&core.Prediction{},
		&core.HealthEvent{},
		&core.FeatureRow{},
	)
}

// nonTerminal lists the statuses a worker may still transition out of.
var nonTerminal = []core.JobStatus{core.StatusPending, core.StatusRunning, core.StatusStopRequested}

// CreateJob inserts a collection job.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a collection job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobStatus reads only the status column.
func (s *GormStorage) GetJobStatus(ctx context.Context, jobID string) (core.JobStatus, error) {
	var job core.Job
	err := s.db.WithContext(ctx).Select("status").First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", core.ErrJobNotFound
	}
	return job.Status, err
}

// StartJob claims a job for workerID. Pending jobs become running; a job with
// a pending stop request is returned unchanged so the caller can honour it.
func (s *GormStorage) StartJob(ctx context.Context, jobID, workerID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "job_id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrJobNotFound
			}
			return err
		}
		if job.Status.IsTerminal() {
			return core.ErrTerminalStatus
		}
		if job.Status == core.StatusStopRequested {
			return nil
		}

		now := time.Now()
		updates := map[string]any{
			"status":    core.StatusRunning,
			"worker_id": workerID,
		}
		if job.StartedAt == nil {
			updates["started_at"] = now
			job.StartedAt = &now
		}
		job.Status = core.StatusRunning
		job.WorkerID = workerID
		return tx.Model(&core.Job{}).Where("job_id = ?", jobID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// TouchJob refreshes updated_at without changing progress.
func (s *GormStorage) TouchJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("job_id = ?", jobID).
		Update("updated_at", time.Now()).Error
}

// ProgressUpdate is the outcome of one sub-task progress write.
type ProgressUpdate struct {
	TaskProgress float64
	JobProgress  float64
	// Completed is true only for the write that moved the job to completed.
	Completed bool
}

// UpdateSubTaskProgress records doneSteps for taskKey and recomputes the job's
// global progress as the mean of its sub-tasks. The read-modify-write runs in
// one transaction holding a row lock on the job.
func (s *GormStorage) UpdateSubTaskProgress(ctx context.Context, jobID, taskKey string, doneSteps int) (ProgressUpdate, error) {
	var out ProgressUpdate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "job_id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrJobNotFound
			}
			return err
		}
		if job.Status.IsTerminal() {
			return core.ErrTerminalStatus
		}

		params, err := job.CollectionParams()
		if err != nil {
			return err
		}
		task, ok := params.Tasks.Get(taskKey)
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrUnknownTaskKey, taskKey)
		}

		if doneSteps > task.Days {
			doneSteps = task.Days
		}
		task.Progress = task.StepProgress(doneSteps)
		task.Status = core.StatusRunning
		if doneSteps >= task.Days {
			task.Status = core.StatusCompleted
			task.Progress = 100
		}
		params.Tasks.Set(taskKey, task)

		raw, err := params.Encode()
		if err != nil {
			return err
		}

		out.TaskProgress = task.Progress
		out.JobProgress = params.Tasks.MeanProgress()
		updates := map[string]any{
			"params":   datatypes.JSON(raw),
			"progress": out.JobProgress,
		}
		if params.Tasks.AllCompleted() {
			updates["status"] = core.StatusCompleted
			updates["completed_at"] = time.Now()
			updates["message"] = fmt.Sprintf("collected %d days", params.Days)
			out.Completed = true
		}
		return tx.Model(&core.Job{}).Where("job_id = ?", jobID).Updates(updates).Error
	})
	return out, err
}

// FailJob marks a non-terminal job failed with a truncated message.
func (s *GormStorage) FailJob(ctx context.Context, jobID, msg string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("job_id = ? AND status IN ?", jobID, nonTerminal).
		Updates(map[string]any{
			"status":       core.StatusFailed,
			"message":      security.TruncateMessage(msg, security.MaxJobMessageLength),
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTerminalStatus
	}
	return nil
}

// RequestStop asks the worker owning a job to stop at its next check.
func (s *GormStorage) RequestStop(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("job_id = ? AND status IN ?", jobID, nonTerminal).
		Updates(map[string]any{
			"status":  core.StatusStopRequested,
			"message": "stop requested",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTerminalStatus
	}
	return nil
}

// MarkJobStopped moves a job with a pending stop request to stopped.
func (s *GormStorage) MarkJobStopped(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("job_id = ? AND status IN ?", jobID, nonTerminal).
		Updates(map[string]any{
			"status":       core.StatusStopped,
			"message":      "stopped by operator",
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTerminalStatus
	}
	return nil
}

// ListJobsByStatus retrieves collection jobs by status.
func (s *GormStorage) ListJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.Job, error) {
	var jobs []core.Job
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// ListStaleJobs returns running and stop_requested jobs whose updated_at is
// before cutoff.
func (s *GormStorage) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]core.Job, error) {
	var jobs []core.Job
	err := s.db.WithContext(ctx).
		Where("status IN ?", []core.JobStatus{core.StatusRunning, core.StatusStopRequested}).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// RequeueStaleJob resets a still-stale running job to pending and bumps its
// retry count. It reports false when the job moved on since it was listed.
func (s *GormStorage) RequeueStaleJob(ctx context.Context, jobID string, cutoff time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("job_id = ? AND status = ? AND updated_at < ?", jobID, core.StatusRunning, cutoff).
		Updates(map[string]any{
			"status":      core.StatusPending,
			"worker_id":   "",
			"retry_count": gorm.Expr("retry_count + 1"),
			"message":     "requeued after stale heartbeat",
		})
	return result.RowsAffected > 0, result.Error
}

// FailStaleJob terminally fails a still-stale running job.
func (s *GormStorage) FailStaleJob(ctx context.Context, jobID string, cutoff time.Time, msg string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("job_id = ? AND status = ? AND updated_at < ?", jobID, core.StatusRunning, cutoff).
		Updates(map[string]any{
			"status":       core.StatusFailed,
			"message":      security.TruncateMessage(msg, security.MaxJobMessageLength),
			"completed_at": time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// StopStaleJob moves a still-stale stop_requested job to stopped. Its worker
// is gone, so nothing else would ever observe the request.
func (s *GormStorage) StopStaleJob(ctx context.Context, jobID string, cutoff time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("job_id = ? AND status = ? AND updated_at < ?", jobID, core.StatusStopRequested, cutoff).
		Updates(map[string]any{
			"status":       core.StatusStopped,
			"message":      "stopped after its worker was lost",
			"completed_at": time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}
