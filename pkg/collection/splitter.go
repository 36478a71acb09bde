// Package collection splits collection requests into resumable sub-tasks and
// runs them.
package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

// JobCreator persists new collection jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, job *core.Job) error
}

// Splitter turns collection requests into jobs and sub-task messages.
type Splitter struct {
	store     JobCreator
	publisher broker.Publisher
	logger    zerolog.Logger
}

// NewSplitter creates a splitter.
func NewSplitter(store JobCreator, publisher broker.Publisher, logger zerolog.Logger) *Splitter {
	return &Splitter{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "splitter").Logger(),
	}
}

// SplitBackfill divides totalDays into a backward "recent" half of
// ceil(totalDays/2) days and a forward "historical" remainder that starts
// where the recent half ends. A zero-day remainder is omitted.
func SplitBackfill(totalDays, offset int) core.TaskMap {
	recent := (totalDays + 1) / 2
	historical := totalDays - recent

	var tasks core.TaskMap
	tasks.Set(core.TaskRecent, core.SubTask{
		Direction: core.DirectionBackward,
		Days:      recent,
		Offset:    offset,
		Status:    core.StatusPending,
	})
	if historical > 0 {
		tasks.Set(core.TaskHistorical, core.SubTask{
			Direction: core.DirectionForward,
			Days:      historical,
			Offset:    offset + recent,
			Status:    core.StatusPending,
		})
	}
	return tasks
}

// CreateBackfillJob persists one backfill job holding both sub-tasks and
// publishes one message per sub-task to the bulk-collection queue.
func (s *Splitter) CreateBackfillJob(ctx context.Context, stockCode string, totalDays, offset int) (string, error) {
	if err := security.ValidateStockCode(stockCode); err != nil {
		return "", err
	}
	if totalDays <= 0 || totalDays > security.MaxBackfillDays {
		return "", fmt.Errorf("%w: days must be in [1, %d]", core.ErrInvalidParams, security.MaxBackfillDays)
	}
	if offset < 0 {
		return "", fmt.Errorf("%w: negative offset", core.ErrInvalidParams)
	}

	params := core.CollectionParams{
		StockCode: stockCode,
		Days:      totalDays,
		Offset:    offset,
		Tasks:     SplitBackfill(totalDays, offset),
	}
	return s.create(ctx, core.JobTypeBackfill, params)
}

// CreateDailyJob persists a daily job with a single "daily" sub-task covering
// the last days days and publishes it to the daily-collection queue.
func (s *Splitter) CreateDailyJob(ctx context.Context, stockCode string, days int) (string, error) {
	if err := security.ValidateStockCode(stockCode); err != nil {
		return "", err
	}
	if days <= 0 {
		days = 1
	}
	params := core.CollectionParams{StockCode: stockCode, Days: days}
	params.Tasks.Set(core.TaskDaily, core.SubTask{
		Direction: core.DirectionBackward,
		Days:      days,
		Status:    core.StatusPending,
	})
	return s.create(ctx, core.JobTypeDaily, params)
}

func (s *Splitter) create(ctx context.Context, jobType core.JobType, params core.CollectionParams) (string, error) {
	raw, err := params.Encode()
	if err != nil {
		return "", err
	}
	job := &core.Job{
		JobType: jobType,
		Status:  core.StatusPending,
		Params:  datatypes.JSON(raw),
		Message: fmt.Sprintf("queued %d days", params.Days),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := Publish(ctx, s.publisher, job.JobID, jobType, params); err != nil {
		return job.JobID, err
	}
	s.logger.Info().
		Str("job_id", job.JobID).
		Str("stock_code", params.StockCode).
		Str("job_type", string(jobType)).
		Int("days", params.Days).
		Int("sub_tasks", params.Tasks.Len()).
		Msg("collection job created")
	return job.JobID, nil
}

// Publish sends one message per incomplete sub-task of a job to the queue
// its job type routes to. The reaper uses it to republish requeued jobs.
func Publish(ctx context.Context, publisher broker.Publisher, jobID string, jobType core.JobType, params core.CollectionParams) error {
	queue := core.QueueForJobType(jobType)
	for _, key := range params.Tasks.Keys() {
		task, _ := params.Tasks.Get(key)
		if task.Status == core.StatusCompleted {
			continue
		}
		msg := core.CollectionMessage{JobID: jobID, TaskKey: key, StockCode: params.StockCode}
		if err := broker.PublishJSON(ctx, publisher, queue, msg); err != nil {
			return fmt.Errorf("publish %s/%s: %w", jobID, key, err)
		}
	}
	return nil
}

// DayFor maps a sub-task step to the calendar day it collects. Backward tasks
// walk from today-offset into the past; forward tasks start at the oldest day
// of their range and walk toward today.
func DayFor(today time.Time, task core.SubTask, step int) time.Time {
	back := task.Offset + step
	if task.Direction == core.DirectionForward {
		back = task.Offset + task.Days - 1 - step
	}
	return today.AddDate(0, 0, -back)
}
