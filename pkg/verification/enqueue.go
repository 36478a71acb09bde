// Package verification creates verification jobs and runs them: AWO scans,
// walk-forward checks and daily production updates.
package verification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

// DefaultValidationMonths is the scan period when params leave it unset.
const DefaultValidationMonths = 3

// JobCreator persists new verification jobs.
type JobCreator interface {
	CreateVerificationJob(ctx context.Context, v *core.VerificationJob) error
}

// Enqueue creates a pending verification job and publishes it to the queue
// its type routes to. The job id is returned even when publishing fails.
func Enqueue(ctx context.Context, store JobCreator, publisher broker.Publisher, stockCode string, vType core.VerificationType, params core.VerificationParams) (string, error) {
	if err := security.ValidateStockCode(stockCode); err != nil {
		return "", err
	}
	switch vType {
	case core.VerificationAWOScan, core.VerificationWFCheck, core.VerificationDailyUpdate:
	default:
		return "", fmt.Errorf("%w: verification type %q", core.ErrInvalidParams, vType)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	v := &core.VerificationJob{
		StockCode: stockCode,
		VType:     vType,
		Status:    core.StatusPending,
		Params:    datatypes.JSON(raw),
	}
	if err := store.CreateVerificationJob(ctx, v); err != nil {
		return "", fmt.Errorf("create verification job: %w", err)
	}
	msg := core.VerificationMessage{VJobID: v.VJobID, StockCode: stockCode, VType: vType}
	if err := broker.PublishJSON(ctx, publisher, core.QueueForVerificationType(vType), msg); err != nil {
		return v.VJobID, fmt.Errorf("publish %s: %w", v.VJobID, err)
	}
	return v.VJobID, nil
}

// EnqueueStore is the store surface of an Enqueuer.
type EnqueueStore interface {
	JobCreator
	GetDailyTarget(ctx context.Context, stockCode string) (*core.DailyTarget, error)
}

// Enqueuer binds Enqueue to a store and a publisher. It also serves as the
// training trigger fired when a collection job completes.
type Enqueuer struct {
	store     EnqueueStore
	publisher broker.Publisher
	logger    zerolog.Logger
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(store EnqueueStore, publisher broker.Publisher, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "enqueuer").Logger(),
	}
}

// Enqueue creates and publishes one verification job.
func (e *Enqueuer) Enqueue(ctx context.Context, stockCode string, vType core.VerificationType, params core.VerificationParams) (string, error) {
	id, err := Enqueue(ctx, e.store, e.publisher, stockCode, vType, params)
	if err != nil {
		return id, err
	}
	e.logger.Info().
		Str("v_job_id", id).
		Str("stock_code", stockCode).
		Str("v_type", string(vType)).
		Str("reason", params.Reason).
		Msg("verification job enqueued")
	return id, nil
}

// TriggerTraining starts training for an entity whose data just landed. An
// entity without golden parameters gets a full scan; one with them gets a
// daily production update.
func (e *Enqueuer) TriggerTraining(ctx context.Context, stockCode, reason string) error {
	target, err := e.store.GetDailyTarget(ctx, stockCode)
	if err != nil {
		return fmt.Errorf("daily target: %w", err)
	}
	if target == nil || !target.IsActive {
		_, err = e.Enqueue(ctx, stockCode, core.VerificationAWOScan, core.VerificationParams{
			ValidationMonths: DefaultValidationMonths,
			Reason:           reason,
		})
		return err
	}
	_, err = e.Enqueue(ctx, stockCode, core.VerificationDailyUpdate, core.VerificationParams{Reason: reason})
	return err
}
