package core

import (
	"errors"
	"fmt"
)

// Store and validation errors
var (
	ErrJobNotFound      = errors.New("orchestrator: job not found")
	ErrTerminalStatus   = errors.New("orchestrator: job already in a terminal status")
	ErrStatusConflict   = errors.New("orchestrator: job status changed concurrently")
	ErrInvalidParams    = errors.New("orchestrator: invalid job params")
	ErrUnknownTaskKey   = errors.New("orchestrator: unknown task key")
	ErrInvalidStockCode = errors.New("orchestrator: invalid stock code")
	ErrInvalidQueueName = errors.New("orchestrator: invalid queue name")
)

// Modeling and lineage errors
var (
	ErrInsufficientData = errors.New("orchestrator: not enough history")
	ErrNoActiveVersion  = errors.New("orchestrator: no active model version")
	ErrNoParentVersion  = errors.New("orchestrator: active version has no parent to roll back to")
	ErrNoPrediction     = errors.New("orchestrator: prediction not found")
)

// ErrJobStopped is returned when a worker observes a stop request.
var ErrJobStopped = errors.New("orchestrator: job stopped")

// ComputationError wraps a failure raised by the modeling layer or a collector
// during one unit of work.
type ComputationError struct {
	Step int
	Err  error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// Computation wraps err as a computation failure at step.
func Computation(step int, err error) error {
	return &ComputationError{Step: step, Err: err}
}
