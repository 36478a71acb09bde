package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)
}

func TestRetryWithBackoff_SuccessOnFirstAttempt(t *testing.T) {
	cfg := DefaultRetryConfig()
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_SuccessAfterRetries(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.0, // No jitter for predictable testing
	}
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.0,
	}
	var attempts int
	expectedErr := errors.New("persistent error")

	err := retryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_RespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryWithBackoff(ctx, cfg, func() error {
		attempts.Add(1)
		return errors.New("keep failing")
	})

	assert.ErrorIs(t, err, context.Canceled)
	// Should have attempted at least once before cancellation
	assert.GreaterOrEqual(t, attempts.Load(), int32(1))
}

func TestRetryWithBackoff_StopsOnContextError(t *testing.T) {
	cfg := DefaultRetryConfig()
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		return context.Canceled
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts) // Should not retry on context errors
}

func TestRetryWithBackoff_TransientStoreLockThenSettles(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("update job progress: %w", errors.New("database is locked"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_ClosedBrokerNotRetried(t *testing.T) {
	var attempts int

	err := retryWithBackoff(context.Background(), DefaultRetryConfig(), func() error {
		attempts++
		return fmt.Errorf("ack: %w", broker.ErrClosed)
	})

	assert.ErrorIs(t, err, broker.ErrClosed)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_StopsOnPermanentError(t *testing.T) {
	cfg := DefaultRetryConfig()
	var attempts int

	err := retryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("ack: %w", broker.ErrAlreadySettled)
	})

	assert.ErrorIs(t, err, broker.ErrAlreadySettled)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context.Canceled", context.Canceled, false},
		{"context.DeadlineExceeded", context.DeadlineExceeded, false},
		{"broker closed", broker.ErrClosed, false},
		{"already settled", broker.ErrAlreadySettled, false},
		{"terminal job", fmt.Errorf("complete: %w", core.ErrTerminalStatus), false},
		{"missing job", core.ErrJobNotFound, false},
		{"bad params", core.ErrInvalidParams, false},
		{"generic error", errors.New("connection reset by peer"), true},
		{"text mentioning cancellation", errors.New("wrapped: " + context.Canceled.Error()), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

func TestWithSettleRetry_Option(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 200 * time.Millisecond,
	}

	workerCfg := WorkerConfig{}
	WithSettleRetry(cfg).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.SettleRetry)
	assert.Equal(t, 10, workerCfg.SettleRetry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, workerCfg.SettleRetry.InitialBackoff)
}

func TestWithReceiveRetry_Option(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
	}

	workerCfg := WorkerConfig{}
	WithReceiveRetry(cfg).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.ReceiveRetry)
	assert.Equal(t, 3, workerCfg.ReceiveRetry.MaxAttempts)
	assert.Equal(t, 1*time.Second, workerCfg.ReceiveRetry.InitialBackoff)
}

func TestWithRetryAttempts_Option(t *testing.T) {
	workerCfg := WorkerConfig{}
	WithRetryAttempts(7).ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.SettleRetry)
	assert.Equal(t, 7, workerCfg.SettleRetry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, workerCfg.SettleRetry.InitialBackoff)
}

func TestDisableRetry_Option(t *testing.T) {
	workerCfg := WorkerConfig{}
	DisableRetry().ApplyWorker(&workerCfg)

	require.NotNil(t, workerCfg.SettleRetry)
	require.NotNil(t, workerCfg.ReceiveRetry)
	assert.Equal(t, 1, workerCfg.SettleRetry.MaxAttempts)
	assert.Equal(t, 1, workerCfg.ReceiveRetry.MaxAttempts)
}
