package worker

import (
	"time"

	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

// DefaultConcurrency is the consumer count of a queue added without one.
const DefaultConcurrency = 1

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues map[string]int // queue name -> consumer count
	// TickInterval is how often a consumer pumps the broker heartbeat and
	// mirrors progress while its handler runs.
	TickInterval time.Duration
	WorkerID     string
	// SettleRetry covers acks and nacks; ReceiveRetry covers subscribe and
	// receive calls.
	SettleRetry  *RetryConfig
	ReceiveRetry *RetryConfig
}

// Concurrency sets the consumer count of every queue configured so far.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to consume with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		// Options apply to a scratch config so Concurrency only touches name.
		scratch := WorkerConfig{Queues: map[string]int{name: DefaultConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(&scratch)
		}
		c.Queues[name] = scratch.Queues[name]
	})
}

// WithWorkerID sets the identity written to job rows and used as the
// consumer-name prefix.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// WithTickInterval sets the heartbeat and progress-mirroring interval.
func WithTickInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.TickInterval = d
		}
	})
}

// WithSettleRetry sets the retry policy for acks and nacks.
func WithSettleRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.SettleRetry = &cfg
	})
}

// WithReceiveRetry sets the retry policy for subscribing and receiving.
func WithReceiveRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ReceiveRetry = &cfg
	})
}

// WithRetryAttempts sets the settle attempt count, keeping default backoff.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = n
		c.SettleRetry = &cfg
	})
}

// DisableRetry makes every broker call single-shot.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		once := DefaultRetryConfig()
		once.MaxAttempts = 1
		settle, receive := once, once
		c.SettleRetry = &settle
		c.ReceiveRetry = &receive
	})
}
