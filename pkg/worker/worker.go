package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
)

// ErrUndecodable marks a message whose body cannot be read. Such messages are
// nacked to the dead-letter queue.
var ErrUndecodable = errors.New("worker: undecodable message")

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Handler processes one message. workerID is the consumer's identity.
type Handler func(ctx context.Context, msg broker.Message, workerID string) error

// JSONHandler decodes the message body into T before calling fn.
func JSONHandler[T any](fn func(ctx context.Context, msg T, workerID string) error) Handler {
	return func(ctx context.Context, m broker.Message, workerID string) error {
		var v T
		if err := json.Unmarshal(m.Body, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return fn(ctx, v, workerID)
	}
}

// Route is what a queue's consumers run.
type Route struct {
	Handle Handler
	// Tick runs on every tick while Handle is busy, after the broker
	// heartbeat. It mirrors progress; errors are its own business.
	Tick func(ctx context.Context, msg broker.Message)
	// Recover runs after Handle panicked, so the job can be marked failed.
	Recover func(ctx context.Context, msg broker.Message, err *PanicError)
}

// Subscriber opens consumers.
type Subscriber interface {
	Subscribe(ctx context.Context, queue, consumer string) (broker.Subscription, error)
}

// Worker runs a fixed pool of consumers per queue. Each consumer holds one
// message at a time, runs its handler in a separate goroutine while it keeps
// the delivery alive, and settles the message only after the handler returns.
type Worker struct {
	broker Subscriber
	config WorkerConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	routes map[string]Route
	wg     sync.WaitGroup
}

// NewWorker creates a worker consuming from b.
func NewWorker(b Subscriber, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		TickInterval: 2 * time.Second,
		WorkerID:     uuid.New().String(),
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Queues == nil {
		config.Queues = make(map[string]int)
	}
	if config.SettleRetry == nil {
		cfg := DefaultRetryConfig()
		config.SettleRetry = &cfg
	}
	if config.ReceiveRetry == nil {
		cfg := receiveRetryConfig()
		config.ReceiveRetry = &cfg
	}

	return &Worker{
		broker: b,
		config: config,
		logger: logger.With().Str("component", "worker").Str("worker_id", config.WorkerID).Logger(),
		routes: make(map[string]Route),
	}
}

// Handle registers the route for queue. A queue not named in the config gets
// DefaultConcurrency consumers.
func (w *Worker) Handle(queue string, r Route) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routes[queue] = r
	if _, ok := w.config.Queues[queue]; !ok {
		w.config.Queues[queue] = DefaultConcurrency
	}
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.config.WorkerID }

// Start runs the consumers. Blocks until ctx is cancelled and every consumer
// has returned.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.RLock()
	queues := make([]string, 0, len(w.config.Queues))
	for q := range w.config.Queues {
		if _, ok := w.routes[q]; !ok {
			w.mu.RUnlock()
			return fmt.Errorf("worker: no handler for queue %s", q)
		}
		queues = append(queues, q)
	}
	w.mu.RUnlock()
	sort.Strings(queues)

	for _, q := range queues {
		n := w.config.Queues[q]
		w.logger.Info().Str("queue", q).Int("consumers", n).Msg("starting consumers")
		for i := 0; i < n; i++ {
			w.wg.Add(1)
			go w.consume(ctx, q, fmt.Sprintf("%s-%s-%d", w.config.WorkerID, q, i))
		}
	}

	<-ctx.Done()
	w.wg.Wait()
	return ctx.Err()
}

func (w *Worker) consume(ctx context.Context, queue, consumer string) {
	defer w.wg.Done()
	log := w.logger.With().Str("queue", queue).Str("consumer", consumer).Logger()

	var sub broker.Subscription
	err := retryWithBackoff(ctx, *w.config.ReceiveRetry, func() error {
		var subErr error
		sub, subErr = w.broker.Subscribe(ctx, queue, consumer)
		return subErr
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("subscribe failed after retries")
		}
		return
	}
	defer sub.Close()

	w.mu.RLock()
	route := w.routes[queue]
	w.mu.RUnlock()

	for {
		var d broker.Delivery
		err := retryWithBackoff(ctx, *w.config.ReceiveRetry, func() error {
			var recvErr error
			d, recvErr = sub.Receive(ctx)
			return recvErr
		})
		if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("receive failed after retries")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.TickInterval):
			}
			continue
		}
		w.process(ctx, route, d, log)
	}
}

// process runs the handler and pumps heartbeats until it returns, then
// settles the delivery.
func (w *Worker) process(ctx context.Context, route Route, d broker.Delivery, log zerolog.Logger) {
	msg := d.Message()
	log = log.With().Str("message_id", msg.ID).Logger()
	started := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- w.execute(ctx, route, msg)
	}()

	ticker := time.NewTicker(w.config.TickInterval)
	defer ticker.Stop()

	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		case <-ticker.C:
			if hbErr := d.Heartbeat(ctx); hbErr != nil {
				log.Warn().Err(hbErr).Msg("broker heartbeat failed")
			}
			if route.Tick != nil {
				route.Tick(ctx, msg)
			}
		}
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		log.Error().Interface("panic", pe.Value).Bytes("stack", pe.Stack).Msg("handler panicked")
		if route.Recover != nil {
			route.Recover(ctx, msg, pe)
		}
	}

	switch {
	case errors.Is(err, ErrUndecodable):
		log.Error().Err(err).Msg("message moved to dead-letter queue")
		w.settle(ctx, log, func() error { return d.Nack(ctx, err.Error()) })
	case ctx.Err() != nil:
		// Shutdown interrupted the handler; the message stays unacked for
		// redelivery.
		log.Info().Msg("handler interrupted by shutdown")
	default:
		if err != nil && pe == nil {
			log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("handler failed")
		} else if err == nil {
			log.Debug().Dur("elapsed", time.Since(started)).Msg("handler finished")
		}
		w.settle(ctx, log, func() error { return d.Ack(ctx) })
	}
}

func (w *Worker) execute(ctx context.Context, route Route, msg broker.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return route.Handle(ctx, msg, w.config.WorkerID)
}

func (w *Worker) settle(ctx context.Context, log zerolog.Logger, op func() error) {
	if err := retryWithBackoff(ctx, *w.config.SettleRetry, op); err != nil {
		log.Error().Err(err).Msg("could not settle message")
	}
}
