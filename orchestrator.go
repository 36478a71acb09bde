// Package orchestrator assembles the backtest orchestration pipeline: the job
// store, the work queues, the collection and verification workers, the AWO
// engine, drift monitor, watchdog and reaper, the periodic scheduler and the
// HTTP surface.
//
// Basic usage:
//
//	cfg, _ := config.Load()
//	p, err := orchestrator.New(ctx, cfg, orchestrator.WithCollector(myCollector))
//	if err != nil {
//		return err
//	}
//	defer p.Close()
//	return p.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/jdziat/backtest-orchestrator/internal/config"
	"github.com/jdziat/backtest-orchestrator/pkg/awo"
	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/collection"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/drift"
	"github.com/jdziat/backtest-orchestrator/pkg/metrics"
	"github.com/jdziat/backtest-orchestrator/pkg/modeling"
	"github.com/jdziat/backtest-orchestrator/pkg/reaper"
	"github.com/jdziat/backtest-orchestrator/pkg/schedule"
	"github.com/jdziat/backtest-orchestrator/pkg/storage"
	"github.com/jdziat/backtest-orchestrator/pkg/validator"
	"github.com/jdziat/backtest-orchestrator/pkg/verification"
	"github.com/jdziat/backtest-orchestrator/pkg/watchdog"
	"github.com/jdziat/backtest-orchestrator/pkg/worker"
)

// ErrNoCollector is returned by the default collector. Deployments supply
// their data provider with WithCollector.
var ErrNoCollector = errors.New("orchestrator: no collector configured")

// Task names registered with the scheduler.
const (
	TaskReaper          = "reaper"
	TaskWatchdog        = "watchdog"
	TaskDailyCollection = "daily_collection"
	TaskDriftSweep      = "drift_sweep"
)

// sourceCacheSize bounds the number of cached training windows.
const sourceCacheSize = 256

// Pipeline holds every wired component.
type Pipeline struct {
	Config *config.Config
	Logger zerolog.Logger

	Store   *storage.GormStorage
	Broker  broker.Broker
	Metrics *metrics.Prometheus

	Source   *modeling.CachedSource
	Registry *modeling.MemoryRegistry

	Splitter     *collection.Splitter
	Collection   *collection.Worker
	Validator    *validator.Validator
	Engine       *awo.Engine
	Drift        *drift.Monitor
	Enqueuer     *verification.Enqueuer
	Verification *verification.Worker
	Watchdog     *watchdog.Watchdog
	Reaper       *reaper.Reaper

	Worker    *worker.Worker
	Scheduler *schedule.Scheduler

	now     func() time.Time
	closers []func() error
}

type options struct {
	logger    zerolog.Logger
	store     *storage.GormStorage
	broker    broker.Broker
	collector collection.Collector
	trainer   modeling.Trainer
	memory    watchdog.MemoryProbe
	now       func() time.Time
	workerOps []worker.WorkerOption
	schedOps  []schedule.Option
}

// Option configures New.
type Option func(*options)

// WithLogger sets the root logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore uses an already-open, migrated store. The pipeline does not close it.
func WithStore(s *storage.GormStorage) Option {
	return func(o *options) { o.store = s }
}

// WithBroker uses b instead of building one from config. The pipeline does not close it.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithCollector sets the data provider used by collection jobs.
func WithCollector(c collection.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithTrainer replaces the ridge trainer.
func WithTrainer(t modeling.Trainer) Option {
	return func(o *options) { o.trainer = t }
}

// WithMemoryProbe replaces the watchdog's host memory probe. Nil disables it.
func WithMemoryProbe(p watchdog.MemoryProbe) Option {
	return func(o *options) { o.memory = p }
}

// WithClock replaces time.Now for the workers, watchdog, reaper and scheduler.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithWorkerOptions appends consumer runtime options.
func WithWorkerOptions(opts ...worker.WorkerOption) Option {
	return func(o *options) { o.workerOps = append(o.workerOps, opts...) }
}

// WithSchedulerOptions appends scheduler options.
func WithSchedulerOptions(opts ...schedule.Option) Option {
	return func(o *options) { o.schedOps = append(o.schedOps, opts...) }
}

// New builds a pipeline from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	o := &options{
		logger: zerolog.Nop(),
		collector: collection.CollectorFunc(func(context.Context, string, time.Time) error {
			return ErrNoCollector
		}),
		trainer: modeling.RidgeTrainer{},
		memory:  watchdog.HostMemory,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pipeline{
		Config:  cfg,
		Logger:  o.logger.With().Str("component", "pipeline").Logger(),
		Metrics: metrics.NewPrometheus(),
		now:     o.now,
	}
	if err := p.open(ctx, o); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.wire(o); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) open(ctx context.Context, o *options) error {
	cfg := p.Config

	p.Store = o.store
	if p.Store == nil {
		s, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return err
		}
		p.closers = append(p.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		p.Store = s
	}

	p.Broker = o.broker
	if p.Broker == nil {
		b, err := openBroker(ctx, cfg)
		if err != nil {
			return err
		}
		p.closers = append(p.closers, b.Close)
		p.Broker = b
	}
	return nil
}

func openBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker {
	case config.BrokerMemory:
		return broker.NewMemoryBroker(), nil
	case config.BrokerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b := broker.NewRedisBroker(client, broker.RedisConfig{})
		for _, q := range core.AllQueues {
			if err := b.EnsureGroup(ctx, q); err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("redis broker: %w", err)
			}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
}

func (p *Pipeline) wire(o *options) error {
	cfg := p.Config
	log := o.logger
	sink := p.Metrics

	stored := modeling.NewStoreSource(p.Store)
	source, err := modeling.NewCachedSource(stored, sourceCacheSize)
	if err != nil {
		return fmt.Errorf("training source: %w", err)
	}
	p.Source = source
	p.Registry = modeling.NewMemoryRegistry()

	p.Validator = validator.New(source, o.trainer, p.Store, log)
	// Scans preload one window at a time straight from the store.
	p.Engine = awo.NewEngine(p.Store, p.Validator, stored, o.trainer, p.Registry, log,
		awo.WithModelSource(cfg.ModelSource),
		awo.WithMetrics(sink),
		awo.WithClock(o.now),
	)
	p.Enqueuer = verification.NewEnqueuer(p.Store, p.Broker, log)
	p.Drift = drift.NewMonitor(p.Store, p.Enqueuer, cfg.ModelSource, log)

	p.Splitter = collection.NewSplitter(p.Store, p.Broker, log)
	p.Collection = collection.NewWorker(p.Store, o.collector, p.Enqueuer, log,
		collection.WithMetrics(sink),
		collection.WithClock(o.now),
		collection.WithInvalidator(source),
	)
	p.Verification = verification.NewWorker(p.Store, p.Engine, p.Validator, p.Drift, log,
		verification.WithMetrics(sink),
		verification.WithClock(o.now),
		verification.WithModelSource(cfg.ModelSource),
	)

	p.Watchdog = watchdog.New(p.Store, p.Broker, log,
		watchdog.WithGrace(cfg.Watchdog.Grace),
		watchdog.WithBacklogThreshold(int64(cfg.Watchdog.BacklogThreshold)),
		watchdog.WithMemoryProbe(o.memory),
		watchdog.WithMetrics(sink),
		watchdog.WithClock(o.now),
	)
	p.Reaper = reaper.New(p.Store, p.Broker, reaper.Config{
		JobTimeout:             cfg.Reaper.JobTimeout,
		VerificationTimeout:    cfg.Reaper.VerificationTimeout,
		JobMaxRetries:          cfg.Reaper.JobMaxRetries,
		VerificationMaxRetries: cfg.Reaper.VerificationMaxRetries,
	}, log, reaper.WithClock(o.now))

	workerOpts := []worker.WorkerOption{worker.WithTickInterval(cfg.PollInterval)}
	for _, q := range core.AllQueues {
		workerOpts = append(workerOpts, worker.WorkerQueue(q, worker.Concurrency(cfg.Concurrency[q])))
	}
	p.Worker = worker.NewWorker(p.Broker, log, append(workerOpts, o.workerOps...)...)
	p.registerRoutes()

	p.Scheduler = schedule.New(log, append([]schedule.Option{schedule.WithClock(o.now)}, o.schedOps...)...)
	return p.registerTasks()
}

// Run consumes all queues, fires scheduled tasks and serves HTTP on
// Config.HTTPAddr until ctx is cancelled or one of them fails. It returns
// after every consumer and scheduled task has returned.
func (p *Pipeline) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	srv := &http.Server{
		Addr:              p.Config.HTTPAddr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	const parts = 3
	errCh := make(chan error, parts)
	go func() { errCh <- p.Worker.Start(ctx) }()
	go func() { errCh <- p.Scheduler.Start(ctx) }()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
			return
		}
		errCh <- nil
	}()
	p.Logger.Info().
		Str("worker_id", p.Worker.ID()).
		Str("http_addr", p.Config.HTTPAddr).
		Strs("tasks", p.Scheduler.Names()).
		Msg("pipeline running")

	var first error
	received := 0
	select {
	case <-ctx.Done():
	case first = <-errCh:
		received++
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	for ; received < parts; received++ {
		if err := <-errCh; first == nil || errors.Is(first, context.Canceled) {
			first = err
		}
	}
	if first != nil && !errors.Is(first, context.Canceled) {
		p.Logger.Error().Err(first).Msg("pipeline stopped")
		return first
	}
	p.Logger.Info().Msg("pipeline stopped")
	return parent.Err()
}

// Close releases the store and broker the pipeline opened itself.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
