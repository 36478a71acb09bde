package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is one periodic unit of work.
type Task func(ctx context.Context) error

type entry struct {
	name     string
	schedule Schedule
	task     Task
	next     time.Time
	running  atomic.Bool
}

// Scheduler fires registered tasks when their schedules come due. A task
// still running from its previous firing is skipped, not stacked.
type Scheduler struct {
	logger zerolog.Logger
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets how often schedules are checked.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  logger.With().Str("component", "scheduler").Logger(),
		tick:    time.Second,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds or replaces the task called name. Its first firing is the
// schedule's next time after now.
func (s *Scheduler) Register(name string, sched Schedule, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = &entry{name: name, schedule: sched, task: task, next: sched.Next(s.now())}
}

// Names lists the registered tasks.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Next returns when name fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// RunNow runs name synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown task %q", name)
	}
	return e.task(ctx)
}

// Start checks schedules every tick until ctx is cancelled, then waits for
// running tasks to return.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		if !e.running.CompareAndSwap(false, true) {
			s.logger.Warn().Str("task", e.name).Msg("previous run still in progress, skipping")
			continue
		}
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			defer e.running.Store(false)
			s.run(ctx, e)
		}(e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("task", e.name).Interface("panic", r).Msg("scheduled task panicked")
		}
	}()
	if err := e.task(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Str("task", e.name).Msg("scheduled task failed")
		}
		return
	}
	s.logger.Debug().Str("task", e.name).Dur("elapsed", time.Since(started)).Msg("scheduled task finished")
}
