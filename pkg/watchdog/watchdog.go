// Package watchdog cross-checks jobs the store says are running against the
// live consumers of the queue each job is consumed from.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/metrics"
)

// Defaults.
const (
	DefaultGrace            = 30 * time.Second
	DefaultBacklogThreshold = 100
	DefaultMemoryThreshold  = 90.0
)

// Store is the persistence surface of the watchdog.
type Store interface {
	ListJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.Job, error)
	ListVerificationJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.VerificationJob, error)
	RecordHealthEvent(ctx context.Context, ev *core.HealthEvent) error
	LatestHealthEvent(ctx context.Context) (*core.HealthEvent, error)
}

// QueueInspector reports queue statistics.
type QueueInspector interface {
	Stats(ctx context.Context, queue string) (broker.QueueStats, error)
}

// MemoryProbe returns the host's used memory in percent.
type MemoryProbe func(ctx context.Context) (float64, error)

// HostMemory reads used memory with gopsutil.
func HostMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Zombie is a running job whose queue has no live consumer.
type Zombie struct {
	Kind   string         `json:"kind"`
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Queue  string         `json:"queue"`
	Status core.JobStatus `json:"status"`
	Idle   time.Duration  `json:"idle"`
}

// Report is the outcome of one health check.
type Report struct {
	Status    core.HealthStatus   `json:"status"`
	Issues    []string            `json:"issues"`
	Zombies   []Zombie            `json:"zombies,omitempty"`
	Queues    []broker.QueueStats `json:"queues"`
	CheckedAt time.Time           `json:"checked_at"`
}

// Watchdog checks system health.
type Watchdog struct {
	store     Store
	inspector QueueInspector
	sink      metrics.Sink
	logger    zerolog.Logger
	now       func() time.Time
	memory    MemoryProbe

	grace            time.Duration
	backlogThreshold int64
	memoryThreshold  float64

	mu     sync.Mutex
	last   core.HealthStatus
	loaded bool
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithGrace sets how long a consumer-less running job may stay idle.
func WithGrace(d time.Duration) Option {
	return func(w *Watchdog) { w.grace = d }
}

// WithBacklogThreshold sets the ready-message count that raises a warning.
func WithBacklogThreshold(n int64) Option {
	return func(w *Watchdog) { w.backlogThreshold = n }
}

// WithMemoryProbe replaces the host memory probe. Nil disables it.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(w *Watchdog) { w.memory = p }
}

// WithMetrics mirrors health and queue depth into sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(w *Watchdog) { w.sink = sink }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// New creates a watchdog.
func New(store Store, inspector QueueInspector, logger zerolog.Logger, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:            store,
		inspector:        inspector,
		sink:             metrics.Nop{},
		logger:           logger.With().Str("component", "watchdog").Logger(),
		now:              time.Now,
		memory:           HostMemory,
		grace:            DefaultGrace,
		backlogThreshold: DefaultBacklogThreshold,
		memoryThreshold:  DefaultMemoryThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// severity orders statuses; the worst observed wins.
var severity = map[core.HealthStatus]int{
	core.HealthHealthy:  0,
	core.HealthWarning:  1,
	core.HealthUnknown:  2,
	core.HealthCritical: 3,
}

type check struct {
	status core.HealthStatus
	issues []string
}

func (c *check) raise(status core.HealthStatus, format string, args ...any) {
	c.issues = append(c.issues, fmt.Sprintf(format, args...))
	if severity[status] > severity[c.status] {
		c.status = status
	}
}

// CheckHealth runs one pass. Store failures are returned; broker failures
// make the status unknown.
func (w *Watchdog) CheckHealth(ctx context.Context) (*Report, error) {
	now := w.now()
	c := &check{status: core.HealthHealthy}
	report := &Report{CheckedAt: now}

	stats := make(map[string]broker.QueueStats, len(core.AllQueues))
	for _, q := range core.AllQueues {
		s, err := w.inspector.Stats(ctx, q)
		if err != nil {
			c.raise(core.HealthUnknown, "queue %s: stats unavailable: %v", q, err)
			continue
		}
		stats[q] = s
		report.Queues = append(report.Queues, s)
		w.sink.Queue(s)
		if s.Ready > w.backlogThreshold {
			c.raise(core.HealthWarning, "queue %s: backlog %d exceeds %d", q, s.Ready, w.backlogThreshold)
		}
	}

	// A stop_requested job still needs a live worker to observe the stop.
	for _, status := range []core.JobStatus{core.StatusRunning, core.StatusStopRequested} {
		jobs, err := w.store.ListJobsByStatus(ctx, status, 0)
		if err != nil {
			return nil, fmt.Errorf("%s jobs: %w", status, err)
		}
		for _, j := range jobs {
			w.inspect(c, report, stats, now, Zombie{
				Kind:   "job",
				ID:     j.JobID,
				Type:   string(j.JobType),
				Queue:  core.QueueForJobType(j.JobType),
				Status: j.Status,
			}, j.LastActivity())
		}
	}

	vjobs, err := w.store.ListVerificationJobsByStatus(ctx, core.StatusRunning, 0)
	if err != nil {
		return nil, fmt.Errorf("running verification jobs: %w", err)
	}
	for _, v := range vjobs {
		w.inspect(c, report, stats, now, Zombie{
			Kind:   "verification",
			ID:     v.VJobID,
			Type:   string(v.VType),
			Queue:  core.QueueForVerificationType(v.VType),
			Status: v.Status,
		}, v.LastActivity())
	}

	if w.memory != nil {
		used, err := w.memory(ctx)
		if err != nil {
			w.logger.Debug().Err(err).Msg("memory probe failed")
		} else if used > w.memoryThreshold {
			c.raise(core.HealthWarning, "host memory %.1f%% used", used)
		}
	}

	report.Status = c.status
	report.Issues = c.issues
	if report.Issues == nil {
		report.Issues = []string{}
	}
	w.sink.Health(report.Status, len(report.Issues))

	if err := w.transition(ctx, report); err != nil {
		w.logger.Error().Err(err).Msg("could not record health event")
	}
	return report, nil
}

func (w *Watchdog) inspect(c *check, report *Report, stats map[string]broker.QueueStats, now time.Time, z Zombie, lastActivity time.Time) {
	s, ok := stats[z.Queue]
	if !ok {
		return
	}
	z.Idle = now.Sub(lastActivity)
	if s.Consumers > 0 || z.Idle <= w.grace {
		return
	}
	report.Zombies = append(report.Zombies, z)
	c.raise(core.HealthCritical, "zombie %s job %s (%s): %s with no consumers on %s, idle %s",
		z.Kind, z.ID, z.Type, z.Status, z.Queue, z.Idle.Truncate(time.Second))
}

// transition records a health event when the status changed since the last
// check. The first check compares against the newest stored event, or
// healthy when there is none.
func (w *Watchdog) transition(ctx context.Context, report *Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.loaded {
		w.last = core.HealthHealthy
		ev, err := w.store.LatestHealthEvent(ctx)
		if err != nil {
			return err
		}
		if ev != nil {
			w.last = ev.Status
		}
		w.loaded = true
	}
	if report.Status == w.last {
		return nil
	}

	issue := strings.Join(report.Issues, "; ")
	event := w.logger.Warn()
	if report.Status == core.HealthCritical {
		event = w.logger.Error()
	} else if report.Status == core.HealthHealthy {
		event = w.logger.Info()
	}
	event.Str("from", string(w.last)).Str("to", string(report.Status)).Str("issue", issue).Msg("health status changed")

	ev := &core.HealthEvent{Status: report.Status, PreviousStatus: w.last, Issue: issue}
	if err := w.store.RecordHealthEvent(ctx, ev); err != nil {
		return err
	}
	w.last = report.Status
	return nil
}
