// Package metrics mirrors progress and health into an external gauge system.
// Every call is best-effort: a sink never returns an error to the core loops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// Job kinds used as the kind label.
const (
	KindCollection   = "collection"
	KindVerification = "verification"
)

// Sink receives progress and health observations.
type Sink interface {
	JobProgress(kind, jobID, stockCode string, pct float64)
	JobFinished(kind, jobID string, status core.JobStatus)
	Health(status core.HealthStatus, issues int)
	Queue(stats broker.QueueStats)
}

// Nop discards everything.
type Nop struct{}

func (Nop) JobProgress(string, string, string, float64) {}
func (Nop) JobFinished(string, string, core.JobStatus)  {}
func (Nop) Health(core.HealthStatus, int)               {}
func (Nop) Queue(broker.QueueStats)                     {}

var healthLevels = []core.HealthStatus{core.HealthHealthy, core.HealthWarning, core.HealthCritical, core.HealthUnknown}

// Prometheus exposes observations as Prometheus collectors on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	progress  *prometheus.GaugeVec
	finished  *prometheus.CounterVec
	health    *prometheus.GaugeVec
	issues    prometheus.Gauge
	ready     *prometheus.GaugeVec
	unacked   *prometheus.GaugeVec
	consumers *prometheus.GaugeVec
	dead      *prometheus.GaugeVec
}

// NewPrometheus registers the orchestrator collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "job_progress_percent",
			Help:      "Progress of running jobs.",
		}, []string{"kind", "job_id", "stock_code"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"kind", "status"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "health_status",
			Help:      "1 for the watchdog's current status, 0 otherwise.",
		}, []string{"status"}),
		issues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "health_issues",
			Help:      "Number of issues in the last watchdog pass.",
		}),
		ready:     queueGauge("queue_ready_messages", "Messages waiting for a consumer."),
		unacked:   queueGauge("queue_unacked_messages", "Messages delivered but not yet acknowledged."),
		consumers: queueGauge("queue_consumers", "Live consumers per queue."),
		dead:      queueGauge("queue_dead_letters", "Messages in the queue's dead-letter queue."),
	}
	p.registry.MustRegister(
		p.progress, p.finished, p.health, p.issues,
		p.ready, p.unacked, p.consumers, p.dead,
	)
	return p
}

func queueGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      name,
		Help:      help,
	}, []string{"queue"})
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) JobProgress(kind, jobID, stockCode string, pct float64) {
	p.progress.WithLabelValues(kind, jobID, stockCode).Set(pct)
}

// JobFinished counts the terminal status and drops the job's progress series.
func (p *Prometheus) JobFinished(kind, jobID string, status core.JobStatus) {
	p.finished.WithLabelValues(kind, string(status)).Inc()
	p.progress.DeletePartialMatch(prometheus.Labels{"kind": kind, "job_id": jobID})
}

func (p *Prometheus) Health(status core.HealthStatus, issues int) {
	for _, s := range healthLevels {
		v := 0.0
		if s == status {
			v = 1
		}
		p.health.WithLabelValues(string(s)).Set(v)
	}
	p.issues.Set(float64(issues))
}

func (p *Prometheus) Queue(stats broker.QueueStats) {
	p.ready.WithLabelValues(stats.Queue).Set(float64(stats.Ready))
	p.unacked.WithLabelValues(stats.Queue).Set(float64(stats.Unacked))
	p.consumers.WithLabelValues(stats.Queue).Set(float64(stats.Consumers))
	p.dead.WithLabelValues(stats.Queue).Set(float64(stats.Dead))
}
