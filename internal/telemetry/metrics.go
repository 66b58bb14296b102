package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/events"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var _ core.Metrics = (*Metrics)(nil)

const namespace = "autoscan"

// Metrics holds the Prometheus collectors of the orchestrator and the
// workers.
type Metrics struct {
	registry *prometheus.Registry

	// Orchestrator metrics
	StepsFinished     *prometheus.CounterVec // labels: step, status
	JobTransitions    *prometheus.CounterVec // labels: status
	SessionsFinished  *prometheus.CounterVec // labels: status
	ControlSignals    *prometheus.CounterVec // labels: action
	ActiveSessions    prometheus.Gauge
	ConsolidatedItems *prometheus.GaugeVec // labels: step

	// Worker metrics
	ToolRuns      *prometheus.CounterVec   // labels: tool, status
	ToolDuration  *prometheus.HistogramVec // labels: tool
	WorkersActive prometheus.Gauge

	mu      sync.Mutex
	active  map[string]struct{}
	workers map[string]bool
}

// NewMetrics registers every collector on a fresh registry, so tests and
// multiple servers in one process never collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		StepsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Total number of pipeline steps finished, by outcome",
		}, []string{"step", "status"}),
		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_status_transitions_total",
			Help:      "Total number of scan job status changes observed by the monitor",
		}, []string{"status"}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of sessions that reached a terminal status",
		}, []string{"status"}),
		ControlSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_signals_total",
			Help:      "Total number of pause, resume and cancel requests",
		}, []string{"action"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently running or paused in this process",
		}),
		ConsolidatedItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_step_items",
			Help:      "Item count reported by the most recent run of each step",
		}, []string{"step"}),

		ToolRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_total",
			Help:      "Total number of tool executions by workers",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Time taken by a worker to run a tool",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"tool"}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers currently running a job",
		}),

		active:  make(map[string]struct{}),
		workers: make(map[string]bool),
	}
}

func (m *Metrics) RecordToolRun(tool string, status types.JobStatus, duration time.Duration) {
	m.ToolRuns.WithLabelValues(tool, string(status)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordWorkerMetrics tracks which workers are busy. Repeated reports of
// the same status are idempotent.
func (m *Metrics) RecordWorkerMetrics(status *types.WorkerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status.Status == "active" {
		m.workers[status.ID] = true
	} else {
		delete(m.workers, status.ID)
	}
	m.WorkersActive.Set(float64(len(m.workers)))
}

// Handler records orchestrator events. Feed it to events.Consume.
func (m *Metrics) Handler() events.Handler {
	return func(event types.Event) {
		switch event.Kind {
		case types.EventStepFinished:
			m.StepsFinished.WithLabelValues(string(event.Step), event.Status).Inc()
			if event.Status == string(types.StepStatusSuccess) {
				m.ConsolidatedItems.WithLabelValues(string(event.Step)).Set(float64(event.Count))
			}
		case types.EventJobStatus:
			m.JobTransitions.WithLabelValues(event.Status).Inc()
		case types.EventControl:
			m.ControlSignals.WithLabelValues(event.Status).Inc()
		case types.EventSessionStatus:
			m.trackSession(event)
		}
	}
}

func (m *Metrics) trackSession(event types.Event) {
	status := types.SessionStatus(event.Status)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case status.IsActive():
		m.active[event.SessionID] = struct{}{}
	case status.IsTerminal():
		delete(m.active, event.SessionID)
		m.SessionsFinished.WithLabelValues(event.Status).Inc()
	}
	m.ActiveSessions.Set(float64(len(m.active)))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
