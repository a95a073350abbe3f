// Package metrics exposes reconpi's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/fentz26/reconpi/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reconpi"

var coreStates = []models.CoreState{
	models.StateWifiObserve, models.StateHandoffPrepare, models.StateLanOps, models.StateIdle,
}

// JobCounter reports the number of jobs per status.
type JobCounter interface {
	CountJobs() (map[models.JobStatus]int, error)
}

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	actions       *prometheus.CounterVec
	workerTicks   prometheus.Counter
	workerErrors  prometheus.Counter
	watchdogReset *prometheus.CounterVec
	coreState     *prometheus.GaugeVec
}

// New creates the collectors. jobs may be nil; when set, a reconpi_jobs
// gauge is read from it on every scrape.
func New(jobs JobCounter) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Action outcomes by action id.",
		}, []string{"action", "outcome"}),
		workerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_ticks_total",
			Help:      "Worker loop iterations.",
		}),
		workerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_errors_total",
			Help:      "Worker iterations that failed.",
		}),
		watchdogReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_resets_total",
			Help:      "Jobs requeued by a watchdog.",
		}, []string{"source"}),
		coreState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "core_state",
			Help:      "1 for the current core state, 0 otherwise.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.actions, m.workerTicks, m.workerErrors, m.watchdogReset, m.coreState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if jobs != nil {
		m.registry.MustRegister(&jobCollector{jobs: jobs, desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs by status.",
			[]string{"status"}, nil,
		)})
	}
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAction counts one action outcome.
func (m *Metrics) ObserveAction(actionID, outcome string) {
	m.actions.WithLabelValues(actionID, outcome).Inc()
}

// WorkerTick counts a worker iteration.
func (m *Metrics) WorkerTick() { m.workerTicks.Inc() }

// WorkerError counts a failed worker iteration.
func (m *Metrics) WorkerError() { m.workerErrors.Inc() }

// WatchdogReset counts a watchdog reset from source.
func (m *Metrics) WatchdogReset(source string) {
	m.watchdogReset.WithLabelValues(source).Inc()
}

// ObserveState marks state as the current core state.
func (m *Metrics) ObserveState(state models.CoreState) {
	for _, s := range coreStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.coreState.WithLabelValues(string(s)).Set(v)
	}
}

type jobCollector struct {
	jobs JobCounter
	desc *prometheus.Desc
}

func (c *jobCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *jobCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.jobs.CountJobs()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	statuses := []models.JobStatus{
		models.JobStatusQueued, models.JobStatusRunning, models.JobStatusBlocked,
		models.JobStatusDone, models.JobStatusFailed, models.JobStatusCancelled,
	}
	for _, st := range statuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
