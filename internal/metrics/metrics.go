// Package metrics exposes the manager's Prometheus gauges, counters
// and histograms, grounded on warren's pkg/metrics: package-level
// collectors registered once at init, plus a Timer helper for
// histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dswarm_workers_connected",
			Help: "Connected workers by type (worker, status, unknown)",
		},
		[]string{"type"},
	)

	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dswarm_tasks_by_state",
			Help: "Tasks currently tracked by the manager, by lifecycle state",
		},
		[]string{"state"},
	)

	TasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dswarm_tasks_dispatched_total",
			Help: "Total number of tasks committed to a worker",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dswarm_tasks_completed_total",
			Help: "Total number of tasks that reached DONE, by result",
		},
		[]string{"result"},
	)

	TasksFastAbortedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dswarm_tasks_fast_aborted_total",
			Help: "Total number of tasks cancelled by the fast-abort monitor",
		},
	)

	WorkersRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dswarm_workers_removed_total",
			Help: "Total number of workers removed, by reason",
		},
		[]string{"reason"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dswarm_scheduling_latency_seconds",
			Help:    "Time spent selecting a worker for one ready task",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dswarm_commit_latency_seconds",
			Help:    "Time spent pushing inputs and the task header to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventLoopIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dswarm_event_loop_iteration_seconds",
			Help:    "Duration of one event loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventLoopLoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dswarm_event_loop_load",
			Help: "Exponential moving average of event-loop busyness (alpha=0.05)",
		},
	)

	BlockedHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dswarm_blocked_hosts",
			Help: "Number of hosts currently in the blocklist",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersConnected,
		TasksByState,
		TasksDispatchedTotal,
		TasksCompletedTotal,
		TasksFastAbortedTotal,
		WorkersRemovedTotal,
		SchedulingLatency,
		CommitLatency,
		EventLoopIterationDuration,
		EventLoopLoad,
		BlockedHosts,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time since NewTimer to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
