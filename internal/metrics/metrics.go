package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for shuttle
type Metrics struct {
	// Task metrics
	TasksByStatus   *prometheus.GaugeVec
	TaskTransitions *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	LoopFirings     *prometheus.CounterVec
	ClaimConflicts  prometheus.Counter

	// Worker metrics
	WorkersAlive   prometheus.Gauge
	WorkerSpawns   *prometheus.CounterVec
	WorkerReaps    *prometheus.CounterVec
	WorkerTriage   *prometheus.CounterVec
	WorkerLifetime *prometheus.HistogramVec

	// Coordinator metrics
	TicksTotal   *prometheus.CounterVec
	TickDuration prometheus.Histogram
	ReadyTasks   prometheus.Gauge
	Paused       prometheus.Gauge

	// Store metrics
	LockWait     *prometheus.HistogramVec
	LockTimeouts *prometheus.CounterVec

	// System metrics
	EventsPublished *prometheus.CounterVec
	ControlRequests *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			// Task metrics
			TasksByStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "shuttle_tasks",
					Help: "Number of tasks by status",
				},
				[]string{"status"},
			),
			TaskTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_task_transitions_total",
					Help: "Total number of task status transitions",
				},
				[]string{"from_status", "to_status"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "shuttle_task_duration_seconds",
					Help:    "Time from claim to completion in seconds",
					Buckets: prometheus.ExponentialBuckets(10, 2, 14), // 10s to ~45hrs
				},
				[]string{"result"},
			),
			LoopFirings: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_loop_evaluations_total",
					Help: "Loop edge evaluations by outcome",
				},
				[]string{"outcome"}, // fired, converged, capped, guarded
			),
			ClaimConflicts: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "shuttle_claim_conflicts_total",
					Help: "Claims rejected because the task was not open",
				},
			),

			// Worker metrics
			WorkersAlive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "shuttle_workers_alive",
					Help: "Number of workers not marked dead",
				},
			),
			WorkerSpawns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_worker_spawns_total",
					Help: "Worker spawn attempts",
				},
				[]string{"executor", "result"},
			),
			WorkerReaps: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_worker_reaps_total",
					Help: "Workers marked dead by reap",
				},
				[]string{"reason"}, // exited, stale
			),
			WorkerTriage: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_worker_triage_total",
					Help: "Triage verdicts for dead workers",
				},
				[]string{"verdict"},
			),
			WorkerLifetime: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "shuttle_worker_lifetime_seconds",
					Help:    "Worker lifetime from spawn to death",
					Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9hrs
				},
				[]string{"executor"},
			),

			// Coordinator metrics
			TicksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_coordinator_ticks_total",
					Help: "Coordinator ticks by trigger",
				},
				[]string{"trigger"}, // event, timer
			),
			TickDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "shuttle_coordinator_tick_duration_seconds",
					Help:    "Coordinator tick duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
			ReadyTasks: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "shuttle_ready_tasks",
					Help: "Ready tasks seen by the last tick",
				},
			),
			Paused: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "shuttle_coordinator_paused",
					Help: "1 when the coordinator is paused",
				},
			),

			// Store metrics
			LockWait: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "shuttle_lock_wait_seconds",
					Help:    "Time spent waiting for a file lock",
					Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10), // 0.5ms to ~2min
				},
				[]string{"lock"},
			),
			LockTimeouts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_lock_timeouts_total",
					Help: "Lock acquisitions that hit the timeout",
				},
				[]string{"lock"},
			),

			// System metrics
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_events_published_total",
					Help: "Total number of events published",
				},
				[]string{"event_type"},
			),
			ControlRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shuttle_control_requests_total",
					Help: "Control channel requests",
				},
				[]string{"cmd", "ok"},
			),
		}
	})

	return sharedMetrics
}

// RecordTaskTransition records a task status transition
func (m *Metrics) RecordTaskTransition(fromStatus, toStatus string) {
	m.TaskTransitions.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordTaskCompletion observes claim-to-finish time
func (m *Metrics) RecordTaskCompletion(result string, d time.Duration) {
	m.TaskDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordLoop records a loop edge evaluation outcome
func (m *Metrics) RecordLoop(outcome string) {
	m.LoopFirings.WithLabelValues(outcome).Inc()
}

// RecordSpawn records a spawn attempt
func (m *Metrics) RecordSpawn(executor string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.WorkerSpawns.WithLabelValues(executor, result).Inc()
}

// RecordReap records a worker marked dead
func (m *Metrics) RecordReap(executor, reason string, lifetime time.Duration) {
	m.WorkerReaps.WithLabelValues(reason).Inc()
	m.WorkerLifetime.WithLabelValues(executor).Observe(lifetime.Seconds())
}

// RecordTick records one coordinator tick
func (m *Metrics) RecordTick(trigger string, d time.Duration, ready, alive int) {
	m.TicksTotal.WithLabelValues(trigger).Inc()
	m.TickDuration.Observe(d.Seconds())
	m.ReadyTasks.Set(float64(ready))
	m.WorkersAlive.Set(float64(alive))
}

// SetTaskCounts replaces the per-status gauge values
func (m *Metrics) SetTaskCounts(counts map[string]int) {
	m.TasksByStatus.Reset()
	for status, n := range counts {
		m.TasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetPaused records the coordinator pause flag
func (m *Metrics) SetPaused(paused bool) {
	if paused {
		m.Paused.Set(1)
		return
	}
	m.Paused.Set(0)
}

// RecordLockWait observes lock acquisition; timedOut counts a timeout
func (m *Metrics) RecordLockWait(lock string, d time.Duration, timedOut bool) {
	m.LockWait.WithLabelValues(lock).Observe(d.Seconds())
	if timedOut {
		m.LockTimeouts.WithLabelValues(lock).Inc()
	}
}

// RecordControlRequest records a control channel request
func (m *Metrics) RecordControlRequest(cmd string, ok bool) {
	okStr := "false"
	if ok {
		okStr = "true"
	}
	m.ControlRequests.WithLabelValues(cmd, okStr).Inc()
}

// RecordTriage records a triage verdict for a dead worker
func (m *Metrics) RecordTriage(verdict string) {
	m.WorkerTriage.WithLabelValues(verdict).Inc()
}

// RecordEventPublished records an event handed to the message bus
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}
