// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	executionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "executions_started_total",
			Help:      "Total number of executions started.",
		},
	)

	computationClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "computation_claims_total",
			Help:      "Computation claim attempts by outcome (claimed, conflict).",
		},
		[]string{"outcome"},
	)

	computationsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "computations_total",
			Help:      "Completed computations by terminal state.",
		},
		[]string{"state"},
	)

	computationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "computation_duration_seconds",
			Help:      "Wall-clock duration of user computations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
		[]string{"state"},
	)

	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "engine",
			Name:      "heartbeats_total",
			Help:      "Heartbeat updates by outcome (extended, lost).",
		},
		[]string{"outcome"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Sweep runs by sweep type.",
		},
		[]string{"sweep"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of sweep passes.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"sweep"},
	)

	sweepProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "sweep",
			Name:      "executions_processed_total",
			Help:      "Executions advanced by sweeps, by sweep type.",
		},
		[]string{"sweep"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		executionsStarted,
		computationClaims,
		computationsCompleted,
		computationDuration,
		heartbeats,
		sweepRuns,
		sweepDuration,
		sweepProcessed,
	)
}

// Handler returns an HTTP handler serving the engine registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ExecutionStarted records a newly started execution.
func ExecutionStarted() { executionsStarted.Inc() }

// ClaimAttempt records the outcome of one claim transaction.
func ClaimAttempt(claimed bool) {
	if claimed {
		computationClaims.WithLabelValues("claimed").Inc()
	} else {
		computationClaims.WithLabelValues("conflict").Inc()
	}
}

// ComputationCompleted records a terminal computation state and duration.
func ComputationCompleted(state string, elapsed time.Duration) {
	computationsCompleted.WithLabelValues(state).Inc()
	computationDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// Heartbeat records whether the liveness update still owned the row.
func Heartbeat(extended bool) {
	if extended {
		heartbeats.WithLabelValues("extended").Inc()
	} else {
		heartbeats.WithLabelValues("lost").Inc()
	}
}

// SweepCompleted records one sweep pass.
func SweepCompleted(sweep string, elapsed time.Duration, processed int) {
	sweepRuns.WithLabelValues(sweep).Inc()
	sweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
	sweepProcessed.WithLabelValues(sweep).Add(float64(processed))
}
