// Package metrics defines the Prometheus series the Orchestrator and
// Fetcher update as entries move through the pipeline, modeled on warren's
// pkg/metrics/metrics.go (one package-level var block, registered in
// init, exposed over promhttp).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_entries_total",
			Help: "Total number of distinct entries known to the state store",
		},
	)

	EntriesByStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_entries_by_stage",
			Help: "Number of entries currently at a given stage and state",
		},
		[]string{"stage", "state"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_stage_duration_seconds",
			Help:    "Time taken to execute one pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_stage_outcomes_total",
			Help: "Total stage completions by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Total number of stage retries by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	RateLimitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_wait_seconds",
			Help:    "Time spent waiting on a per-service token bucket",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ArtifactBytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_artifact_bytes_written_total",
			Help: "Total artifact bytes written to the repository by kind",
		},
		[]string{"kind"},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_state_store_compactions_total",
			Help: "Total number of state store compactions performed",
		},
	)
)

func init() {
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(EntriesByStage)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageOutcomesTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(RateLimitWaitSeconds)
	prometheus.MustRegister(ArtifactBytesWritten)
	prometheus.MustRegister(CompactionsTotal)
}

// Handler returns the Prometheus scrape handler, served at --metrics-addr.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing stage executions.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
