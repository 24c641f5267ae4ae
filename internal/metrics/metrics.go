// Package metrics exposes Prometheus instruments for pipeline execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Step status label values.
const (
	StatusCommitted  = "committed"
	StatusRolledBack = "rolled_back"
	StatusCancelled  = "cancelled"
)

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridweaver_steps_total",
			Help: "Total number of pipeline steps by outcome.",
		},
		[]string{"status"},
	)

	stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridweaver_step_duration_seconds",
			Help:    "Wall time of one pipeline step, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridweaver_stage_duration_seconds",
			Help:    "Wall time of one stage execution, in seconds.",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		},
		[]string{"kind"},
	)

	numericErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridweaver_numeric_errors_total",
			Help: "Non-finite values detected before a reduction or scan consumed them.",
		},
		[]string{"consumer"},
	)

	buildFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridweaver_build_failures_total",
			Help: "Pipelines rejected at build time.",
		},
	)

	activeStages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridweaver_active_stages",
			Help: "Stages currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(numericErrors)
	prometheus.MustRegister(buildFailures)
	prometheus.MustRegister(activeStages)

	for _, s := range []string{StatusCommitted, StatusRolledBack, StatusCancelled} {
		stepsTotal.WithLabelValues(s)
	}
}

// ObserveStep records one finished step.
func ObserveStep(status string, d time.Duration) {
	stepsTotal.WithLabelValues(status).Inc()
	stepDuration.Observe(d.Seconds())
}

// ObserveStage records one stage execution of the given kind.
func ObserveStage(kind string, d time.Duration) {
	stageDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// NumericError counts a non-finite value caught before consumer read it.
func NumericError(consumer string) {
	numericErrors.WithLabelValues(consumer).Inc()
}

// BuildFailed counts a rejected pipeline.
func BuildFailed() { buildFailures.Inc() }

// StageStarted marks a stage as executing. Call the returned func when it ends.
func StageStarted() (done func()) {
	activeStages.Inc()
	return activeStages.Dec
}
