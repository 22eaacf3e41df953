package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "poam_import"
)

var (
	runDurationBuckets       = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}
	milestoneDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300}

	// Run Metrics
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Count of import pipeline executions by final status.",
	}, []string{"status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Time taken for an import run to complete or fail.",
		Buckets:   runDurationBuckets,
	}, []string{"status"})

	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runs_in_flight",
		Help:      "Number of import runs currently executing.",
	})

	LastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful import run.",
	})

	// Milestone Metrics
	MilestoneDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "milestone_duration_seconds",
		Help:      "Time taken by each pipeline milestone.",
		Buckets:   milestoneDurationBuckets,
	}, []string{"milestone", "status"})

	// Content Metrics
	FindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_total",
		Help:      "Findings processed by the eligibility gate.",
	}, []string{"outcome"})

	ExclusionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exclusions_total",
		Help:      "Findings excluded by the eligibility gate, by reason.",
	}, []string{"reason"})

	DraftsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drafts_total",
		Help:      "Draft population outcomes per remediation group.",
	}, []string{"outcome"})
)
