// Package metrics exposes Prometheus metrics and health endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "execrl"

var (
	// ExperiencesRecorded counts experiences appended, by inferred action.
	ExperiencesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "experiences_recorded_total",
		Help:      "Experiences recorded from completed fills.",
	}, []string{"action"})

	// ExperiencesSkipped counts fills that produced no experience.
	ExperiencesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "experiences_skipped_total",
		Help:      "Fills that did not yield an experience.",
	}, []string{"reason"})

	ExperienceReward = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "experience_reward",
		Help:      "Clamped reward of recorded experiences.",
		Buckets:   []float64{-50, -20, -10, -5, -2, 0, 2, 5, 10},
	})

	TrainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "training_runs_total",
		Help:      "Training runs by outcome.",
	}, []string{"outcome"})

	TrainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "training_duration_seconds",
		Help:      "Wall time of successful training runs.",
		Buckets:   prometheus.DefBuckets,
	})

	PolicyVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "policy_active_version",
		Help:      "Version of the active policy.",
	})

	PolicyStates = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "policy_states",
		Help:      "Number of learned states in the active policy.",
	})

	PolicyAvgReward = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "policy_avg_reward",
		Help:      "Average reward over the experiences the active policy was trained on.",
	})

	PolicyLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_loads_total",
		Help:      "Policy cache loads by outcome.",
	}, []string{"outcome"})

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_invariant_violations_total",
		Help:      "Observations of zero or multiple active policies.",
	})

	Recommendations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recommendations_total",
		Help:      "Recommendations served by action and source.",
	}, []string{"action", "source"})

	RecommendationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recommendation_latency_seconds",
		Help:      "Latency of recommendation requests.",
		Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by type.",
	}, []string{"type"})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last heartbeat.",
	})
)

var (
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started serving.",
	})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes build metadata.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
