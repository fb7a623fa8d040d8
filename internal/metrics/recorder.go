package metrics

import (
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordExperience records an appended experience.
func (r *Recorder) RecordExperience(action string, reward float64) {
	ExperiencesRecorded.WithLabelValues(action).Inc()
	ExperienceReward.Observe(reward)
}

// RecordExperienceSkipped records a fill that yielded no experience.
func (r *Recorder) RecordExperienceSkipped(reason string) {
	ExperiencesSkipped.WithLabelValues(reason).Inc()
}

// RecordTraining records a training run outcome: "ok", "insufficient_data"
// or "error".
func (r *Recorder) RecordTraining(outcome string, duration time.Duration) {
	TrainingRuns.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		TrainingDuration.Observe(duration.Seconds())
	}
}

// RecordActivePolicy records the active policy's metadata.
func (r *Recorder) RecordActivePolicy(version, states int, avgReward float64) {
	PolicyVersion.Set(float64(version))
	PolicyStates.Set(float64(states))
	PolicyAvgReward.Set(avgReward)
}

// RecordPolicyLoad records a policy cache load outcome.
func (r *Recorder) RecordPolicyLoad(outcome string) {
	PolicyLoads.WithLabelValues(outcome).Inc()
}

// RecordInvariantViolation records an active-policy invariant violation.
func (r *Recorder) RecordInvariantViolation() {
	InvariantViolations.Inc()
}

// RecordRecommendation records a served recommendation.
func (r *Recorder) RecordRecommendation(action, source string, duration time.Duration) {
	Recommendations.WithLabelValues(action, source).Inc()
	RecommendationLatency.Observe(duration.Seconds())
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer measures elapsed time for latency metrics.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() Timer {
	return Timer{start: time.Now()}
}

// Elapsed returns time since the timer started.
func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
