// Package trainer fits tabular Q-values to the recorded experience history.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/tathienbao/execrl/internal/alerting"
	"github.com/tathienbao/execrl/internal/metrics"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/types"
)

// Config holds trainer settings.
type Config struct {
	LearningRate   float64
	MinExperiences int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LearningRate:   0.1,
		MinExperiences: 200,
	}
}

// ExperienceSource reads the experience history.
type ExperienceSource interface {
	CountExperiences(ctx context.Context) (int, error)
	ListExperiences(ctx context.Context) ([]types.Experience, error)
}

// PolicyPublisher stores and activates policies.
type PolicyPublisher interface {
	Active(ctx context.Context) (*types.ExecutionPolicy, error)
	Publish(ctx context.Context, p *types.ExecutionPolicy) error
}

// Listener is notified after a new policy has been committed and activated.
type Listener interface {
	PolicyActivated(p *types.ExecutionPolicy)
}

// Result reports a training run. Error is set, and every other field is
// zero, when the run was skipped for lack of data.
type Result struct {
	Version     int     `json:"version,omitempty"`
	States      int     `json:"states,omitempty"`
	Experiences int     `json:"experiences"`
	AvgReward   float64 `json:"avg_reward,omitempty"`
	PolicyID    int64   `json:"policy_id,omitempty"`
	RunID       string  `json:"run_id,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Err returns the skip reason as an error wrapping types.ErrInsufficientData.
func (r Result) Err() error {
	if r.Error == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", types.ErrInsufficientData, r.Error)
}

// Trainer runs Q-learning passes. Runs are serialized so that only one
// activation is in flight at a time.
type Trainer struct {
	cfg         Config
	experiences ExperienceSource
	policies    PolicyPublisher
	alerter     alerting.EventAlerter
	metrics     *metrics.Recorder
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	lmu       sync.RWMutex
	listeners []Listener
}

// New creates a trainer.
func New(cfg Config, experiences ExperienceSource, policies PolicyPublisher, alerter alerting.EventAlerter, m *metrics.Recorder, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alerting.Nop{}
	}
	if m == nil {
		m = metrics.NewRecorder()
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = DefaultConfig().LearningRate
	}
	if cfg.MinExperiences <= 0 {
		cfg.MinExperiences = DefaultConfig().MinExperiences
	}

	return &Trainer{
		cfg:         cfg,
		experiences: experiences,
		policies:    policies,
		alerter:     alerter,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// AddListener registers l for activation notifications.
func (t *Trainer) AddListener(l Listener) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Learn replays exps in order and returns the resulting Q-table and the
// rewards seen. Each update is Q += lr * (r - Q); there is no future term.
func Learn(exps []types.Experience, learningRate float64) (types.QTable, []float64) {
	table := types.QTable{}
	rewards := make([]float64, 0, len(exps))

	for _, exp := range exps {
		key := state.Discretize(exp.StateFeatures)
		old := table.Get(key, exp.ActionTaken)
		table.Set(key, exp.ActionTaken, old+learningRate*(exp.Reward-old))
		rewards = append(rewards, exp.Reward)
	}

	return table, rewards
}

// Train rebuilds the policy from the full experience history and activates
// it. minExperiences <= 0 uses the configured minimum. Insufficient data is
// reported through Result.Error with a nil error; persistence failures are
// returned wrapped in types.ErrPersistence.
func (t *Trainer) Train(ctx context.Context, minExperiences int) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer := metrics.NewTimer()
	if minExperiences <= 0 {
		minExperiences = t.cfg.MinExperiences
	}

	count, err := t.experiences.CountExperiences(ctx)
	if err != nil {
		return t.fail(ctx, timer, fmt.Errorf("%w: count experiences: %w", types.ErrPersistence, err))
	}

	if count < minExperiences {
		res := Result{Error: fmt.Sprintf("Need %d experiences, have %d", minExperiences, count)}
		t.metrics.RecordTraining("insufficient_data", timer.Elapsed())
		t.logger.Info("training skipped", "reason", res.Error)
		t.alert(ctx, alerting.EventInsufficientData, "Training skipped: "+res.Error,
			"experiences", count,
			"min_experiences", minExperiences,
		)
		return res, nil
	}

	exps, err := t.experiences.ListExperiences(ctx)
	if err != nil {
		return t.fail(ctx, timer, fmt.Errorf("%w: list experiences: %w", types.ErrPersistence, err))
	}

	table, rewards := Learn(exps, t.cfg.LearningRate)
	avg := 0.0
	if len(rewards) > 0 {
		avg = stat.Mean(rewards, nil)
	}

	prev, err := t.policies.Active(ctx)
	if err != nil {
		t.logger.Warn("could not load previous policy", "err", err)
	}

	p := &types.ExecutionPolicy{
		PolicyType:    types.PolicyTypeTabularQ,
		SchemaVersion: state.SchemaVersion,
		Table:         table,
		TrainEpisodes: len(exps),
		AvgReward:     avg,
		RunID:         uuid.NewString(),
		CreatedAt:     t.now().UTC(),
	}

	if err := t.policies.Publish(ctx, p); err != nil {
		if !errors.Is(err, types.ErrPersistence) {
			err = fmt.Errorf("%w: %w", types.ErrPersistence, err)
		}
		return t.fail(ctx, timer, err)
	}

	t.metrics.RecordTraining("ok", timer.Elapsed())
	t.logger.Info("policy trained",
		"version", p.Version,
		"states", len(table),
		"experiences", len(exps),
		"avg_reward", avg,
		"run_id", p.RunID,
		"duration", timer.Elapsed(),
	)

	t.notify(p)

	summary := alerting.NewTrainingSummary(p.CreatedAt, p.Version, len(table), len(exps),
		avg, prevAvg(prev), prev != nil, p.RunID)
	t.alert(ctx, alerting.EventPolicyActivated, summary.Message(), summary.Fields()...)

	return Result{
		Version:     p.Version,
		States:      len(table),
		Experiences: len(exps),
		AvgReward:   avg,
		PolicyID:    p.ID,
		RunID:       p.RunID,
	}, nil
}

func (t *Trainer) fail(ctx context.Context, timer metrics.Timer, err error) (Result, error) {
	t.metrics.RecordTraining("error", timer.Elapsed())
	t.metrics.RecordError("training")
	t.logger.Error("training failed", "err", err)
	t.alert(ctx, alerting.EventTrainingFailed, "Training failed", "err", err.Error())
	return Result{}, err
}

func (t *Trainer) notify(p *types.ExecutionPolicy) {
	t.lmu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.lmu.RUnlock()

	for _, l := range listeners {
		l.PolicyActivated(p)
	}
}

func (t *Trainer) alert(ctx context.Context, event alerting.AlertEvent, msg string, fields ...any) {
	if err := t.alerter.AlertEvent(ctx, event, msg, fields...); err != nil {
		t.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}

func prevAvg(p *types.ExecutionPolicy) float64 {
	if p == nil {
		return 0
	}
	return p.AvgReward
}
