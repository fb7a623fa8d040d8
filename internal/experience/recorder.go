package experience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/execrl/internal/metrics"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/types"
)

// Store appends experiences.
type Store interface {
	SaveExperience(ctx context.Context, exp *types.Experience) error
}

// RecorderConfig holds configuration for the experience recorder.
type RecorderConfig struct {
	Location     *time.Location // market timezone for the hour feature
	Reward       RewardConfig
	AsyncTimeout time.Duration // bound on background recording
}

// DefaultRecorderConfig returns sensible defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Location:     time.UTC,
		Reward:       DefaultRewardConfig(),
		AsyncTimeout: 5 * time.Second,
	}
}

// Recorded describes an experience that was appended.
type Recorded struct {
	ExperienceID int64
	StateKey     string
	State        types.StateFeatures
	Action       types.Action
	Reward       float64
}

// Recorder converts completed fills into experiences. It never returns
// errors to its caller: failures are logged and counted.
type Recorder struct {
	cfg     RecorderConfig
	store   Store
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// NewRecorder creates a new experience recorder.
func NewRecorder(cfg RecorderConfig, store Store, m *metrics.Recorder, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewRecorder()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 5 * time.Second
	}

	return &Recorder{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Record derives and stores the experience for fill. Returns nil when no
// experience was recorded.
func (r *Recorder) Record(ctx context.Context, fill types.Fill) *Recorded {
	extracted, err := ExtractFeatures(fill, r.cfg.Location)
	if err != nil {
		r.logger.Warn("skipping fill: feature extraction failed",
			"fill_id", fill.ID,
			"err", err,
		)
		r.metrics.RecordExperienceSkipped("extraction")
		return nil
	}

	action := InferAction(extracted.Quality, extracted.SlippageBps, extracted.SignalToFill)
	reward := r.cfg.Reward.Reward(extracted.SlippageBps, extracted.Quality)

	exp := &types.Experience{
		FillReference: fill.ID,
		Symbol:        fill.Symbol,
		StateFeatures: extracted.Features,
		ActionTaken:   action,
		Reward:        reward,
		SlippageBps:   extracted.SlippageBps,
		CreatedAt:     r.now().UTC(),
	}

	if err := r.store.SaveExperience(ctx, exp); err != nil {
		if errors.Is(err, types.ErrDuplicateExperience) {
			r.logger.Debug("fill already recorded", "fill_id", fill.ID)
			r.metrics.RecordExperienceSkipped("duplicate")
			return nil
		}
		r.logger.Error("failed to persist experience",
			"fill_id", fill.ID,
			"err", err,
		)
		r.metrics.RecordExperienceSkipped("persistence")
		r.metrics.RecordError("persistence")
		return nil
	}

	key := state.Discretize(extracted.Features)
	r.metrics.RecordExperience(string(action), reward)
	r.logger.Debug("experience recorded",
		"fill_id", fill.ID,
		"experience_id", exp.ID,
		"state_key", key,
		"action", action,
		"reward", reward,
		"notional", fill.Notional().StringFixed(2),
	)

	return &Recorded{
		ExperienceID: exp.ID,
		StateKey:     key,
		State:        extracted.Features,
		Action:       action,
		Reward:       reward,
	}
}

// RecordAsync records fill in the background so the settlement path never
// waits on storage. The caller's cancellation does not abort recording.
func (r *Recorder) RecordAsync(ctx context.Context, fill types.Fill) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.AsyncTimeout)
		defer cancel()
		r.Record(bg, fill)
	}()
}

// Wait blocks until background recordings finish.
func (r *Recorder) Wait() {
	r.wg.Wait()
}
