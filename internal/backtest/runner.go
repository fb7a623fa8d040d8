// Package backtest replays the experience history to estimate how a trained
// policy would have fared on fills it did not learn from.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tathienbao/execrl/internal/recommend"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/trainer"
	"github.com/tathienbao/execrl/internal/types"
)

// Config holds backtest configuration.
type Config struct {
	TrainFraction float64 // oldest share of history used for training
	LearningRate  float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TrainFraction: 0.8,
		LearningRate:  trainer.DefaultConfig().LearningRate,
	}
}

// ActionStats summarizes realized rewards of one action in the test split.
type ActionStats struct {
	Action     types.Action `json:"action"`
	Count      int          `json:"count"`
	MeanReward float64      `json:"mean_reward"`
	StdDev     float64      `json:"std_dev"`
}

// Result holds backtest results.
type Result struct {
	TrainExperiences int `json:"train_experiences"`
	TestExperiences  int `json:"test_experiences"`
	States           int `json:"states"`

	Coverage  float64 `json:"coverage"`  // share of test fills whose state was learned
	Agreement float64 `json:"agreement"` // share of covered fills where the taken action was the recommended one

	MeanReward          float64 `json:"mean_reward"`
	AgreedMeanReward    float64 `json:"agreed_mean_reward"`
	DisagreedMeanReward float64 `json:"disagreed_mean_reward"`
	Uplift              float64 `json:"uplift"` // agreed minus disagreed mean reward

	ByAction []ActionStats `json:"by_action"`
}

// ExperienceSource reads the experience history, oldest first.
type ExperienceSource interface {
	ListExperiences(ctx context.Context) ([]types.Experience, error)
}

// Runner executes backtests.
type Runner struct {
	cfg    Config
	source ExperienceSource
	logger *slog.Logger
}

// NewRunner creates a new backtest runner.
func NewRunner(cfg Config, source ExperienceSource, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TrainFraction <= 0 || cfg.TrainFraction >= 1 {
		cfg.TrainFraction = DefaultConfig().TrainFraction
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = DefaultConfig().LearningRate
	}
	return &Runner{cfg: cfg, source: source, logger: logger}
}

// Run splits the history by time, trains on the older part and scores the
// newer part.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	exps, err := r.source.ListExperiences(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list experiences: %w", types.ErrPersistence, err)
	}

	split := int(math.Round(float64(len(exps)) * r.cfg.TrainFraction))
	if split == 0 || split == len(exps) {
		return nil, fmt.Errorf("%w: %d experiences cannot be split %.0f/%.0f",
			types.ErrInsufficientData, len(exps), r.cfg.TrainFraction*100, (1-r.cfg.TrainFraction)*100)
	}

	result := Evaluate(exps[:split], exps[split:], r.cfg.LearningRate)
	r.logger.Info("backtest complete",
		"train", result.TrainExperiences,
		"test", result.TestExperiences,
		"coverage", result.Coverage,
		"agreement", result.Agreement,
		"uplift", result.Uplift,
	)
	return result, nil
}

// Evaluate trains on train and scores the policy's choices on test.
func Evaluate(train, test []types.Experience, learningRate float64) *Result {
	table, _ := trainer.Learn(train, learningRate)

	result := &Result{
		TrainExperiences: len(train),
		TestExperiences:  len(test),
		States:           len(table),
	}

	var all, agreed, disagreed []float64
	byAction := make(map[types.Action][]float64, len(types.Actions))

	for _, exp := range test {
		all = append(all, exp.Reward)
		byAction[exp.ActionTaken] = append(byAction[exp.ActionTaken], exp.Reward)

		row, ok := table[state.Discretize(exp.StateFeatures)]
		if !ok || len(row) == 0 {
			continue
		}
		if best, _ := recommend.Best(row); best == exp.ActionTaken {
			agreed = append(agreed, exp.Reward)
		} else {
			disagreed = append(disagreed, exp.Reward)
		}
	}

	covered := len(agreed) + len(disagreed)
	if len(test) > 0 {
		result.Coverage = float64(covered) / float64(len(test))
	}
	if covered > 0 {
		result.Agreement = float64(len(agreed)) / float64(covered)
	}
	result.MeanReward = mean(all)
	result.AgreedMeanReward = mean(agreed)
	result.DisagreedMeanReward = mean(disagreed)
	if len(agreed) > 0 && len(disagreed) > 0 {
		result.Uplift = result.AgreedMeanReward - result.DisagreedMeanReward
	}

	for _, a := range types.Actions {
		rewards := byAction[a]
		if len(rewards) == 0 {
			continue
		}
		s := ActionStats{Action: a, Count: len(rewards), MeanReward: mean(rewards)}
		if len(rewards) > 1 {
			s.StdDev = stat.StdDev(rewards, nil)
		}
		result.ByAction = append(result.ByAction, s)
	}

	return result
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
