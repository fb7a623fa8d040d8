// Package experience turns completed fills into (state, action, reward)
// samples for training.
package experience

import (
	"fmt"
	"math"
	"time"

	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/types"
)

// Thresholds of the action-inference ladder.
const (
	tightQualityMin  = 8.0
	tightSlippageMax = 3.0
	looseQualityMin  = 6.0
	looseSlippageMax = 10.0
	marketSlippage   = 20.0
	waitDelay        = 300 * time.Second
)

// RewardConfig shapes the reward of a fill. The bonus and clamp bounds are
// tunable, not derived.
type RewardConfig struct {
	QualityBonus          float64 // added when quality >= QualityBonusThreshold
	QualityBonusThreshold float64
	MinReward             float64
	MaxReward             float64
}

// DefaultRewardConfig returns the standard reward shaping.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		QualityBonus:          2.0,
		QualityBonusThreshold: 8.0,
		MinReward:             -50,
		MaxReward:             10,
	}
}

// Reward returns clamp(-slippage + bonus, MinReward, MaxReward).
func (c RewardConfig) Reward(slippageBps, quality float64) float64 {
	bonus := 0.0
	if quality >= c.QualityBonusThreshold {
		bonus = c.QualityBonus
	}
	return clamp(-slippageBps+bonus, c.MinReward, c.MaxReward)
}

// InferAction guesses the tactic that produced a fill. The executed tactic
// is not recorded upstream, so this is an approximation.
func InferAction(quality, slippageBps float64, signalToFill time.Duration) types.Action {
	switch {
	case quality >= tightQualityMin && slippageBps < tightSlippageMax:
		return types.ActionLimitTight
	case quality >= looseQualityMin && slippageBps < looseSlippageMax:
		return types.ActionLimitLoose
	case slippageBps > marketSlippage:
		return types.ActionMarketImmediate
	case signalToFill > waitDelay:
		return types.ActionWait5Min
	default:
		return types.ActionMarketImmediate
	}
}

// Extracted holds everything derived from a fill before persistence.
type Extracted struct {
	Features     types.StateFeatures
	SlippageBps  float64
	Quality      float64
	SignalToFill time.Duration
}

// ExtractFeatures builds the decision-time state of a fill. loc is the
// market timezone used for the hour feature.
func ExtractFeatures(fill types.Fill, loc *time.Location) (Extracted, error) {
	if fill.ID == "" {
		return Extracted{}, fmt.Errorf("%w: fill has no id", types.ErrExtraction)
	}
	if fill.SlippageBps == nil {
		return Extracted{}, fmt.Errorf("%w: fill %s has no slippage", types.ErrExtraction, fill.ID)
	}
	slippage := *fill.SlippageBps
	if math.IsNaN(slippage) || math.IsInf(slippage, 0) {
		return Extracted{}, fmt.Errorf("%w: fill %s has non-finite slippage", types.ErrExtraction, fill.ID)
	}
	if fill.EntryTime.IsZero() {
		return Extracted{}, fmt.Errorf("%w: fill %s has no entry time", types.ErrExtraction, fill.ID)
	}
	if loc == nil {
		loc = time.UTC
	}

	quality := 0.0
	if fill.ExecutionQualityScore != nil && !math.IsNaN(*fill.ExecutionQualityScore) {
		quality = *fill.ExecutionQualityScore
	}

	features := types.StateFeatures{
		Hour:              types.Ptr(fill.EntryTime.In(loc).Hour()),
		RecentSlippageAvg: types.Ptr(slippage),
	}

	var delay time.Duration
	if sig := fill.Signal; sig != nil {
		features.SpreadBps, features.VolumeRatio, features.Momentum = state.MarketFeatures(sig.Features)
		if !sig.GeneratedAt.IsZero() {
			delay = fill.EntryTime.Sub(sig.GeneratedAt)
		}
	}
	if features.SpreadBps == nil {
		features.SpreadBps = types.Ptr(state.DefaultSpreadBps)
	}
	if features.VolumeRatio == nil {
		features.VolumeRatio = types.Ptr(state.DefaultVolumeRatio)
	}
	if features.Momentum == nil {
		features.Momentum = types.Ptr(state.DefaultMomentum)
	}

	return Extracted{
		Features:     features,
		SlippageBps:  slippage,
		Quality:      quality,
		SignalToFill: delay,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
