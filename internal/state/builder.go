package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/tathienbao/execrl/internal/types"
)

// ProfileSource looks up the historical execution profile for a symbol.
// A nil profile with a nil error means the symbol has no history.
type ProfileSource interface {
	ExecutionProfile(ctx context.Context, symbol string) (*types.ExecutionProfile, error)
}

// BuilderConfig holds configuration for the live state builder.
type BuilderConfig struct {
	Location       *time.Location // market timezone for the hour feature
	ProfileTimeout time.Duration  // bound on the profile lookup
}

// DefaultBuilderConfig returns sensible defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Location:       time.UTC,
		ProfileTimeout: 50 * time.Millisecond,
	}
}

// Builder assembles recommendation-time states from the signal pipeline's
// feature bag and the symbol's execution profile.
//
// The field names and defaults it produces are a contract with the
// upstream pipeline.
type Builder struct {
	cfg      BuilderConfig
	profiles ProfileSource
	now      func() time.Time
	logger   *slog.Logger
}

// NewBuilder creates a new state builder. profiles may be nil.
func NewBuilder(cfg BuilderConfig, profiles ProfileSource, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Builder{
		cfg:      cfg,
		profiles: profiles,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the wall clock used for the hour feature.
func (b *Builder) SetClock(now func() time.Time) {
	b.now = now
}

// Build returns the live state for symbol.
//
// Liquidity comes from the symbol's fill profile, but recorded experiences
// always carry the default liquidity bucket. Symbols with at most 10 or more
// than 50 fills therefore map to keys no trained policy contains and get the
// default recommendation.
func (b *Builder) Build(ctx context.Context, signalFeatures map[string]any, symbol string) types.StateFeatures {
	spread, volume, momentum := MarketFeatures(signalFeatures)
	if spread == nil {
		spread = types.Ptr(DefaultSpreadBps)
	}
	if volume == nil {
		volume = types.Ptr(DefaultVolumeRatio)
	}
	if momentum == nil {
		momentum = types.Ptr(DefaultMomentum)
	}

	slippage := DefaultRecentSlippageAvg
	liquidity := DefaultSymbolLiquidity
	if profile := b.lookupProfile(ctx, symbol); profile != nil {
		slippage = profile.AvgSlippageBps
		liquidity = LiquidityFromFillCount(profile.FillCount)
	}

	return types.StateFeatures{
		SpreadBps:         spread,
		VolumeRatio:       volume,
		Hour:              types.Ptr(b.now().In(b.cfg.Location).Hour()),
		RecentSlippageAvg: types.Ptr(slippage),
		Momentum:          momentum,
		SymbolLiquidity:   types.Ptr(liquidity),
	}
}

func (b *Builder) lookupProfile(ctx context.Context, symbol string) *types.ExecutionProfile {
	if b.profiles == nil || symbol == "" {
		return nil
	}

	if b.cfg.ProfileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ProfileTimeout)
		defer cancel()
	}

	profile, err := b.profiles.ExecutionProfile(ctx, symbol)
	if err != nil {
		b.logger.Warn("execution profile lookup failed, using defaults",
			"symbol", symbol,
			"err", err,
		)
		return nil
	}
	return profile
}

// LiquidityFromFillCount maps historical fill count to a liquidity ordinal.
func LiquidityFromFillCount(fills int) int {
	switch {
	case fills > 50:
		return 2
	case fills > 10:
		return 1
	default:
		return 0
	}
}
