package experience

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/types"
)

func TestRewardConfig_Reward(t *testing.T) {
	cfg := DefaultRewardConfig()

	tests := []struct {
		name     string
		slippage float64
		quality  float64
		want     float64
	}{
		{"tight fill with bonus", 1.5, 9, 0.5},
		{"no bonus below threshold", 1.5, 7.9, -1.5},
		{"bonus at threshold", 0, 8, 2},
		{"clamped low", 500, 9, -50},
		{"clamped high", -30, 9, 10},
		{"negative slippage", -5, 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.Reward(tt.slippage, tt.quality)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Reward(%v, %v) = %v, want %v", tt.slippage, tt.quality, got, tt.want)
			}
		})
	}
}

func TestInferAction(t *testing.T) {
	tests := []struct {
		name     string
		quality  float64
		slippage float64
		delay    time.Duration
		want     types.Action
	}{
		{"high quality low slippage", 9, 1.5, 0, types.ActionLimitTight},
		{"high quality moderate slippage", 9, 5, 0, types.ActionLimitLoose},
		{"medium quality", 6.5, 8, 0, types.ActionLimitLoose},
		{"large slippage", 2, 25, 0, types.ActionMarketImmediate},
		{"delayed fill", 2, 12, 6 * time.Minute, types.ActionWait5Min},
		{"delay exactly five minutes", 2, 12, 5 * time.Minute, types.ActionMarketImmediate},
		{"fallback", 2, 12, 0, types.ActionMarketImmediate},
		{"large slippage wins over delay", 2, 30, 10 * time.Minute, types.ActionMarketImmediate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferAction(tt.quality, tt.slippage, tt.delay); got != tt.want {
				t.Errorf("InferAction() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractFeatures(t *testing.T) {
	entry := time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)
	fill := types.Fill{
		ID:                    "fill-1",
		Symbol:                "AAPL",
		SlippageBps:           types.Ptr(1.5),
		ExecutionQualityScore: types.Ptr(9.0),
		EntryTime:             entry,
		Signal: &types.Signal{
			ID:          "sig-1",
			Features:    map[string]any{"spread_bps": 4.0, "volumeRatio": "1.2", "momentum": -0.02},
			GeneratedAt: entry.Add(-10 * time.Minute),
		},
	}

	got, err := ExtractFeatures(fill, time.UTC)
	if err != nil {
		t.Fatalf("ExtractFeatures: %v", err)
	}

	if *got.Features.SpreadBps != 4.0 {
		t.Errorf("spread = %v, want 4", *got.Features.SpreadBps)
	}
	if *got.Features.VolumeRatio != 1.2 {
		t.Errorf("volume ratio = %v, want 1.2", *got.Features.VolumeRatio)
	}
	if *got.Features.Momentum != 0.02 {
		t.Errorf("momentum = %v, want 0.02", *got.Features.Momentum)
	}
	if *got.Features.Hour != 11 {
		t.Errorf("hour = %d, want 11", *got.Features.Hour)
	}
	if *got.Features.RecentSlippageAvg != 1.5 {
		t.Errorf("recent slippage = %v, want 1.5", *got.Features.RecentSlippageAvg)
	}
	if got.Features.SymbolLiquidity != nil {
		t.Error("liquidity should not be set by extraction")
	}
	if got.SignalToFill != 10*time.Minute {
		t.Errorf("signal to fill = %v, want 10m", got.SignalToFill)
	}
	if key := state.Discretize(got.Features); key != "s1_v2_t1_sl1_m1_l1" {
		t.Errorf("state key = %s", key)
	}
}

func TestExtractFeatures_Defaults(t *testing.T) {
	fill := types.Fill{
		ID:          "fill-2",
		SlippageBps: types.Ptr(7.0),
		EntryTime:   time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}

	got, err := ExtractFeatures(fill, nil)
	if err != nil {
		t.Fatalf("ExtractFeatures: %v", err)
	}
	if got.Quality != 0 {
		t.Errorf("quality = %v, want 0", got.Quality)
	}
	if *got.Features.SpreadBps != state.DefaultSpreadBps {
		t.Errorf("spread = %v, want default", *got.Features.SpreadBps)
	}
	if *got.Features.VolumeRatio != state.DefaultVolumeRatio {
		t.Errorf("volume = %v, want default", *got.Features.VolumeRatio)
	}
	if *got.Features.Momentum != state.DefaultMomentum {
		t.Errorf("momentum = %v, want default", *got.Features.Momentum)
	}
	if got.SignalToFill != 0 {
		t.Errorf("signal to fill = %v, want 0", got.SignalToFill)
	}
}

func TestExtractFeatures_MarketTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	fill := types.Fill{
		ID:          "fill-3",
		SlippageBps: types.Ptr(2.0),
		EntryTime:   time.Date(2026, 1, 15, 15, 0, 0, 0, time.UTC),
	}

	got, err := ExtractFeatures(fill, ny)
	if err != nil {
		t.Fatalf("ExtractFeatures: %v", err)
	}
	if *got.Features.Hour != 10 {
		t.Errorf("hour = %d, want 10", *got.Features.Hour)
	}
}

func TestExtractFeatures_Errors(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		fill types.Fill
	}{
		{"missing id", types.Fill{SlippageBps: types.Ptr(1.0), EntryTime: now}},
		{"missing slippage", types.Fill{ID: "f", EntryTime: now}},
		{"nan slippage", types.Fill{ID: "f", SlippageBps: types.Ptr(math.NaN()), EntryTime: now}},
		{"missing entry time", types.Fill{ID: "f", SlippageBps: types.Ptr(1.0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractFeatures(tt.fill, time.UTC)
			if !errors.Is(err, types.ErrExtraction) {
				t.Errorf("err = %v, want ErrExtraction", err)
			}
		})
	}
}
