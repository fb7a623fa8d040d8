package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tathienbao/execrl/internal/types"
)

type fakeProfiles struct {
	profiles map[string]*types.ExecutionProfile
	err      error
	calls    int
}

func (f *fakeProfiles) ExecutionProfile(_ context.Context, symbol string) (*types.ExecutionProfile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles[symbol], nil
}

func fixedClock(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2024, 3, 4, hour, 30, 0, 0, time.UTC)
	}
}

func TestBuilder_Build(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*types.ExecutionProfile{
		"AAPL": {Symbol: "AAPL", AvgSlippageBps: 2.5, FillCount: 120},
	}}
	b := NewBuilder(DefaultBuilderConfig(), profiles, nil)
	b.SetClock(fixedClock(10))

	got := b.Build(context.Background(), map[string]any{
		"spread_bps":   3.0,
		"volume_ratio": 1.8,
		"momentum":     -0.025,
	}, "AAPL")

	if *got.SpreadBps != 3.0 {
		t.Errorf("SpreadBps = %v, want 3.0", *got.SpreadBps)
	}
	if *got.VolumeRatio != 1.8 {
		t.Errorf("VolumeRatio = %v, want 1.8", *got.VolumeRatio)
	}
	if *got.Momentum != 0.025 {
		t.Errorf("Momentum = %v, want 0.025 (absolute)", *got.Momentum)
	}
	if *got.Hour != 10 {
		t.Errorf("Hour = %d, want 10", *got.Hour)
	}
	if *got.RecentSlippageAvg != 2.5 {
		t.Errorf("RecentSlippageAvg = %v, want 2.5", *got.RecentSlippageAvg)
	}
	if *got.SymbolLiquidity != 2 {
		t.Errorf("SymbolLiquidity = %d, want 2", *got.SymbolLiquidity)
	}
}

func TestBuilder_Build_NoProfile(t *testing.T) {
	b := NewBuilder(DefaultBuilderConfig(), &fakeProfiles{}, nil)
	b.SetClock(fixedClock(15))

	got := b.Build(context.Background(), nil, "UNKNOWN")

	if *got.SpreadBps != DefaultSpreadBps {
		t.Errorf("SpreadBps = %v, want default", *got.SpreadBps)
	}
	if *got.VolumeRatio != DefaultVolumeRatio {
		t.Errorf("VolumeRatio = %v, want default", *got.VolumeRatio)
	}
	if *got.Momentum != 0 {
		t.Errorf("Momentum = %v, want 0", *got.Momentum)
	}
	if *got.RecentSlippageAvg != 5.0 {
		t.Errorf("RecentSlippageAvg = %v, want 5.0", *got.RecentSlippageAvg)
	}
	if *got.SymbolLiquidity != 1 {
		t.Errorf("SymbolLiquidity = %d, want 1", *got.SymbolLiquidity)
	}
}

func TestBuilder_Build_ProfileErrorFallsBack(t *testing.T) {
	profiles := &fakeProfiles{err: errors.New("analytics unavailable")}
	b := NewBuilder(DefaultBuilderConfig(), profiles, nil)

	got := b.Build(context.Background(), map[string]any{}, "MSFT")

	if profiles.calls != 1 {
		t.Errorf("profile calls = %d, want 1", profiles.calls)
	}
	if *got.RecentSlippageAvg != 5.0 || *got.SymbolLiquidity != 1 {
		t.Errorf("got slippage=%v liquidity=%d, want defaults", *got.RecentSlippageAvg, *got.SymbolLiquidity)
	}
}

func TestBuilder_Build_CamelCaseAndStrings(t *testing.T) {
	b := NewBuilder(DefaultBuilderConfig(), nil, nil)

	got := b.Build(context.Background(), map[string]any{
		"spreadBps":   "12.5",
		"volumeRatio": 2,
	}, "")

	if *got.SpreadBps != 12.5 {
		t.Errorf("SpreadBps = %v, want 12.5", *got.SpreadBps)
	}
	if *got.VolumeRatio != 2 {
		t.Errorf("VolumeRatio = %v, want 2", *got.VolumeRatio)
	}
}

func TestBuilder_Build_UsesMarketTimezone(t *testing.T) {
	cfg := DefaultBuilderConfig()
	cfg.Location = time.FixedZone("EST", -5*3600)
	b := NewBuilder(cfg, nil, nil)
	b.SetClock(fixedClock(15)) // 15:30 UTC

	got := b.Build(context.Background(), nil, "")
	if *got.Hour != 10 {
		t.Errorf("Hour = %d, want 10", *got.Hour)
	}
}

func TestLiquidityFromFillCount(t *testing.T) {
	tests := []struct {
		fills int
		want  int
	}{
		{0, 0}, {10, 0}, {11, 1}, {50, 1}, {51, 2}, {500, 2},
	}

	for _, tt := range tests {
		if got := LiquidityFromFillCount(tt.fills); got != tt.want {
			t.Errorf("LiquidityFromFillCount(%d) = %d, want %d", tt.fills, got, tt.want)
		}
	}
}

func TestBagFloat_SkipsInvalid(t *testing.T) {
	bag := map[string]any{
		"spread_bps": "not-a-number",
		"spreadBps":  4.0,
	}

	v, ok := BagFloat(bag, "spread_bps", "spreadBps")
	if !ok || v != 4.0 {
		t.Errorf("BagFloat = (%v, %v), want (4.0, true)", v, ok)
	}

	if _, ok := BagFloat(map[string]any{"spread_bps": nil}, "spread_bps"); ok {
		t.Error("expected nil value to be treated as missing")
	}
}
