// Package state maps continuous market features to discrete state keys and
// assembles live query states for the recommendation path.
package state

import (
	"fmt"
	"math"

	"github.com/tathienbao/execrl/internal/types"
)

// SchemaVersion identifies the binning rules below. Bump it whenever an edge,
// bucket rule or key layout changes; policies trained under another version
// no longer match live keys.
const SchemaVersion = 1

// Defaults applied to missing features.
const (
	DefaultSpreadBps         = 5.0
	DefaultVolumeRatio       = 1.0
	DefaultHour              = 12
	DefaultRecentSlippageAvg = 5.0
	DefaultMomentum          = 0.0
	DefaultSymbolLiquidity   = 1
)

// Bin edges.
var (
	SpreadEdges   = []float64{0, 5, 15, 50}
	VolumeEdges   = []float64{0, 0.8, 1.5, 3.0}
	SlippageEdges = []float64{0, 5, 15, 50}
)

// Resolved is a StateFeatures record with every default applied.
type Resolved struct {
	SpreadBps         float64
	VolumeRatio       float64
	Hour              int
	RecentSlippageAvg float64
	Momentum          float64
	SymbolLiquidity   int
}

// Resolve fills in defaults for missing or non-finite fields.
func Resolve(f types.StateFeatures) Resolved {
	return Resolved{
		SpreadBps:         floatOr(f.SpreadBps, DefaultSpreadBps),
		VolumeRatio:       floatOr(f.VolumeRatio, DefaultVolumeRatio),
		Hour:              intOr(f.Hour, DefaultHour),
		RecentSlippageAvg: floatOr(f.RecentSlippageAvg, DefaultRecentSlippageAvg),
		Momentum:          floatOr(f.Momentum, DefaultMomentum),
		SymbolLiquidity:   intOr(f.SymbolLiquidity, DefaultSymbolLiquidity),
	}
}

// Bucket returns the first index i with value <= edges[i], or len(edges)
// when value exceeds every edge.
func Bucket(value float64, edges []float64) int {
	for i, edge := range edges {
		if value <= edge {
			return i
		}
	}
	return len(edges)
}

// TimeBucket maps an hour of day to one of five session buckets.
func TimeBucket(hour int) int {
	switch {
	case hour < 10:
		return 0
	case hour < 12:
		return 1
	case hour < 14:
		return 2
	case hour < 15:
		return 3
	default:
		return 4
	}
}

// MomentumBucket maps momentum to one of three buckets.
func MomentumBucket(momentum float64) int {
	switch {
	case momentum < 0.01:
		return 0
	case momentum < 0.03:
		return 1
	default:
		return 2
	}
}

// Discretize returns the state key for f. It never fails: missing fields
// take defaults.
//
// Key layout: s{spread}_v{volume}_t{time}_sl{slippage}_m{momentum}_l{liquidity}
func Discretize(f types.StateFeatures) string {
	return Resolve(f).Key()
}

// Key returns the discrete state key for r.
func (r Resolved) Key() string {
	return fmt.Sprintf("s%d_v%d_t%d_sl%d_m%d_l%d",
		Bucket(r.SpreadBps, SpreadEdges),
		Bucket(r.VolumeRatio, VolumeEdges),
		TimeBucket(r.Hour),
		Bucket(r.RecentSlippageAvg, SlippageEdges),
		MomentumBucket(r.Momentum),
		r.SymbolLiquidity,
	)
}

func floatOr(v *float64, def float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
