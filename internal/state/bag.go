package state

import (
	"math"

	"github.com/spf13/cast"
)

// Feature bag keys. The signal pipeline emits snake_case; older producers
// still send camelCase.
var (
	spreadKeys   = []string{"spread_bps", "spreadBps"}
	volumeKeys   = []string{"volume_ratio", "volumeRatio"}
	momentumKeys = []string{"momentum", "momentum15m", "momentum_15m"}
)

// BagFloat returns the first finite numeric value found under keys.
// Numeric strings are accepted.
func BagFloat(bag map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		raw, ok := bag[k]
		if !ok || raw == nil {
			continue
		}
		v, err := cast.ToFloat64E(raw)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return v, true
	}
	return 0, false
}

// MarketFeatures reads spread, volume ratio and absolute momentum from a
// signal feature bag. Absent values are nil so the discretizer defaults them.
func MarketFeatures(bag map[string]any) (spread, volume, momentum *float64) {
	if v, ok := BagFloat(bag, spreadKeys...); ok {
		spread = &v
	}
	if v, ok := BagFloat(bag, volumeKeys...); ok {
		volume = &v
	}
	if v, ok := BagFloat(bag, momentumKeys...); ok {
		m := math.Abs(v)
		momentum = &m
	}
	return spread, volume, momentum
}
