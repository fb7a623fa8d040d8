// Package types defines shared types used across the execution learner.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is an execution tactic the learner can recommend.
type Action string

const (
	ActionMarketImmediate Action = "MARKET_IMMEDIATE"
	ActionLimitTight      Action = "LIMIT_TIGHT"
	ActionLimitLoose      Action = "LIMIT_LOOSE"
	ActionWait5Min        Action = "WAIT_5MIN"
)

// Actions lists every action in canonical order. Ties between equal
// Q-values are resolved by position in this slice.
var Actions = []Action{
	ActionMarketImmediate,
	ActionLimitTight,
	ActionLimitLoose,
	ActionWait5Min,
}

func (a Action) String() string {
	return string(a)
}

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionMarketImmediate, ActionLimitTight, ActionLimitLoose, ActionWait5Min:
		return true
	default:
		return false
	}
}

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// PolicyType identifies how a policy's table is represented.
type PolicyType string

// PolicyTypeTabularQ is the only policy type currently trained.
const PolicyTypeTabularQ PolicyType = "tabular_q"

// StateFeatures is a raw market-state snapshot. Every field is optional;
// missing fields take defaults during discretization.
type StateFeatures struct {
	SpreadBps         *float64 `json:"spread_bps,omitempty"`
	VolumeRatio       *float64 `json:"volume_ratio,omitempty"`
	Hour              *int     `json:"hour,omitempty"`
	RecentSlippageAvg *float64 `json:"recent_slippage_avg,omitempty"`
	Momentum          *float64 `json:"momentum,omitempty"`
	SymbolLiquidity   *int     `json:"symbol_liquidity,omitempty"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Signal is the upstream trading signal linked to a fill.
type Signal struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Features    map[string]any `json:"features"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Fill is a completed fill reported by the order-management layer.
type Fill struct {
	ID                    string          `json:"id"`
	Symbol                string          `json:"symbol"`
	SlippageBps           *float64        `json:"slippage_bps"`
	ExecutionQualityScore *float64        `json:"execution_quality_score"`
	EntryPrice            decimal.Decimal `json:"entry_price"`
	Shares                int64           `json:"shares"`
	EntryTime             time.Time       `json:"entry_time"`
	Signal                *Signal         `json:"signal,omitempty"`
}

// Notional returns the filled value (price * shares).
func (f Fill) Notional() decimal.Decimal {
	return f.EntryPrice.Mul(decimal.NewFromInt(f.Shares))
}

// Experience is one (state, action, reward) sample derived from a fill.
type Experience struct {
	ID            int64
	FillReference string
	Symbol        string
	StateFeatures StateFeatures
	ActionTaken   Action
	Reward        float64
	SlippageBps   float64
	CreatedAt     time.Time
}

// ExecutionProfile summarizes historical execution quality for a symbol.
type ExecutionProfile struct {
	Symbol         string
	AvgSlippageBps float64
	FillCount      int
}

// QTable maps a discrete state key to per-action Q-values.
type QTable map[string]map[Action]float64

// Get returns Q(key, action). Unseen pairs are 0.0.
func (q QTable) Get(key string, action Action) float64 {
	return q[key][action]
}

// Set stores Q(key, action).
func (q QTable) Set(key string, action Action, value float64) {
	row, ok := q[key]
	if !ok {
		row = make(map[Action]float64, len(Actions))
		q[key] = row
	}
	row[action] = value
}

// Entries returns the number of stored (state, action) pairs.
func (q QTable) Entries() int {
	n := 0
	for _, row := range q {
		n += len(row)
	}
	return n
}

// ExecutionPolicy is an immutable trained snapshot. Only IsActive changes
// after creation.
type ExecutionPolicy struct {
	ID            int64
	Version       int
	PolicyType    PolicyType
	SchemaVersion int
	Table         QTable
	IsActive      bool
	TrainEpisodes int
	AvgReward     float64
	RunID         string
	CreatedAt     time.Time
}
