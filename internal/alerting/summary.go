package alerting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TrainingSummary describes a completed training run.
type TrainingSummary struct {
	Date          time.Time
	Version       int
	States        int
	Experiences   int
	AvgReward     decimal.Decimal
	PrevAvgReward decimal.Decimal
	RewardDelta   decimal.Decimal
	HasPrevious   bool
	RunID         string
}

// NewTrainingSummary creates a training summary. prevAvgReward is ignored
// when hasPrevious is false.
func NewTrainingSummary(
	date time.Time,
	version, states, experiences int,
	avgReward, prevAvgReward float64,
	hasPrevious bool,
	runID string,
) TrainingSummary {
	avg := decimal.NewFromFloat(avgReward).Round(4)

	s := TrainingSummary{
		Date:        date,
		Version:     version,
		States:      states,
		Experiences: experiences,
		AvgReward:   avg,
		HasPrevious: hasPrevious,
		RunID:       runID,
	}
	if hasPrevious {
		s.PrevAvgReward = decimal.NewFromFloat(prevAvgReward).Round(4)
		s.RewardDelta = avg.Sub(s.PrevAvgReward)
	}

	return s
}

// Message renders the summary as a single alert message.
func (s TrainingSummary) Message() string {
	msg := fmt.Sprintf("Policy v%d activated: %d states from %d experiences, avg reward %s bps",
		s.Version, s.States, s.Experiences, s.AvgReward.StringFixed(2))
	if s.HasPrevious {
		sign := ""
		if s.RewardDelta.IsPositive() {
			sign = "+"
		}
		msg += fmt.Sprintf(" (%s%s vs previous)", sign, s.RewardDelta.StringFixed(2))
	}
	return msg
}

// Fields returns the summary as alert fields.
func (s TrainingSummary) Fields() []any {
	return []any{
		"version", s.Version,
		"states", s.States,
		"experiences", s.Experiences,
		"avg_reward", s.AvgReward.StringFixed(4),
		"run_id", s.RunID,
	}
}
