package recommend

import (
	"context"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tathienbao/execrl/internal/metrics"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/types"
)

// Recommendation sources.
const (
	SourceQTable  = "q_table"
	SourceDefault = "default"
)

// Defaults returned when no learned value applies.
const (
	DefaultAction     = types.ActionLimitTight
	DefaultConfidence = 0.5
)

// Recommendation is the tactic suggested for a state.
type Recommendation struct {
	Action     types.Action             `json:"action"`
	Confidence float64                  `json:"confidence"`
	QValues    map[types.Action]float64 `json:"q_values"`
	Source     string                   `json:"source"`
	StateKey   string                   `json:"state_key"`
}

// PolicyStats summarizes the active policy.
type PolicyStats struct {
	Version            int                  `json:"version"`
	States             int                  `json:"states"`
	ActionDistribution map[types.Action]int `json:"action_distribution"`
	TotalQEntries      int                  `json:"total_q_entries"`
	MeanBestQ          float64              `json:"mean_best_q"`
}

// Service answers recommendation queries from the cached policy.
type Service struct {
	cache   *Cache
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewService creates a recommendation service.
func NewService(cache *Cache, m *metrics.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewRecorder()
	}
	return &Service{cache: cache, metrics: m, logger: logger}
}

// Recommend returns the best known tactic for f. It always returns a usable
// answer: missing features are defaulted and unknown states fall back to
// the default recommendation.
func (s *Service) Recommend(ctx context.Context, f types.StateFeatures) Recommendation {
	timer := metrics.NewTimer()
	key := state.Discretize(f)

	rec := s.recommend(ctx, key)
	s.metrics.RecordRecommendation(string(rec.Action), rec.Source, timer.Elapsed())
	s.logger.Debug("recommendation",
		"state_key", key,
		"action", rec.Action,
		"confidence", rec.Confidence,
		"source", rec.Source,
	)
	return rec
}

func (s *Service) recommend(ctx context.Context, key string) Recommendation {
	p := s.cache.Get(ctx)
	if p == nil {
		return defaultRecommendation(key)
	}
	row, ok := p.Table[key]
	if !ok || len(row) == 0 {
		return defaultRecommendation(key)
	}

	action, values := Best(row)
	return Recommendation{
		Action:     action,
		Confidence: Confidence(values),
		QValues:    values,
		Source:     SourceQTable,
		StateKey:   key,
	}
}

// Stats summarizes the cached policy. It has no side effects beyond a
// possible cache reload.
func (s *Service) Stats(ctx context.Context) PolicyStats {
	stats := PolicyStats{ActionDistribution: make(map[types.Action]int, len(types.Actions))}
	for _, a := range types.Actions {
		stats.ActionDistribution[a] = 0
	}

	p := s.cache.Get(ctx)
	if p == nil {
		return stats
	}

	stats.Version = p.Version
	stats.States = len(p.Table)
	stats.TotalQEntries = p.Table.Entries()

	bestQ := make([]float64, 0, len(p.Table))
	for _, row := range p.Table {
		if len(row) == 0 {
			continue
		}
		action, values := Best(row)
		stats.ActionDistribution[action]++
		bestQ = append(bestQ, values[action])
	}
	if len(bestQ) > 0 {
		stats.MeanBestQ = stat.Mean(bestQ, nil)
	}

	return stats
}

// Best returns the highest valued action of row and the values of all four
// actions, unseen ones as 0.0. Ties go to the earliest action in
// types.Actions.
func Best(row map[types.Action]float64) (types.Action, map[types.Action]float64) {
	values := make(map[types.Action]float64, len(types.Actions))
	best := types.Actions[0]
	bestQ := math.Inf(-1)
	for _, a := range types.Actions {
		q := row[a]
		values[a] = q
		if q > bestQ {
			best, bestQ = a, q
		}
	}
	return best, values
}

// Confidence maps the spread of Q-values to [0.5, 1].
func Confidence(values map[types.Action]float64) float64 {
	if len(values) == 0 {
		return DefaultConfidence
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, q := range values {
		lo = math.Min(lo, q)
		hi = math.Max(hi, q)
	}
	return math.Min(1.0, DefaultConfidence+(hi-lo)/20.0)
}

func defaultRecommendation(key string) Recommendation {
	return Recommendation{
		Action:     DefaultAction,
		Confidence: DefaultConfidence,
		QValues:    map[types.Action]float64{},
		Source:     SourceDefault,
		StateKey:   key,
	}
}
