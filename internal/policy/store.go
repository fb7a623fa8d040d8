// Package policy manages versioned execution policies and guards the
// single-active-policy invariant.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tathienbao/execrl/internal/alerting"
	"github.com/tathienbao/execrl/internal/metrics"
	"github.com/tathienbao/execrl/internal/persistence"
	"github.com/tathienbao/execrl/internal/types"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 20

// Store reads and publishes policies.
type Store struct {
	repo    persistence.PolicyRepository
	alerter alerting.EventAlerter
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewStore creates a policy store.
func NewStore(repo persistence.PolicyRepository, alerter alerting.EventAlerter, m *metrics.Recorder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alerting.Nop{}
	}
	if m == nil {
		m = metrics.NewRecorder()
	}
	return &Store{
		repo:    repo,
		alerter: alerter,
		metrics: m,
		logger:  logger,
	}
}

// Active returns the active policy, or nil when none has been trained.
//
// Zero active rows while policies exist, or several active rows, is an
// invariant violation. It is logged, alerted and repaired by activating the
// highest version.
func (s *Store) Active(ctx context.Context) (*types.ExecutionPolicy, error) {
	active, err := s.repo.ActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load active policy: %w", types.ErrPersistence, err)
	}

	switch len(active) {
	case 1:
		return &active[0], nil
	case 0:
		maxVersion, err := s.repo.MaxPolicyVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: load max version: %w", types.ErrPersistence, err)
		}
		if maxVersion == 0 {
			return nil, nil
		}
	}

	return s.repair(ctx, len(active))
}

func (s *Store) repair(ctx context.Context, activeCount int) (*types.ExecutionPolicy, error) {
	s.logger.Error("active policy invariant violated",
		"active_count", activeCount,
	)
	s.metrics.RecordInvariantViolation()
	if err := s.alerter.AlertEvent(ctx, alerting.EventInvariantViolation,
		fmt.Sprintf("Found %d active execution policies, repairing", activeCount),
		"active_count", activeCount,
	); err != nil {
		s.logger.Warn("failed to send invariant alert", "err", err)
	}

	p, err := s.repo.RepairActivePolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: repair failed: %w", types.ErrInvariantViolation, types.ErrPersistence, err)
	}
	if p != nil {
		s.logger.Warn("active policy repaired", "version", p.Version)
	}
	return p, nil
}

// Publish stores p as the next version and makes it the only active policy.
func (s *Store) Publish(ctx context.Context, p *types.ExecutionPolicy) error {
	if p.PolicyType == "" {
		p.PolicyType = types.PolicyTypeTabularQ
	}
	if err := s.repo.CreateActivePolicy(ctx, p); err != nil {
		return fmt.Errorf("%w: publish policy: %w", types.ErrPersistence, err)
	}
	s.metrics.RecordActivePolicy(p.Version, len(p.Table), p.AvgReward)
	return nil
}

// History returns policy metadata, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]types.ExecutionPolicy, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	policies, err := s.repo.ListPolicies(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list policies: %w", types.ErrPersistence, err)
	}
	return policies, nil
}
