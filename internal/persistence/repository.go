// Package persistence provides storage for experiences and trained policies.
package persistence

import (
	"context"

	"github.com/tathienbao/execrl/internal/types"
)

// ExperienceRepository stores the append-only experience log.
type ExperienceRepository interface {
	// SaveExperience appends exp and sets its ID. Returns
	// types.ErrDuplicateExperience if the fill was already recorded.
	SaveExperience(ctx context.Context, exp *types.Experience) error
	CountExperiences(ctx context.Context) (int, error)
	// ListExperiences returns every experience, oldest first.
	ListExperiences(ctx context.Context) ([]types.Experience, error)
	ExecutionProfile(ctx context.Context, symbol string) (*types.ExecutionProfile, error)
}

// PolicyRepository stores versioned policies.
type PolicyRepository interface {
	// CreateActivePolicy inserts p with the next version and makes it the
	// only active policy, atomically. ID, Version and IsActive are set on p.
	CreateActivePolicy(ctx context.Context, p *types.ExecutionPolicy) error
	// ActivePolicies returns every row flagged active, highest version first.
	ActivePolicies(ctx context.Context) ([]types.ExecutionPolicy, error)
	MaxPolicyVersion(ctx context.Context) (int, error)
	// RepairActivePolicy leaves only the highest version active and returns
	// it, or nil when no policy exists.
	RepairActivePolicy(ctx context.Context) (*types.ExecutionPolicy, error)
	// ListPolicies returns policy metadata (without tables), newest first.
	ListPolicies(ctx context.Context, limit int) ([]types.ExecutionPolicy, error)
}

// Repository is the full storage surface.
type Repository interface {
	ExperienceRepository
	PolicyRepository

	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}
