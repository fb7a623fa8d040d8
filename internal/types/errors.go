package types

import "errors"

// Sentinel errors for the execution learner.
var (
	// Experience errors
	ErrExtraction          = errors.New("feature extraction failed")
	ErrDuplicateExperience = errors.New("experience already recorded for fill")

	// Training errors
	ErrInsufficientData = errors.New("insufficient experience data")
	ErrPersistence      = errors.New("persistence failure")

	// Policy errors
	ErrInvariantViolation = errors.New("active policy invariant violated")
	ErrStaleSchema        = errors.New("policy state schema is stale")
	ErrPolicyNotFound     = errors.New("policy not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidAction = errors.New("invalid action")
)
