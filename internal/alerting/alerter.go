// Package alerting provides notification capabilities for the execution learner.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventPolicyActivated is sent when a newly trained policy goes live.
	EventPolicyActivated AlertEvent = "policy_activated"
	// EventTrainingFailed is sent when a training run fails to persist.
	EventTrainingFailed AlertEvent = "training_failed"
	// EventInsufficientData is sent when training is skipped for lack of experiences.
	EventInsufficientData AlertEvent = "insufficient_data"
	// EventInvariantViolation is sent when zero or several active policies are observed.
	EventInvariantViolation AlertEvent = "invariant_violation"
	// EventStaleSchema is sent when the active policy was trained on other state bins.
	EventStaleSchema AlertEvent = "stale_schema"
	// EventPolicyLoadFailed is sent when the recommendation cache cannot load a policy.
	EventPolicyLoadFailed AlertEvent = "policy_load_failed"
	// EventServiceStarted is sent when the service starts.
	EventServiceStarted AlertEvent = "service_started"
	// EventServiceStopped is sent when the service stops.
	EventServiceStopped AlertEvent = "service_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventInvariantViolation:
		return SeverityCritical
	case EventTrainingFailed, EventStaleSchema:
		return SeverityHigh
	case EventPolicyLoadFailed, EventInsufficientData:
		return SeverityWarning
	case EventPolicyActivated, EventServiceStarted, EventServiceStopped:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// EventAlerter sends alerts for predefined events.
type EventAlerter interface {
	AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error
}

// Nop discards every alert.
type Nop struct{}

// AlertEvent implements EventAlerter.
func (Nop) AlertEvent(context.Context, AlertEvent, string, ...any) error { return nil }
