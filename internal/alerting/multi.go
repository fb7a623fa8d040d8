package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MultiAlerter sends alerts to multiple channels.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a new alerter to the multi-alerter.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Alert sends an alert to all configured channels.
// Returns an error if any channel fails (errors are joined).
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	if len(alerters) == 0 {
		return nil
	}

	var errs []error
	var wg sync.WaitGroup

	errCh := make(chan error, len(alerters))

	for _, alerter := range alerters {
		wg.Add(1)
		go func(a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alerter failed",
					"alerter", a.Name(),
					"severity", severity.String(),
					"error", err,
				)
				errCh <- err
			}
		}(alerter)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// AlertEvent sends an alert for a predefined event type.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	severity := EventSeverity(event)
	return m.Alert(ctx, severity, message, fields...)
}

// Filtered wraps an EventAlerter and drops events that are not enabled.
// An empty enabled list passes everything through.
type Filtered struct {
	next    EventAlerter
	enabled map[AlertEvent]bool
}

// NewFiltered creates an alerter that only forwards the listed events.
// The special name "all" enables every event.
func NewFiltered(next EventAlerter, events []string) *Filtered {
	enabled := make(map[AlertEvent]bool, len(events))
	for _, e := range events {
		if e == "all" {
			return &Filtered{next: next}
		}
		enabled[AlertEvent(e)] = true
	}
	if len(enabled) == 0 {
		enabled = nil
	}
	return &Filtered{next: next, enabled: enabled}
}

// AlertEvent forwards event if it is enabled.
func (f *Filtered) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	if f.enabled != nil && !f.enabled[event] {
		return nil
	}
	return f.next.AlertEvent(ctx, event, message, fields...)
}
