// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job represents a scheduled job.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// schedules take a leading seconds field.
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule reports whether schedule is accepted by AddJob.
func ParseSchedule(schedule string) error {
	_, err := parser.Parse(schedule)
	return err
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	wg     sync.WaitGroup // jobs started with Go

	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc
}

// New creates a scheduler. Schedules are interpreted in loc; they take a
// leading seconds field.
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		// Runs of the same job never overlap.
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger.With("component", "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler, cancels running jobs and waits for them to
// return or ctx to expire. Jobs started with Go are waited for too.
func (s *Scheduler) Stop(ctx context.Context) {
	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", "err", ctx.Err())
	}
}

// AddJob registers a job with a cron schedule.
// Schedule examples:
//   - "0 */5 * * * *"        - Every 5 minutes
//   - "@hourly"              - Every hour
//   - "0 30 16 * * MON-FRI"  - 16:30 on weekdays
//   - "@every 30s"           - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.run(job)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name(), schedule, err)
	}

	s.logger.Info("job registered",
		"schedule", schedule,
		"job", job.Name(),
	)

	return nil
}

// Go runs a job once in the background. Stop waits for it.
func (s *Scheduler) Go(job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("running job in background", "job", job.Name())
		_ = s.run(job)
	}()
}

func (s *Scheduler) run(job Job) error {
	start := time.Now()
	s.logger.Debug("running job", "job", job.Name())

	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("job failed",
			"job", job.Name(),
			"err", err,
			"duration", time.Since(start),
		)
		return err
	}

	s.logger.Debug("job completed",
		"job", job.Name(),
		"duration", time.Since(start),
	)
	return nil
}
