package trainer

import (
	"context"
	"time"
)

// Job runs training on a schedule.
type Job struct {
	trainer *Trainer
	timeout time.Duration
}

// NewJob wraps t as a scheduler job. timeout bounds each run; zero means no
// bound.
func NewJob(t *Trainer, timeout time.Duration) *Job {
	return &Job{trainer: t, timeout: timeout}
}

// Name implements scheduler.Job.
func (j *Job) Name() string {
	return "train_policy"
}

// Run implements scheduler.Job. Insufficient data is not a failure.
func (j *Job) Run(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	_, err := j.trainer.Train(ctx, 0)
	return err
}
