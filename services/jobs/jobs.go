package jobsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/thejerf/suture/v4"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/booking"
)

// Job names
const (
	JobSweep     = "sweep"
	JobReminders = "reminders"
)

// Job is a unit of background work. Run returns the number of processed items.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// BookingJobs returns the periodic jobs of the booking service.
func BookingJobs(svc booking.Service) []Job {
	return []Job{
		{Name: JobSweep, Run: svc.CompleteEndedSlots},
		{Name: JobReminders, Run: svc.SendReminders},
	}
}

// Runner runs a Job every interval as a suture.Service. The first run happens on start.
type Runner struct {
	job      Job
	interval time.Duration
	logger   core.Logger
	metrics  core.Metrics
}

var _ suture.Service = (*Runner)(nil)

func NewRunner(job Job, interval time.Duration, logger core.Logger, metrics core.Metrics) *Runner {
	if metrics == nil {
		metrics = core.NoopMetrics{}
	}
	return &Runner{job: job, interval: interval, logger: logger, metrics: metrics}
}

// Serve returns when ctx is done. A failed run is logged; the runner keeps ticking.
func (r *Runner) Serve(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.Wrapf(suture.ErrDoNotRestart, "job %s: invalid interval %v", r.job.Name, r.interval)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		_ = Run(ctx, r.job, r.logger, r.metrics)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) String() string { return "job:" + r.job.Name }

// Run runs job once, then reports it to logger and metrics.
func Run(ctx context.Context, job Job, logger core.Logger, metrics core.Metrics) error {
	start := time.Now()
	n, err := job.Run(ctx)
	if ctx.Err() != nil && errors.Cause(err) == ctx.Err() {
		return err
	}
	metrics.JobRun(job.Name, err)
	if err != nil {
		logger.Error(fmt.Sprintf("job %s failed after %d item(s)", job.Name, n), err)
		return errors.Wrapf(err, "running job %s", job.Name)
	}
	if n > 0 {
		logger.Info(fmt.Sprintf("job %s processed %d item(s) in %v", job.Name, n, time.Since(start)))
	}
	return nil
}

// RunAll runs every job once, in order, and returns the first error.
func RunAll(ctx context.Context, jobs []Job, logger core.Logger, metrics core.Metrics) error {
	if metrics == nil {
		metrics = core.NoopMetrics{}
	}
	var firstErr error
	for _, job := range jobs {
		if err := Run(ctx, job, logger, metrics); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewSupervisor returns a supervisor reporting its events to logger.
func NewSupervisor(name string, logger core.Logger, timeout time.Duration, services ...suture.Service) *suture.Supervisor {
	sup := suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			switch e.Type() {
			case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
				logger.Error(e.String(), e.Map())
			case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
				logger.Warn(e.String(), e.Map())
			default:
				logger.Info(e.String(), e.Map())
			}
		},
		Timeout: timeout,
	})
	for _, svc := range services {
		sup.Add(svc)
	}
	return sup
}
