// Package jobs runs the pool's periodic maintenance on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sharepool/services/pool/internal/observability/metrics"

	"github.com/robfig/cron/v3"
)

// Job is one named periodic task.
type Job struct {
	Name string
	// Spec is a cron expression with a leading seconds field.
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) (int, error)
}

type Runner struct {
	cron *cron.Cron
	log  *slog.Logger

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
	stop context.CancelFunc
}

func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	cl := cron.PrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelWarn))
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:  log,
		jobs: make(map[string]Job),
		ctx:  ctx,
		stop: stop,
	}
}

// Add schedules job. An empty spec disables it.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Spec == "" {
		r.log.Info("job disabled", "job", job.Name)
	} else if _, err := r.cron.AddFunc(job.Spec, func() { _ = r.run(r.ctx, job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	r.jobs[job.Name] = job
	return nil
}

// RunNow runs a registered job once, outside its schedule.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return r.run(ctx, job)
}

func (r *Runner) run(ctx context.Context, job Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		metrics.JobRun(job.Name, "error")
		r.log.Error("job failed", "job", job.Name, "duration", time.Since(start), "error", err)
		return err
	}
	metrics.JobRun(job.Name, "ok")
	if n > 0 {
		r.log.Info("job done", "job", job.Name, "affected", n, "duration", time.Since(start))
	}
	return nil
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.stop()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
