package jobs

import (
	"context"
	"time"
)

type SessionSweeper interface {
	Sweep(ctx context.Context, limit int) (int, error)
}

type TokenExpirer interface {
	ExpireTokens(ctx context.Context, limit int) (int, error)
}

type PatternRefresher interface {
	RefreshPatterns(ctx context.Context) (int, error)
}

type StaleRecoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

type Schedules struct {
	Sweep    string
	Patterns string
	Stale    string
	// Batch caps how many sessions or tokens one sweep handles.
	Batch int
}

const (
	JobSweep    = "sweep"
	JobPatterns = "patterns"
	JobStale    = "stale-rotations"
)

// RegisterMaintenance wires the pool's three maintenance jobs.
func RegisterMaintenance(r *Runner, s Schedules, sessions SessionSweeper, tokens TokenExpirer, patterns PatternRefresher, stale StaleRecoverer) error {
	batch := s.Batch
	if batch <= 0 {
		batch = 500
	}
	err := r.Add(Job{
		Name:    JobSweep,
		Spec:    s.Sweep,
		Timeout: time.Minute,
		Run: func(ctx context.Context) (int, error) {
			closed, err := sessions.Sweep(ctx, batch)
			if err != nil {
				return closed, err
			}
			expired, err := tokens.ExpireTokens(ctx, batch)
			return closed + expired, err
		},
	})
	if err != nil {
		return err
	}
	if err := r.Add(Job{Name: JobPatterns, Spec: s.Patterns, Timeout: 30 * time.Minute, Run: patterns.RefreshPatterns}); err != nil {
		return err
	}
	return r.Add(Job{Name: JobStale, Spec: s.Stale, Timeout: 5 * time.Minute, Run: stale.RecoverStale})
}
