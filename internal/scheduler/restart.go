// Package scheduler runs indexers outside a request: the restart sweep
// resumes rate-limited runs once their reset has passed, the trigger starts
// a fresh pass over every repository once a day.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/indexer"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/monitor"
	"github.com/thep200/gitpulse/pkg/kafka"
	"github.com/thep200/gitpulse/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Runner runs one indexer kind for one repository, normally *indexer.Registry.
type Runner interface {
	Run(ctx context.Context, target monitor.Target, kind model.EntityKind, resume *model.Cursor) (*indexer.Result, error)
}

type JobQueue interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
	Due(ctx context.Context, now time.Time, buffer time.Duration, limit int) ([]model.ResumableJob, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Release(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, now time.Time) (bool, error)
	RecordFailure(ctx context.Context, id string, cause error, now time.Time) (*model.ResumableJob, error)
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	Purged    int64
	Due       int
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	Deferred  int
}

const sweepBatch = 200

type RestartScheduler struct {
	Config    *cfg.Config
	Logger    log.Logger
	jobs      JobQueue
	runner    Runner
	publisher kafka.Publisher
	now       func() time.Time
}

func NewRestartScheduler(config *cfg.Config, logger log.Logger, jobs JobQueue, runner Runner, publisher kafka.Publisher) *RestartScheduler {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &RestartScheduler{
		Config:    config,
		Logger:    logger,
		jobs:      jobs,
		runner:    runner,
		publisher: publisher,
		now:       time.Now,
	}
}

func (s *RestartScheduler) WithClock(now func() time.Time) *RestartScheduler {
	s.now = now
	return s
}

// Run sweeps immediately and then every sweep interval until ctx is done.
func (s *RestartScheduler) Run(ctx context.Context) error {
	interval := s.Config.RateLimit.SweepInterval
	s.Logger.Info(ctx, "Restart scheduler started, sweeping every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error(ctx, "Sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			s.Logger.Info(ctx, "Restart scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep purges expired jobs and dispatches every pending job whose reset
// has passed the buffer. Each job is dispatched at most once per claim.
func (s *RestartScheduler) Sweep(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{}
	now := s.now().UTC()

	purged, err := s.jobs.Purge(ctx, now.Add(-s.Config.RateLimit.Retention))
	if err != nil {
		return stats, fmt.Errorf("purge jobs: %w", err)
	}
	stats.Purged = purged
	if purged > 0 {
		s.Logger.Info(ctx, "Purged %d jobs older than %s", purged, s.Config.RateLimit.Retention)
	}

	due, err := s.jobs.Due(ctx, now, s.Config.RateLimit.Buffer, sweepBatch)
	if err != nil {
		return stats, fmt.Errorf("select due jobs: %w", err)
	}
	stats.Due = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	count := func(f func(*SweepStats)) {
		mu.Lock()
		f(stats)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism(s.Config))
	for i := range due {
		job := due[i]
		claimed, err := s.jobs.Claim(ctx, job.ID, now)
		if err != nil {
			s.Logger.Error(ctx, "Failed to claim job %s: %v", job.ID, err)
			continue
		}
		if !claimed {
			sweepOutcomes.WithLabelValues("lost_claim").Inc()
			continue
		}
		count(func(st *SweepStats) { st.Claimed++ })

		g.Go(func() error {
			outcome := s.dispatch(gctx, job)
			sweepOutcomes.WithLabelValues(outcome).Inc()
			count(func(st *SweepStats) {
				switch outcome {
				case "completed":
					st.Completed++
				case "retried":
					st.Retried++
				case "failed":
					st.Failed++
				case "deferred":
					st.Deferred++
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	s.Logger.Info(ctx, "Sweep done: %d due, %d claimed, %d completed, %d retried, %d failed, %d deferred",
		stats.Due, stats.Claimed, stats.Completed, stats.Retried, stats.Failed, stats.Deferred)
	return stats, nil
}

func (s *RestartScheduler) dispatch(ctx context.Context, job model.ResumableJob) string {
	payload := job.Payload()
	target := monitor.Target{
		OwnerID: job.OwnerID,
		Repo:    model.Repo{ID: payload.RepositoryID, OwnerID: job.OwnerID, User: payload.Owner, Name: payload.Name},
	}
	resume := payload.Cursor

	s.Logger.Info(ctx, "Resuming job %s: %s/%s from %s", job.ID, target.Repo.FullName(), job.EntityKind, resume)
	result, err := s.runner.Run(ctx, target, job.EntityKind, &resume)

	// bookkeeping must land even if the sweep is being shut down
	bctx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, indexer.ErrAlreadyRunning):
		s.release(bctx, job)
		s.Logger.Info(bctx, "Job %s deferred, %s/%s is already being indexed", job.ID, target.Repo.FullName(), job.EntityKind)
		return "deferred"
	case err != nil && ctx.Err() != nil:
		s.release(bctx, job)
		s.Logger.Info(bctx, "Job %s interrupted by shutdown, handed back to the next sweep", job.ID)
		return "deferred"
	case err != nil:
		return s.fail(bctx, job, err)
	case result.RateLimited:
		return s.fail(bctx, job, fmt.Errorf("rate limited again, reset at %s", result.ResetAt.Format(time.RFC3339)))
	}

	done, err := s.jobs.Complete(bctx, job.ID, s.now().UTC())
	if err != nil {
		s.Logger.Error(bctx, "Failed to complete job %s: %v", job.ID, err)
		return "error"
	}
	if !done {
		s.Logger.Info(bctx, "Job %s left scheduled while running, not completing it", job.ID)
		return "cancelled"
	}
	return "completed"
}

func (s *RestartScheduler) release(ctx context.Context, job model.ResumableJob) {
	if err := s.jobs.Release(ctx, job.ID); err != nil {
		s.Logger.Error(ctx, "Failed to release job %s: %v", job.ID, err)
	}
}

func (s *RestartScheduler) fail(ctx context.Context, job model.ResumableJob, cause error) string {
	updated, err := s.jobs.RecordFailure(ctx, job.ID, cause, s.now().UTC())
	if err != nil {
		if errors.Is(err, model.ErrJobTerminal) {
			s.Logger.Info(ctx, "Job %s finished elsewhere before its failure was recorded: %v", job.ID, cause)
			return "cancelled"
		}
		s.Logger.Error(ctx, "Failed to record failure of job %s: %v", job.ID, err)
		return "error"
	}

	if updated.Status != model.JobFailed {
		s.Logger.Warn(ctx, "Job %s attempt %d/%d failed, will retry: %v", job.ID, updated.RetryCount, updated.MaxRetries, cause)
		return "retried"
	}

	s.Logger.Error(ctx, "Job %s for repository %d/%s failed permanently after %d attempts: %v",
		job.ID, job.RepositoryID, job.EntityKind, updated.RetryCount, cause)
	event := model.JobEvent{
		JobID:        updated.ID,
		OwnerID:      updated.OwnerID,
		RepositoryID: updated.RepositoryID,
		Kind:         updated.EntityKind,
		Status:       updated.Status,
		ResetAt:      updated.ResetAt,
		RetryCount:   updated.RetryCount,
		Error:        updated.ErrorMessage,
	}
	if err := s.publisher.Publish(ctx, model.EventJobFailed, event); err != nil {
		s.Logger.Warn(ctx, "Failed to publish %s for job %s: %v", model.EventJobFailed, job.ID, err)
	}
	return "failed"
}

func parallelism(config *cfg.Config) int {
	if n := config.Indexer.Parallelism; n > 0 {
		return n
	}
	return 1
}
