// Package monitor routes every remote listing call through one place that
// notices rate-limit exhaustion, records a resumable job and tells the
// indexer to stop.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/thep200/gitpulse/cfg"
	githubapi "github.com/thep200/gitpulse/internal/github_api"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/kafka"
	"github.com/thep200/gitpulse/pkg/log"
)

// Outcome is the result of one guarded fetch: Ok, Exhausted or Failed.
type Outcome interface {
	outcome()
}

type Ok struct {
	Page *githubapi.Page
}

// Exhausted means the remote budget is spent. The run must stop at Cursor;
// a pending job resumes it after ResetAt.
type Exhausted struct {
	Cursor  model.Cursor
	ResetAt time.Time
	JobID   string
}

type Failed struct {
	Err error
}

func (Ok) outcome()        {}
func (Exhausted) outcome() {}
func (Failed) outcome()    {}

// RateState is the shared view of the remote quota per credential bucket.
type RateState interface {
	Update(bucket string, limit, remaining int, resetAt time.Time, now time.Time)
	MarkExhausted(bucket string, resetAt time.Time, now time.Time)
	Exhausted(bucket string, now time.Time) (time.Time, bool)
}

// BucketNamer is implemented by fetchers that know which credential serves a
// kind. Kinds served by the same credential share one budget.
type BucketNamer interface {
	Bucket(kind model.EntityKind) string
}

type JobRecorder interface {
	UpsertPending(ctx context.Context, ownerID string, kind model.EntityKind, payload model.TaskPayload, resetAt time.Time, maxRetries int) (*model.ResumableJob, error)
}

// Target is the repository a run works on and the account it runs for.
type Target struct {
	OwnerID string
	Repo    model.Repo
}

type Monitor struct {
	Config    *cfg.Config
	Logger    log.Logger
	fetcher   githubapi.Fetcher
	state     RateState
	jobs      JobRecorder
	publisher kafka.Publisher
	now       func() time.Time
}

func NewMonitor(config *cfg.Config, logger log.Logger, fetcher githubapi.Fetcher, state RateState, jobs JobRecorder, publisher kafka.Publisher) *Monitor {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &Monitor{
		Config:    config,
		Logger:    logger,
		fetcher:   fetcher,
		state:     state,
		jobs:      jobs,
		publisher: publisher,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Fetch requests the page at cursor unless the budget is known to be spent.
func (m *Monitor) Fetch(ctx context.Context, target Target, kind model.EntityKind, cursor model.Cursor) Outcome {
	bucket := m.bucket(kind)
	now := m.now().UTC()

	if reset, ok := m.state.Exhausted(bucket, now); ok {
		m.Logger.Debug(ctx, "Budget %s spent until %s, not calling remote for %s/%s", bucket, reset.Format(time.RFC3339), target.Repo.FullName(), kind)
		return m.exhaust(ctx, target, kind, cursor, reset, "budget already spent")
	}

	page, err := m.fetcher.PaginatedFetch(ctx, kind, target.Repo, cursor)
	now = m.now().UTC()
	if err != nil {
		rl, ok := githubapi.AsRateLimit(err, now)
		if !ok {
			return Failed{Err: err}
		}
		reset := rl.ResetAt
		if !reset.After(now) {
			reset = now.Add(m.defaultWait())
		}
		m.state.MarkExhausted(bucket, reset, now)
		return m.exhaust(ctx, target, kind, cursor, reset, rl.Message)
	}

	if page.Rate.Known {
		m.state.Update(bucket, page.Rate.Limit, page.Rate.Remaining, page.Rate.ResetAt, now)
	}
	return Ok{Page: page}
}

func (m *Monitor) bucket(kind model.EntityKind) string {
	if namer, ok := m.fetcher.(BucketNamer); ok {
		if b := namer.Bucket(kind); b != "" {
			return b
		}
	}
	return string(githubapi.ScopeFor(kind))
}

func (m *Monitor) defaultWait() time.Duration {
	if d := m.Config.GithubApi.DefaultResetWait; d > 0 {
		return d
	}
	return time.Hour
}

func (m *Monitor) exhaust(ctx context.Context, target Target, kind model.EntityKind, cursor model.Cursor, reset time.Time, reason string) Outcome {
	rateLimitEvents.WithLabelValues(string(kind)).Inc()

	payload := model.TaskPayload{
		RepositoryID: target.Repo.ID,
		Owner:        target.Repo.User,
		Name:         target.Repo.Name,
		Cursor:       cursor,
	}
	job, err := m.jobs.UpsertPending(ctx, target.OwnerID, kind, payload, reset, m.Config.RateLimit.MaxRetries)
	if err != nil {
		return Failed{Err: fmt.Errorf("record resumable job for %s/%s: %w", target.Repo.FullName(), kind, err)}
	}

	m.Logger.Warn(ctx, "Rate limit hit for %s/%s at %s, resuming after %s (job %s): %s",
		target.Repo.FullName(), kind, cursor, reset.Format(time.RFC3339), job.ID, reason)

	event := model.JobEvent{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		RepositoryID: job.RepositoryID,
		Kind:         kind,
		Status:       job.Status,
		ResetAt:      job.ResetAt,
		RetryCount:   job.RetryCount,
	}
	if err := m.publisher.Publish(ctx, model.EventJobRateLimited, event); err != nil {
		m.Logger.Warn(ctx, "Failed to publish %s for job %s: %v", model.EventJobRateLimited, job.ID, err)
	}

	return Exhausted{Cursor: cursor, ResetAt: reset, JobID: job.ID}
}
