// Package indexer walks one entity kind of one repository from its stored
// watermark forward, page by page, until it catches up, hits the page
// ceiling or runs out of remote budget.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/thep200/gitpulse/cfg"
	githubapi "github.com/thep200/gitpulse/internal/github_api"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/monitor"
	"github.com/thep200/gitpulse/pkg/log"
)

// ErrAlreadyRunning is returned when another run holds the lease for the
// same repository and kind.
var ErrAlreadyRunning = errors.New("index run already in progress")

// PageFetcher is the guarded listing call, normally *monitor.Monitor.
type PageFetcher interface {
	Fetch(ctx context.Context, target monitor.Target, kind model.EntityKind, cursor model.Cursor) monitor.Outcome
}

type Watermarks interface {
	Claim(ctx context.Context, repositoryID int64, kind model.EntityKind, owner string, ttl time.Duration, now time.Time) (*model.IndexWatermark, error)
	Advance(ctx context.Context, repositoryID int64, kind model.EntityKind, owner string, cursor model.Cursor, written int, ttl time.Duration, now time.Time) (model.Cursor, error)
	Release(ctx context.Context, repositoryID int64, kind model.EntityKind, owner string, status model.WatermarkStatus, runErr error, now time.Time) error
}

// Result summarises one run.
type Result struct {
	RepositoryID int64
	Kind         model.EntityKind
	Pages        int
	ItemsWritten int
	ItemsSkipped int
	Cursor       model.Cursor
	// Exhausted is set when the run stopped because the remote had nothing
	// more to give, either caught up or out of budget.
	Exhausted   bool
	CaughtUp    bool
	RateLimited bool
	CeilingHit  bool
	ResetAt     time.Time
	JobID       string
	FinishedAt  time.Time
	Err         error
}

func (r *Result) Status() model.WatermarkStatus {
	switch {
	case r.RateLimited:
		return model.WatermarkRateLimited
	case r.Err != nil:
		return model.WatermarkFailed
	default:
		return model.WatermarkIdle
	}
}

type Indexer struct {
	Config     *cfg.Config
	Logger     log.Logger
	fetcher    PageFetcher
	watermarks Watermarks
	sink       Sink
	now        func() time.Time
}

func NewIndexer(config *cfg.Config, logger log.Logger, fetcher PageFetcher, watermarks Watermarks, sink Sink) *Indexer {
	return &Indexer{
		Config:     config,
		Logger:     logger,
		fetcher:    fetcher,
		watermarks: watermarks,
		sink:       sink,
		now:        time.Now,
	}
}

func (i *Indexer) WithClock(now func() time.Time) *Indexer {
	i.now = now
	return i
}

func (i *Indexer) Kind() model.EntityKind {
	return i.sink.Kind()
}

// Run indexes target from max(watermark, resume). The returned Result is
// always non-nil once the lease was taken, even when err is set.
func (i *Indexer) Run(ctx context.Context, target monitor.Target, resume *model.Cursor) (*Result, error) {
	kind := i.sink.Kind()
	repo := target.Repo
	ttl := i.Config.Indexer.LeaseTTL
	owner := uuid.NewString()

	w, err := i.watermarks.Claim(ctx, repo.ID, kind, owner, ttl, i.now().UTC())
	if err != nil {
		if errors.Is(err, model.ErrLeaseHeld) {
			return nil, fmt.Errorf("%s/%s: %w", repo.FullName(), kind, ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("claim %s/%s: %w", repo.FullName(), kind, err)
	}

	cursor := w.Cursor()
	if resume != nil {
		cursor = cursor.Max(*resume)
	}
	result := &Result{RepositoryID: repo.ID, Kind: kind, Cursor: cursor}
	start := i.now()
	i.Logger.Info(ctx, "Indexing %s/%s from %s", repo.FullName(), kind, cursor)

	defer func() {
		result.FinishedAt = i.now().UTC()
		// the lease is released even when the caller's context is gone
		rctx := context.WithoutCancel(ctx)
		if err := i.watermarks.Release(rctx, repo.ID, kind, owner, result.Status(), result.Err, result.FinishedAt); err != nil {
			i.Logger.Error(rctx, "Failed to release lease on %s/%s: %v", repo.FullName(), kind, err)
		}
		runDuration.WithLabelValues(string(kind), string(result.Status())).Observe(time.Since(start).Seconds())
	}()

	ceiling := i.Config.Indexer.PageCeiling
	for result.Pages < ceiling {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		outcome, err := i.fetch(ctx, target, kind, cursor)
		if err != nil {
			result.Err = err
			break
		}

		exhausted, ok := outcome.(monitor.Exhausted)
		if ok {
			result.Exhausted = true
			result.RateLimited = true
			result.ResetAt = exhausted.ResetAt
			result.JobID = exhausted.JobID
			break
		}
		page := outcome.(monitor.Ok).Page

		stats, err := i.sink.Write(ctx, repo, page.Items)
		if err != nil {
			result.Err = err
			break
		}
		result.ItemsWritten += stats.Written
		result.ItemsSkipped += stats.Skipped
		itemsIndexed.WithLabelValues(string(kind)).Add(float64(stats.Written))
		if stats.Skipped > 0 {
			itemsSkipped.WithLabelValues(string(kind)).Add(float64(stats.Skipped))
		}

		var next model.Cursor
		if page.Next != nil {
			next = *page.Next
		} else {
			for _, it := range page.Items {
				cursor = cursor.Observe(it.Timestamp())
			}
			next = cursor.CaughtUp()
		}

		stored, err := i.watermarks.Advance(ctx, repo.ID, kind, owner, next, stats.Written, ttl, i.now().UTC())
		if err != nil {
			result.Err = err
			break
		}
		cursor = stored
		result.Cursor = stored
		result.Pages++

		if page.Next == nil {
			result.Exhausted = true
			result.CaughtUp = true
			break
		}
	}
	if result.Err == nil && !result.Exhausted {
		result.CeilingHit = true
	}

	switch {
	case result.Err != nil:
		i.Logger.Error(ctx, "Index run %s/%s failed after %d pages at %s: %v", repo.FullName(), kind, result.Pages, result.Cursor, result.Err)
		return result, result.Err
	case result.RateLimited:
		i.Logger.Warn(ctx, "Index run %s/%s stopped by rate limit after %d pages (%d items), job %s", repo.FullName(), kind, result.Pages, result.ItemsWritten, result.JobID)
	case result.CaughtUp:
		i.Logger.Info(ctx, "Index run %s/%s caught up: %d pages, %d items", repo.FullName(), kind, result.Pages, result.ItemsWritten)
	default:
		i.Logger.Info(ctx, "Index run %s/%s reached the page ceiling (%d), continuing next run from %s", repo.FullName(), kind, ceiling, result.Cursor)
	}
	return result, nil
}

// fetch retries transient failures with exponential backoff. Auth and
// configuration errors are not retried.
func (i *Indexer) fetch(ctx context.Context, target monitor.Target, kind model.EntityKind, cursor model.Cursor) (monitor.Outcome, error) {
	b := backoff.NewExponentialBackOff()
	if d := i.Config.Indexer.RetryInitialInterval; d > 0 {
		b.InitialInterval = d
	}
	if d := i.Config.Indexer.RetryMaxInterval; d > 0 {
		b.MaxInterval = d
	}

	op := func() (monitor.Outcome, error) {
		outcome := i.fetcher.Fetch(ctx, target, kind, cursor)
		failed, ok := outcome.(monitor.Failed)
		if !ok {
			return outcome, nil
		}
		if isPermanent(failed.Err) {
			return nil, backoff.Permanent(failed.Err)
		}
		return nil, failed.Err
	}
	notify := func(err error, wait time.Duration) {
		i.Logger.Warn(ctx, "Fetch %s/%s at %s failed, retrying in %s: %v", target.Repo.FullName(), kind, cursor, wait, err)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(i.Config.Indexer.RetryAttempts)),
		backoff.WithNotify(notify),
	)
}

func isPermanent(err error) bool {
	return errors.Is(err, githubapi.ErrAuth) ||
		errors.Is(err, githubapi.ErrNoCredential) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
