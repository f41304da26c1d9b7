package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/testutil"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
)

var clock = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	config     *cfg.Config
	database   *db.Database
	jobs       *model.JobStore
	repos      *model.RepoStore
	watermarks *model.WatermarkStore
	service    *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	config := testutil.Config(t)
	database := testutil.Database(t, config)
	logger := log.NewNopLogger()
	jobs, err := model.NewJobStore(config, logger, database)
	require.NoError(t, err)
	repos, err := model.NewRepoStore(config, logger, database)
	require.NoError(t, err)
	watermarks, err := model.NewWatermarkStore(config, logger, database)
	require.NoError(t, err)
	return &env{
		config:     config,
		database:   database,
		jobs:       jobs,
		repos:      repos,
		watermarks: watermarks,
		service:    NewService(config, logger, jobs).WithClock(func() time.Time { return clock }),
	}
}

func (e *env) job(t *testing.T, owner string, repoID int64, kind model.EntityKind, resetAt time.Time) *model.ResumableJob {
	t.Helper()
	job, err := e.jobs.UpsertPending(context.Background(), owner, kind, model.TaskPayload{
		RepositoryID: repoID, Owner: "octo", Name: "hello", Cursor: model.Cursor{Page: 2},
	}, resetAt, 3)
	require.NoError(t, err)
	return job
}

func TestOutstandingShowsTimeUntilReset(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.job(t, "owner-1", 1, model.KindCommits, clock.Add(45*time.Minute))
	e.job(t, "owner-1", 2, model.KindReleases, clock.Add(-time.Minute))
	e.job(t, "owner-2", 3, model.KindCommits, clock)

	views, err := e.service.Outstanding(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, int64(2), views[0].RepositoryID)
	assert.Equal(t, time.Duration(0), views[0].TimeUntilReset)
	assert.Equal(t, int64(1), views[1].RepositoryID)
	assert.Equal(t, 45*time.Minute, views[1].TimeUntilReset)
	assert.Equal(t, "octo/hello", views[1].Repository)
	assert.Equal(t, "pending restart", views[1].StatusLabel())
	assert.Equal(t, 2, views[1].Cursor.Page)
}

func TestCancelPendingJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job := e.job(t, "owner-1", 1, model.KindCommits, clock)

	v, err := e.service.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, v.Status)

	views, err := e.service.Outstanding(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = e.service.Cancel(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrConflict))

	// a new rate-limit hit after cancellation opens a fresh job
	again := e.job(t, "owner-1", 1, model.KindCommits, clock)
	assert.NotEqual(t, job.ID, again.ID)
}

func TestCancelUnknownJob(t *testing.T) {
	e := newEnv(t)
	_, err := e.service.Cancel(context.Background(), "does-not-exist")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = e.service.Get(context.Background(), "does-not-exist")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNeedsAttentionListsFailedJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job := e.job(t, "owner-1", 1, model.KindCommits, clock)
	for i := 0; i < 3; i++ {
		_, err := e.jobs.RecordFailure(ctx, job.ID, errors.New("still limited"), clock)
		require.NoError(t, err)
	}

	views, err := e.service.NeedsAttention(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.JobFailed, views[0].Status)
	assert.Equal(t, "still limited", views[0].ErrorMessage)
	assert.Equal(t, "failed, needs attention", views[0].StatusLabel())

	_, err = e.service.Cancel(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestDeleteRepositoryRemovesWatermarksAndJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.repos.Save(ctx, &model.Repo{ID: 1, OwnerID: "owner-1", User: "octo", Name: "hello", IsIndexed: true}))
	require.NoError(t, e.repos.Save(ctx, &model.Repo{ID: 2, OwnerID: "owner-1", User: "octo", Name: "other", IsIndexed: true}))
	_, err := e.watermarks.Claim(ctx, 1, model.KindCommits, "run", time.Minute, clock)
	require.NoError(t, err)
	_, err = e.watermarks.Claim(ctx, 1, model.KindReleases, "run", time.Minute, clock)
	require.NoError(t, err)
	_, err = e.watermarks.Claim(ctx, 2, model.KindCommits, "run", time.Minute, clock)
	require.NoError(t, err)
	e.job(t, "owner-1", 1, model.KindCommits, clock)
	kept := e.job(t, "owner-1", 2, model.KindCommits, clock)

	cleanup := NewCleanup(log.NewNopLogger(), e.database, e.repos, e.watermarks, e.jobs)
	stats, err := cleanup.DeleteRepository(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Watermarks)
	assert.EqualValues(t, 1, stats.Jobs)

	_, err = e.repos.Get(ctx, 1)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	rows, err := e.watermarks.ListByRepository(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = e.watermarks.ListByRepository(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	_, err = e.jobs.Get(ctx, kept.ID)
	assert.NoError(t, err)

	_, err = cleanup.DeleteRepository(ctx, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResetIndexingCancelsJobsAndRewinds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.repos.Save(ctx, &model.Repo{ID: 1, OwnerID: "owner-1", User: "octo", Name: "hello", IsIndexed: true}))
	_, err := e.watermarks.Claim(ctx, 1, model.KindCommits, "run", time.Minute, clock)
	require.NoError(t, err)
	_, err = e.watermarks.Advance(ctx, 1, model.KindCommits, "run", model.Cursor{Since: clock, Page: 7}, 5, time.Minute, clock)
	require.NoError(t, err)
	commits := e.job(t, "owner-1", 1, model.KindCommits, clock.Add(time.Hour))
	releases := e.job(t, "owner-1", 1, model.KindReleases, clock.Add(time.Hour))

	cleanup := NewCleanup(log.NewNopLogger(), e.database, e.repos, e.watermarks, e.jobs).
		WithClock(func() time.Time { return clock })

	// the run still holds its lease
	_, err = cleanup.ResetIndexing(ctx, 1, []model.EntityKind{model.KindCommits}, true)
	assert.ErrorIs(t, err, ErrRunning)
	got, err := e.jobs.Get(ctx, commits.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)

	require.NoError(t, e.watermarks.Release(ctx, 1, model.KindCommits, "run", model.WatermarkFailed, errors.New("boom"), clock))
	stats, err := cleanup.ResetIndexing(ctx, 1, []model.EntityKind{model.KindCommits}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Watermarks)
	assert.EqualValues(t, 1, stats.CancelledJobs)

	w, err := e.watermarks.Get(ctx, 1, model.KindCommits)
	require.NoError(t, err)
	assert.Equal(t, model.WatermarkIdle, w.Status)
	assert.Empty(t, w.LastError)
	assert.Equal(t, model.StartCursor(), w.Cursor())

	got, err = e.jobs.Get(ctx, commits.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
	got, err = e.jobs.Get(ctx, releases.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)

	_, err = cleanup.ResetIndexing(ctx, 9, nil, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealthReport(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	// repo 1 is stuck, repos 2 and 3 failed, repo 4 is fine
	_, err := e.watermarks.Claim(ctx, 1, model.KindCommits, "run", time.Minute, clock.Add(-time.Hour))
	require.NoError(t, err)
	for _, repo := range []int64{2, 3, 4} {
		_, err := e.watermarks.Claim(ctx, repo, model.KindCommits, "run", time.Minute, clock)
		require.NoError(t, err)
	}
	require.NoError(t, e.watermarks.Release(ctx, 2, model.KindCommits, "run", model.WatermarkFailed, errors.New("API rate limit exceeded"), clock))
	require.NoError(t, e.watermarks.Release(ctx, 3, model.KindCommits, "run", model.WatermarkFailed, errors.New("dial tcp: connection refused"), clock))
	require.NoError(t, e.watermarks.Release(ctx, 4, model.KindCommits, "run", model.WatermarkIdle, nil, clock))

	job := e.job(t, "owner-1", 2, model.KindCommits, clock)
	for i := 0; i < 3; i++ {
		_, err := e.jobs.RecordFailure(ctx, job.ID, assert.AnError, clock)
		require.NoError(t, err)
	}

	report, err := NewHealthReporter(log.NewNopLogger(), e.watermarks, e.jobs).
		WithClock(func() time.Time { return clock }).
		Report(ctx)
	require.NoError(t, err)

	assert.Equal(t, clock, report.GeneratedAt)
	assert.EqualValues(t, 2, report.Watermarks[model.WatermarkFailed])
	assert.EqualValues(t, 1, report.Watermarks[model.WatermarkRunning])
	assert.EqualValues(t, 1, report.Jobs[model.JobFailed])
	assert.Equal(t, map[string]int64{"rate_limit": 1, "network": 1}, report.Failures)
	require.Len(t, report.Stuck, 1)
	assert.Equal(t, int64(1), report.Stuck[0].RepositoryID)

	var types []string
	for _, a := range report.Alerts {
		types = append(types, a.Type)
	}
	assert.ElementsMatch(t, []string{"high_error_rate", "stuck_indexing", "jobs_need_attention"}, types)
}

func TestFailureCause(t *testing.T) {
	cases := map[string]string{
		"API rate limit exceeded for user":                       "rate_limit",
		"GET /repos/a/b: Not Found: github authentication ...":   "not_found",
		"401: Bad credentials: github authentication failure":    "unauthorized",
		"403: Resource not accessible: permission denied":        "forbidden",
		"context deadline exceeded (Client.Timeout exceeded)":    "network",
		"code_scanning: no credential grants the required scope": "no_credential",
		"unexpected end of JSON input":                           "other",
	}
	for msg, want := range cases {
		assert.Equal(t, want, FailureCause(msg), msg)
	}
}
