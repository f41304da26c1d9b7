package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thep200/gitpulse/internal/jobs"
	"github.com/thep200/gitpulse/internal/limiter"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/testutil"
	"github.com/thep200/gitpulse/pkg/log"
)

var clock = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	srv        *httptest.Server
	jobs       *model.JobStore
	repos      *model.RepoStore
	watermarks *model.WatermarkStore
	snapshots  *model.SnapshotStore
	rates      *limiter.RateState
	checks     int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	config := testutil.Config(t)
	database := testutil.Database(t, config)
	logger := log.NewNopLogger()

	jobStore, err := model.NewJobStore(config, logger, database)
	require.NoError(t, err)
	repos, err := model.NewRepoStore(config, logger, database)
	require.NoError(t, err)
	watermarks, err := model.NewWatermarkStore(config, logger, database)
	require.NoError(t, err)
	snapshots, err := model.NewSnapshotStore(config, logger, database)
	require.NoError(t, err)

	e := &env{jobs: jobStore, repos: repos, watermarks: watermarks, snapshots: snapshots, rates: limiter.NewRateState()}
	e.rates.Update("work", 5000, 4200, clock.Add(time.Hour), clock)
	h := NewHandler(logger, config, Deps{
		Jobs:       jobs.NewService(config, logger, jobStore).WithClock(func() time.Time { return clock }),
		Repos:      repos,
		Watermarks: watermarks,
		Cleanup:    jobs.NewCleanup(logger, database, repos, watermarks, jobStore).WithClock(func() time.Time { return clock }),
		Scores:     snapshots,
		Health:     jobs.NewHealthReporter(logger, watermarks, jobStore).WithClock(func() time.Time { return clock }),
		Rates:      e.rates,
		CheckRates: func(ctx context.Context) (map[string]limiter.Budget, error) {
			e.checks++
			e.rates.Update("work", 5000, 3900, clock.Add(time.Hour), clock.Add(time.Minute))
			return e.rates.Snapshot(), nil
		},
		Ping: database.Ping,
	})
	e.srv = httptest.NewServer(h.Routes())
	t.Cleanup(e.srv.Close)

	ctx := context.Background()
	require.NoError(t, repos.Save(ctx, &model.Repo{ID: 1, OwnerID: "owner-1", User: "octo", Name: "hello", IsIndexed: true}))
	require.NoError(t, repos.Save(ctx, &model.Repo{ID: 2, OwnerID: "owner-2", User: "other", Name: "repo", IsIndexed: true}))
	return e
}

func (e *env) do(t *testing.T, method, path, owner string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (e *env) job(t *testing.T, owner string, repoID int64) *model.ResumableJob {
	t.Helper()
	job, err := e.jobs.UpsertPending(context.Background(), owner, model.KindCommits,
		model.TaskPayload{RepositoryID: repoID, Owner: "octo", Name: "hello"}, clock.Add(30*time.Minute), 3)
	require.NoError(t, err)
	return job
}

func TestOwnerHeaderRequired(t *testing.T) {
	e := newEnv(t)
	status, body := e.do(t, http.MethodGet, "/api/jobs", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body["error"], OwnerHeader)
}

func TestListJobs(t *testing.T) {
	e := newEnv(t)
	job := e.job(t, "owner-1", 1)
	e.job(t, "owner-2", 2)

	status, body := e.do(t, http.MethodGet, "/api/jobs", "owner-1")
	require.Equal(t, http.StatusOK, status)
	list := body["jobs"].([]interface{})
	require.Len(t, list, 1)
	first := list[0].(map[string]interface{})
	assert.Equal(t, job.ID, first["id"])
	assert.Equal(t, "pending restart", first["state"])
	assert.Equal(t, 1800.0, first["seconds_until_reset"])
}

func TestCancelJob(t *testing.T) {
	e := newEnv(t)
	job := e.job(t, "owner-1", 1)

	status, _ := e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "owner-2")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "owner-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(model.JobCancelled), body["status"])

	status, _ = e.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "owner-1")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = e.do(t, http.MethodPost, "/api/jobs/nope/cancel", "owner-1")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFailedJobs(t *testing.T) {
	e := newEnv(t)
	job := e.job(t, "owner-1", 1)
	for i := 0; i < 3; i++ {
		_, err := e.jobs.RecordFailure(context.Background(), job.ID, assert.AnError, clock)
		require.NoError(t, err)
	}

	status, body := e.do(t, http.MethodGet, "/api/jobs/failed", "owner-1")
	require.Equal(t, http.StatusOK, status)
	list := body["jobs"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "failed, needs attention", list[0].(map[string]interface{})["state"])
}

func TestWatermarks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.watermarks.Claim(ctx, 1, model.KindCommits, "run", time.Minute, clock)
	require.NoError(t, err)
	_, err = e.watermarks.Advance(ctx, 1, model.KindCommits, "run", model.Cursor{Since: clock, Page: 3}, 10, time.Minute, clock)
	require.NoError(t, err)

	status, body := e.do(t, http.MethodGet, "/api/repositories/1/watermarks", "owner-1")
	require.Equal(t, http.StatusOK, status)
	rows := body["watermarks"].([]interface{})
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "commits", row["entity_kind"])
	assert.Equal(t, 3.0, row["cursor"].(map[string]interface{})["page"])
	assert.NotContains(t, row, "lease_owner")

	status, _ = e.do(t, http.MethodGet, "/api/repositories/2/watermarks", "owner-1")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = e.do(t, http.MethodGet, "/api/repositories/abc/watermarks", "owner-1")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestScore(t *testing.T) {
	e := newEnv(t)
	status, body := e.do(t, http.MethodGet, "/api/repositories/1/score", "owner-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["available"])

	require.NoError(t, e.snapshots.AppendWithDelta(context.Background(), &model.SecurityScoreSnapshot{
		RepositoryID: 1, ComputedAt: clock, Score: 86.5, Exposure: 13.5, SizeKLOC: 10,
	}))
	status, body = e.do(t, http.MethodGet, "/api/repositories/1/score?trend=5", "owner-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["available"])
	assert.Equal(t, 86.5, body["latest"].(map[string]interface{})["score"])
	assert.Len(t, body["trend"], 1)
}

func TestDeleteRepository(t *testing.T) {
	e := newEnv(t)
	job := e.job(t, "owner-1", 1)

	status, _ := e.do(t, http.MethodDelete, "/api/repositories/2", "owner-1")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := e.do(t, http.MethodDelete, "/api/repositories/1", "owner-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["deleted"])

	_, err := e.jobs.Get(context.Background(), job.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	status, _ = e.do(t, http.MethodDelete, "/api/repositories/1", "owner-1")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	status, body := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := e.srv.Client().Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResetRepository(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.job(t, "owner-1", 1)
	_, err := e.watermarks.Claim(ctx, 1, model.KindCommits, "run", time.Hour, clock)
	require.NoError(t, err)

	// a live run holds the lease
	status, _ := e.do(t, http.MethodPost, "/api/repositories/1/reset?kind=commits", "owner-1")
	assert.Equal(t, http.StatusConflict, status)

	require.NoError(t, e.watermarks.Release(ctx, 1, model.KindCommits, "run", model.WatermarkFailed, errors.New("boom"), clock))
	status, body := e.do(t, http.MethodPost, "/api/repositories/1/reset?kind=commits&rewind=true", "owner-1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["rewind"])
	reset := body["reset"].(map[string]interface{})
	assert.Equal(t, 1.0, reset["watermarks"])
	assert.Equal(t, 1.0, reset["cancelled_jobs"])

	got, err := e.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	status, _ = e.do(t, http.MethodPost, "/api/repositories/1/reset?kind=wiki", "owner-1")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = e.do(t, http.MethodPost, "/api/repositories/2/reset", "owner-1")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRateLimits(t *testing.T) {
	e := newEnv(t)
	status, body := e.do(t, http.MethodGet, "/api/ratelimit", "owner-1")
	require.Equal(t, http.StatusOK, status)
	work := body["buckets"].(map[string]interface{})["work"].(map[string]interface{})
	assert.Equal(t, 4200.0, work["remaining"])
	assert.Equal(t, 0, e.checks)

	status, body = e.do(t, http.MethodGet, "/api/ratelimit?live=true", "owner-1")
	require.Equal(t, http.StatusOK, status)
	work = body["buckets"].(map[string]interface{})["work"].(map[string]interface{})
	assert.Equal(t, 3900.0, work["remaining"])
	assert.Equal(t, 1, e.checks)
}

func TestIndexHealth(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.watermarks.Claim(ctx, 1, model.KindCommits, "run", time.Minute, clock.Add(-time.Hour))
	require.NoError(t, err)
	_, err = e.watermarks.Claim(ctx, 1, model.KindReleases, "run", time.Minute, clock)
	require.NoError(t, err)
	require.NoError(t, e.watermarks.Release(ctx, 1, model.KindReleases, "run", model.WatermarkFailed,
		errors.New("GET /repos/octo/hello/releases: Not Found: github authentication or permission failure"), clock))

	status, body := e.do(t, http.MethodGet, "/api/health/indexing", "owner-1")
	require.Equal(t, http.StatusOK, status)
	marks := body["watermarks"].(map[string]interface{})
	assert.Equal(t, 1.0, marks["running"])
	assert.Equal(t, 1.0, marks["failed"])
	assert.Len(t, body["stuck"], 1)
	assert.Equal(t, 1.0, body["failures"].(map[string]interface{})["not_found"])
	assert.NotEmpty(t, body["alerts"])
}
