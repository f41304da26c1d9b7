package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thep200/gitpulse/cfg"
	githubapi "github.com/thep200/gitpulse/internal/github_api"
	"github.com/thep200/gitpulse/internal/limiter"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/monitor"
	"github.com/thep200/gitpulse/internal/testutil"
	"github.com/thep200/gitpulse/pkg/log"
)

var (
	clock  = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	target = monitor.Target{OwnerID: "owner-1", Repo: model.Repo{ID: 7, User: "octo", Name: "hello"}}
)

// scripted answers PaginatedFetch calls in order; the last step repeats.
type scripted struct {
	mu      sync.Mutex
	steps   []func(cursor model.Cursor) (*githubapi.Page, error)
	cursors []model.Cursor
}

func (s *scripted) PaginatedFetch(ctx context.Context, kind model.EntityKind, repo model.Repo, cursor model.Cursor) (*githubapi.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.cursors)
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.cursors = append(s.cursors, cursor)
	return s.steps[i](cursor)
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

// commitPage returns n commits starting at offset, dated one minute apart.
func commitPage(offset, n int, more bool) func(model.Cursor) (*githubapi.Page, error) {
	return func(cursor model.Cursor) (*githubapi.Page, error) {
		page := &githubapi.Page{Kind: model.KindCommits}
		observed := cursor
		for i := offset; i < offset+n; i++ {
			at := clock.Add(-48 * time.Hour).Add(time.Duration(i) * time.Minute)
			page.Items = append(page.Items, githubapi.CommitItem{
				Sha:         fmt.Sprintf("sha-%03d", i),
				Message:     "fix: item " + fmt.Sprint(i),
				CommittedAt: at,
			})
			observed = observed.Observe(at)
		}
		if more {
			next := observed.NextPage()
			page.Next = &next
		}
		return page, nil
	}
}

func rateLimited(reset time.Time) func(model.Cursor) (*githubapi.Page, error) {
	return func(model.Cursor) (*githubapi.Page, error) {
		return nil, &githubapi.RateLimitError{ResetAt: reset, Message: "API rate limit exceeded"}
	}
}

func failing(err error) func(model.Cursor) (*githubapi.Page, error) {
	return func(model.Cursor) (*githubapi.Page, error) { return nil, err }
}

type fixture struct {
	config     *cfg.Config
	registry   *Registry
	watermarks *model.WatermarkStore
	entities   *model.EntityStore
	jobs       *model.JobStore
	publisher  *testutil.Publisher
}

func newFixture(t *testing.T, remote githubapi.Fetcher) *fixture {
	t.Helper()
	config := testutil.Config(t)
	database := testutil.Database(t, config)
	logger := log.NewNopLogger()

	watermarks, err := model.NewWatermarkStore(config, logger, database)
	require.NoError(t, err)
	entities, err := model.NewEntityStore(config, logger, database)
	require.NoError(t, err)
	jobs, err := model.NewJobStore(config, logger, database)
	require.NoError(t, err)

	publisher := &testutil.Publisher{}
	mon := monitor.NewMonitor(config, logger, remote, limiter.NewRateState(), jobs, publisher).
		WithClock(func() time.Time { return clock })
	registry := NewRegistry(config, logger, mon, watermarks, entities, HeuristicClassifier{}, publisher)
	for _, kind := range registry.Kinds() {
		ix, _ := registry.Indexer(kind)
		ix.WithClock(func() time.Time { return clock })
	}

	return &fixture{
		config:     config,
		registry:   registry,
		watermarks: watermarks,
		entities:   entities,
		jobs:       jobs,
		publisher:  publisher,
	}
}

func TestRunStopsOnRateLimitAndRecordsJob(t *testing.T) {
	ctx := context.Background()
	reset := clock.Add(40 * time.Minute)
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){
		commitPage(0, 25, true),
		commitPage(25, 25, true),
		rateLimited(reset),
	}}
	f := newFixture(t, remote)

	result, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.NoError(t, err)
	assert.True(t, result.Exhausted)
	assert.True(t, result.RateLimited)
	assert.False(t, result.CaughtUp)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 50, result.ItemsWritten)
	assert.Equal(t, reset, result.ResetAt)
	assert.Equal(t, 3, result.Cursor.Page)

	count, err := f.entities.Count(ctx, model.KindCommits, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 50, count)

	w, err := f.watermarks.Get(ctx, 7, model.KindCommits)
	require.NoError(t, err)
	assert.Equal(t, model.WatermarkRateLimited, w.Status)
	assert.Equal(t, 3, w.Cursor().Page)
	assert.EqualValues(t, 50, w.TotalIndexed)
	assert.Empty(t, w.LeaseOwner)

	job, err := f.jobs.Active(ctx, "owner-1", model.KindCommits, 7)
	require.NoError(t, err)
	assert.Equal(t, result.JobID, job.ID)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 3, job.Payload().Cursor.Page)
	assert.True(t, reset.Equal(job.ResetAt))

	assert.Equal(t, []string{model.EventJobRateLimited, model.EventIndexRunFinished}, f.publisher.Keys())
}

func TestRunResumesFromStoredCursor(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){
		commitPage(0, 25, true),
		rateLimited(clock.Add(time.Minute)),
	}}
	f := newFixture(t, remote)

	first, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.NoError(t, err)
	require.True(t, first.RateLimited)
	job, err := f.jobs.Active(ctx, "owner-1", model.KindCommits, 7)
	require.NoError(t, err)

	// budget is back: the second run finishes the window
	f2 := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){commitPage(25, 10, false)}}
	mon := monitor.NewMonitor(f.config, log.NewNopLogger(), f2, limiter.NewRateState(), f.jobs, f.publisher).
		WithClock(func() time.Time { return clock.Add(time.Hour) })
	ix := NewIndexer(f.config, log.NewNopLogger(), mon, f.watermarks, &CommitSink{Logger: log.NewNopLogger(), Store: f.entities}).
		WithClock(func() time.Time { return clock.Add(time.Hour) })

	resume := job.Payload().Cursor
	second, err := ix.Run(ctx, target, &resume)
	require.NoError(t, err)
	assert.True(t, second.CaughtUp)
	assert.Equal(t, 10, second.ItemsWritten)
	require.Len(t, f2.cursors, 1)
	assert.Equal(t, 2, f2.cursors[0].Page)

	newest := clock.Add(-48 * time.Hour).Add(34 * time.Minute)
	assert.True(t, newest.Equal(second.Cursor.Since))
	assert.Equal(t, 1, second.Cursor.Page)

	w, err := f.watermarks.Get(ctx, 7, model.KindCommits)
	require.NoError(t, err)
	assert.Equal(t, model.WatermarkIdle, w.Status)
	assert.NotNil(t, w.LastSuccessAt)
	assert.EqualValues(t, 35, w.TotalIndexed)
}

func TestRunNeverMovesCursorBackward(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){
		commitPage(0, 5, true),
		commitPage(5, 5, true),
		rateLimited(clock.Add(time.Minute)),
	}}
	f := newFixture(t, remote)

	_, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.NoError(t, err)

	// a stale resume cursor behind the watermark is ignored
	stale := model.StartCursor()
	result, err := f.registry.Run(ctx, target, model.KindCommits, &stale)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Cursor.Page)

	job, err := f.jobs.Active(ctx, "owner-1", model.KindCommits, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Payload().Cursor.Page)
}

func TestRunCaughtUpPublishesVulnerabilitiesIndexed(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){
		func(model.Cursor) (*githubapi.Page, error) {
			return &githubapi.Page{Kind: model.KindVulnerabilities, Items: []githubapi.Item{
				githubapi.AlertItem{Number: 1, RuleID: "go/sql-injection", Severity: "critical", State: "open", UpdatedAt: clock},
				githubapi.AlertItem{Number: 2, RuleID: "go/xss", Severity: "warning", State: "fixed", UpdatedAt: clock},
				githubapi.AlertItem{Number: 3, RuleID: "go/unknown", Severity: "bogus", State: "open", UpdatedAt: clock},
			}}, nil
		},
	}}
	f := newFixture(t, remote)

	var hooked []model.EntityKind
	f.registry.OnFinished(func(ctx context.Context, target monitor.Target, result *Result) {
		hooked = append(hooked, result.Kind)
	})

	result, err := f.registry.Run(ctx, target, model.KindVulnerabilities, nil)
	require.NoError(t, err)
	assert.True(t, result.CaughtUp)
	assert.Equal(t, 2, result.ItemsWritten)
	assert.Equal(t, 1, result.ItemsSkipped)
	assert.Equal(t, []model.EntityKind{model.KindVulnerabilities}, hooked)
	assert.Equal(t, []string{model.EventIndexRunFinished, model.EventVulnerabilitiesIndexed}, f.publisher.Keys())

	counts, err := f.entities.OpenCountsBySeverity(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.SeverityCritical])
	assert.Equal(t, 0, counts[model.SeverityMedium])
}

func TestRunAuthErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){
		failing(fmt.Errorf("list commits: %w", githubapi.ErrAuth)),
	}}
	f := newFixture(t, remote)

	result, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, githubapi.ErrAuth))
	assert.Equal(t, 1, remote.calls())
	require.NotNil(t, result)
	assert.False(t, result.Exhausted)

	w, err := f.watermarks.Get(ctx, 7, model.KindCommits)
	require.NoError(t, err)
	assert.Equal(t, model.WatermarkFailed, w.Status)
	assert.Contains(t, w.LastError, "auth")
}

func TestRunRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){
		failing(errors.New("connection reset")),
		failing(errors.New("connection reset")),
		commitPage(0, 3, false),
	}}
	f := newFixture(t, remote)

	result, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.NoError(t, err)
	assert.True(t, result.CaughtUp)
	assert.Equal(t, 3, result.ItemsWritten)
	assert.Equal(t, 3, remote.calls())
}

func TestRunKeepsPartialProgressWhenRetriesRunOut(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){
		commitPage(0, 4, true),
		failing(errors.New("bad gateway")),
	}}
	f := newFixture(t, remote)

	result, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.Error(t, err)
	assert.Equal(t, 1+f.config.Indexer.RetryAttempts, remote.calls())
	assert.Equal(t, 4, result.ItemsWritten)

	w, err := f.watermarks.Get(ctx, 7, model.KindCommits)
	require.NoError(t, err)
	assert.Equal(t, model.WatermarkFailed, w.Status)
	assert.Equal(t, 2, w.Cursor().Page)
	assert.Contains(t, w.LastError, "bad gateway")
}

func TestRunStopsAtPageCeiling(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){commitPage(0, 2, true)}}
	f := newFixture(t, remote)
	f.config.Indexer.PageCeiling = 3

	result, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.NoError(t, err)
	assert.True(t, result.CeilingHit)
	assert.False(t, result.Exhausted)
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 4, result.Cursor.Page)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){commitPage(0, 1, false)}}
	f := newFixture(t, remote)

	_, err := f.watermarks.Claim(ctx, 7, model.KindCommits, "someone-else", time.Hour, clock)
	require.NoError(t, err)

	result, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.Equal(t, 0, remote.calls())
	assert.Empty(t, f.publisher.Keys())
}

func TestRunStealsExpiredLease(t *testing.T) {
	ctx := context.Background()
	remote := &scripted{steps: []func(model.Cursor) (*githubapi.Page, error){commitPage(0, 1, false)}}
	f := newFixture(t, remote)

	_, err := f.watermarks.Claim(ctx, 7, model.KindCommits, "crashed-run", time.Minute, clock.Add(-time.Hour))
	require.NoError(t, err)

	result, err := f.registry.Run(ctx, target, model.KindCommits, nil)
	require.NoError(t, err)
	assert.True(t, result.CaughtUp)
}

type failingClassifier struct{}

func (failingClassifier) Classify(ctx context.Context, message string) (Classification, error) {
	return Classification{}, errors.New("model offline")
}

func TestCommitSinkFallsBackWhenClassifierFails(t *testing.T) {
	ctx := context.Background()
	config := testutil.Config(t)
	database := testutil.Database(t, config)
	entities, err := model.NewEntityStore(config, log.NewNopLogger(), database)
	require.NoError(t, err)

	sink := &CommitSink{Logger: log.NewNopLogger(), Store: entities, Classifier: failingClassifier{}}
	stats, err := sink.Write(ctx, target.Repo, []githubapi.Item{
		githubapi.CommitItem{Sha: "abc", Message: "feat: thing", CommittedAt: clock},
		githubapi.CommitItem{Message: "no sha", CommittedAt: clock},
		githubapi.ReleaseItem{ID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, WriteStats{Written: 1, Skipped: 2}, stats)

	var row model.Commit
	gdb, err := database.Db()
	require.NoError(t, err)
	require.NoError(t, gdb.First(&row, "sha = ?", "abc").Error)
	assert.Equal(t, CommitTypeOther, row.CommitType)
}

func TestSinksUpsertOnKey(t *testing.T) {
	ctx := context.Background()
	config := testutil.Config(t)
	database := testutil.Database(t, config)
	entities, err := model.NewEntityStore(config, log.NewNopLogger(), database)
	require.NoError(t, err)
	sink := &ReleaseSink{Logger: log.NewNopLogger(), Store: entities}

	_, err = sink.Write(ctx, target.Repo, []githubapi.Item{githubapi.ReleaseItem{ID: 9, TagName: "v1.0.0", CreatedAt: clock}})
	require.NoError(t, err)
	_, err = sink.Write(ctx, target.Repo, []githubapi.Item{githubapi.ReleaseItem{ID: 9, TagName: "v1.0.1", CreatedAt: clock}})
	require.NoError(t, err)

	count, err := entities.Count(ctx, model.KindReleases, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
