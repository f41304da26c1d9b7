package score

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/internal/testutil"
	"github.com/thep200/gitpulse/pkg/log"
)

var clock = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	calc      *Calculator
	entities  *model.EntityStore
	snapshots *model.SnapshotStore
	repos     *model.RepoStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	config := testutil.Config(t)
	database := testutil.Database(t, config)
	logger := log.NewNopLogger()
	entities, err := model.NewEntityStore(config, logger, database)
	require.NoError(t, err)
	snapshots, err := model.NewSnapshotStore(config, logger, database)
	require.NoError(t, err)
	repos, err := model.NewRepoStore(config, logger, database)
	require.NoError(t, err)

	tick := clock
	calc := NewCalculator(config, logger, entities, snapshots).WithClock(func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	})
	return &env{calc: calc, entities: entities, snapshots: snapshots, repos: repos}
}

func (e *env) open(t *testing.T, repoID int64, severity model.Severity, n int, offset int) {
	t.Helper()
	rows := make([]model.VulnerabilityRecord, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, model.VulnerabilityRecord{
			RepositoryID:    repoID,
			FindingID:       string(severity) + "-" + string(rune('a'+offset+i)),
			Severity:        severity,
			Status:          model.VulnerabilityOpen,
			RemoteUpdatedAt: clock,
		})
	}
	require.NoError(t, e.entities.UpsertVulnerabilities(context.Background(), rows))
}

func kloc(v float64) *float64 { return &v }

func TestScoreBounds(t *testing.T) {
	assert.Equal(t, 100.0, Score(0))
	for _, surface := range []float64{0.001, 0.29, 1, 10, 1e6, math.Inf(1)} {
		s := Score(surface)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 100.0)
	}
	assert.Greater(t, Score(0.1), Score(0.2))
}

func TestComputeScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.open(t, 1, model.SeverityCritical, 1, 0)
	e.open(t, 1, model.SeverityHigh, 2, 0)
	e.open(t, 1, model.SeverityLow, 5, 0)

	snap, err := e.calc.Compute(ctx, 1, kloc(10))
	require.NoError(t, err)
	assert.InDelta(t, 0.29, snap.Surface, 1e-9)
	assert.Equal(t, 86.5, snap.Score)
	assert.Equal(t, 13.5, snap.Exposure)
	assert.Equal(t, 0.0, snap.DeltaFromPrevious)
	assert.Equal(t, map[model.Severity]int{
		model.SeverityCritical: 1,
		model.SeverityHigh:     2,
		model.SeverityMedium:   0,
		model.SeverityLow:      5,
	}, snap.Counts())
}

func TestComputeZeroOpenIsPerfect(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.entities.UpsertVulnerabilities(ctx, []model.VulnerabilityRecord{{
		RepositoryID: 1, FindingID: "1", Severity: model.SeverityCritical, Status: model.VulnerabilityResolved, RemoteUpdatedAt: clock,
	}}))

	snap, err := e.calc.Compute(ctx, 1, kloc(0))
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Score)
	assert.Equal(t, 0.0, snap.Exposure)
}

func TestComputeWithoutSizeWritesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.open(t, 1, model.SeverityHigh, 1, 0)

	for _, size := range []*float64{nil, kloc(-1)} {
		snap, err := e.calc.Compute(ctx, 1, size)
		assert.Nil(t, snap)
		assert.True(t, errors.Is(err, ErrSizeUnavailable))
	}
	_, err := e.snapshots.Latest(ctx, 1)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestComputeTinySizeUsesEpsilon(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.open(t, 1, model.SeverityLow, 1, 0)

	snap, err := e.calc.Compute(ctx, 1, kloc(0))
	require.NoError(t, err)
	assert.InDelta(t, 0.1/Epsilon, snap.Surface, 1e-6)
	assert.Equal(t, 0.0, snap.Score)
}

func TestComputeIsDeterministicAndTracksDelta(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.open(t, 1, model.SeverityCritical, 1, 0)

	first, err := e.calc.Compute(ctx, 1, kloc(10))
	require.NoError(t, err)
	second, err := e.calc.Compute(ctx, 1, kloc(10))
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, 0.0, second.DeltaFromPrevious)

	e.open(t, 1, model.SeverityCritical, 2, 1)
	third, err := e.calc.Compute(ctx, 1, kloc(10))
	require.NoError(t, err)
	assert.Less(t, third.Score, second.Score)
	assert.InDelta(t, third.Score-second.Score, third.DeltaFromPrevious, 0.051)

	trend, err := e.calc.Trend(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, trend, 2)
	assert.Equal(t, third.ID, trend[0].ID)
	assert.Equal(t, second.ID, trend[1].ID)
}

type fakeLanguages struct {
	langs map[string]int
	err   error
	calls int
}

func (f *fakeLanguages) Languages(ctx context.Context, owner, name string) (map[string]int, error) {
	f.calls++
	return f.langs, f.err
}

func TestSizeProviderPrefersStoredSize(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.repos.Save(ctx, &model.Repo{ID: 1, OwnerID: "o", User: "octo", Name: "a", IsIndexed: true, SizeKLOC: kloc(12)}))
	langs := &fakeLanguages{langs: map[string]int{"Go": 400000}}

	size, err := NewSizeProvider(log.NewNopLogger(), e.repos, langs).SizeKLOC(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, size)
	assert.Equal(t, 12.0, *size)
	assert.Equal(t, 0, langs.calls)
}

func TestSizeProviderEstimatesFromLanguages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.repos.Save(ctx, &model.Repo{ID: 1, OwnerID: "o", User: "octo", Name: "a", IsIndexed: true}))
	sizes := NewSizeProvider(log.NewNopLogger(), e.repos, &fakeLanguages{langs: map[string]int{"Go": 300000, "Shell": 100000}})

	size, err := sizes.SizeKLOC(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, size)
	assert.Equal(t, 10.0, *size)

	repo, err := e.repos.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, repo.SizeKLOC)
	assert.Equal(t, 10.0, *repo.SizeKLOC)
}

func TestSizeProviderUnknownWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.repos.Save(ctx, &model.Repo{ID: 1, OwnerID: "o", User: "octo", Name: "a", IsIndexed: true}))
	sizes := NewSizeProvider(log.NewNopLogger(), e.repos, &fakeLanguages{err: errors.New("404")})

	size, err := sizes.SizeKLOC(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, size)

	_, err = e.calc.ComputeFor(ctx, sizes, 1)
	assert.True(t, errors.Is(err, ErrSizeUnavailable))
}

func TestIndexEventHandler(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.repos.Save(ctx, &model.Repo{ID: 1, OwnerID: "o", User: "octo", Name: "a", IsIndexed: true, SizeKLOC: kloc(10)}))
	e.open(t, 1, model.SeverityHigh, 1, 0)
	handle := e.calc.IndexEventHandler(NewSizeProvider(log.NewNopLogger(), e.repos, nil))

	raw, err := json.Marshal(model.IndexEvent{RepositoryID: 1, Kind: model.KindVulnerabilities, CaughtUp: true})
	require.NoError(t, err)
	require.NoError(t, handle(ctx, raw))

	snap, err := e.snapshots.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Score(0.07), snap.Score)

	// unknown repositories and other kinds are ignored
	raw, _ = json.Marshal(model.IndexEvent{RepositoryID: 99, Kind: model.KindVulnerabilities})
	assert.NoError(t, handle(ctx, raw))
	raw, _ = json.Marshal(model.IndexEvent{RepositoryID: 1, Kind: model.KindCommits})
	assert.NoError(t, handle(ctx, raw))
	assert.Error(t, handle(ctx, []byte("{")))
}
