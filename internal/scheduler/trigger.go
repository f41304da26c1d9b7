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
	"github.com/thep200/gitpulse/pkg/log"
	"golang.org/x/sync/errgroup"
)

type RepositorySource interface {
	ListIndexed(ctx context.Context) ([]model.Repo, error)
}

type TriggerRuns interface {
	MarkFired(ctx context.Context, day string, mode string, firedAt time.Time) (bool, error)
	SetRepositories(ctx context.Context, day string, mode string, n int) error
}

// Dispatch is one repository's slot in a fire.
type Dispatch struct {
	Repo model.Repo
	At   time.Time
}

// FireStats counts what one fire did. Skipped is set when the day had
// already fired.
type FireStats struct {
	Day          string
	Skipped      bool
	Repositories int
	Runs         int
	RateLimited  int
	Failed       int
}

type Trigger struct {
	Config *cfg.Config
	Logger log.Logger
	repos  RepositorySource
	runs   TriggerRuns
	runner Runner
	kinds  []model.EntityKind
	loc    *time.Location
	hour   int
	minute int
	now    func() time.Time
	wait   func(ctx context.Context, until time.Time) error
}

func NewTrigger(config *cfg.Config, logger log.Logger, repos RepositorySource, runs TriggerRuns, runner Runner, kinds []model.EntityKind) (*Trigger, error) {
	hour, minute, err := cfg.ParseTimeOfDay(config.Trigger.TimeOfDay)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(config.Trigger.Timezone)
	if err != nil {
		return nil, fmt.Errorf("trigger timezone %q: %w", config.Trigger.Timezone, err)
	}
	if len(kinds) == 0 {
		kinds = model.AllKinds
	}
	return &Trigger{
		Config: config,
		Logger: logger,
		repos:  repos,
		runs:   runs,
		runner: runner,
		kinds:  kinds,
		loc:    loc,
		hour:   hour,
		minute: minute,
		now:    time.Now,
		wait:   waitUntil,
	}, nil
}

func (t *Trigger) WithClock(now func() time.Time) *Trigger {
	t.now = now
	return t
}

// WithWait replaces how spread mode waits for a dispatch slot.
func (t *Trigger) WithWait(wait func(ctx context.Context, until time.Time) error) *Trigger {
	t.wait = wait
	return t
}

func waitUntil(ctx context.Context, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NextFire is the first configured time of day strictly after now, in the
// trigger timezone.
func (t *Trigger) NextFire(now time.Time) time.Time {
	local := now.In(t.loc)
	fire := time.Date(local.Year(), local.Month(), local.Day(), t.hour, t.minute, 0, 0, t.loc)
	if !fire.After(local) {
		fire = time.Date(local.Year(), local.Month(), local.Day()+1, t.hour, t.minute, 0, 0, t.loc)
	}
	return fire
}

// TodaysFire is today's configured time of day in the trigger timezone, and
// whether it is already due at now.
func (t *Trigger) TodaysFire(now time.Time) (time.Time, bool) {
	local := now.In(t.loc)
	fire := time.Date(local.Year(), local.Month(), local.Day(), t.hour, t.minute, 0, 0, t.loc)
	return fire, !fire.After(local)
}

// Day is the calendar day of fire in the trigger timezone.
func (t *Trigger) Day(fire time.Time) string {
	return fire.In(t.loc).Format("2006-01-02")
}

// Plan assigns each repository its dispatch time. Batched mode starts all
// of them at fire; spread mode places repository i of n at fire+i*window/n.
func Plan(mode string, fire time.Time, window time.Duration, repos []model.Repo) []Dispatch {
	plan := make([]Dispatch, len(repos))
	n := len(repos)
	for i, repo := range repos {
		at := fire
		if mode == cfg.TriggerModeSpread && n > 0 {
			at = fire.Add(time.Duration(int64(window) * int64(i) / int64(n)))
		}
		plan[i] = Dispatch{Repo: repo, At: at}
	}
	return plan
}

// CatchUp fires today's trigger when its time has already passed, for a
// process started after the fire time. A day that already fired is skipped.
func (t *Trigger) CatchUp(ctx context.Context) (*FireStats, error) {
	fire, due := t.TodaysFire(t.now())
	if !due {
		return nil, nil
	}
	return t.Fire(ctx, fire)
}

// Run fires a missed trigger for today, then waits for each fire time and
// fires, until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	if stats, err := t.CatchUp(ctx); err != nil && ctx.Err() == nil {
		t.Logger.Error(ctx, "Catch-up trigger failed: %v", err)
	} else if stats != nil && !stats.Skipped {
		t.Logger.Info(ctx, "Caught up on the %s trigger for %s", t.Config.Trigger.Mode, stats.Day)
	}
	for {
		next := t.NextFire(t.now())
		t.Logger.Info(ctx, "Next %s trigger at %s", t.Config.Trigger.Mode, next.Format(time.RFC3339))
		if err := waitUntil(ctx, next); err != nil {
			return err
		}
		if _, err := t.Fire(ctx, next); err != nil && ctx.Err() == nil {
			t.Logger.Error(ctx, "Trigger at %s failed: %v", next.Format(time.RFC3339), err)
		}
	}
}

// Fire starts one pass over every eligible repository. A second fire for
// the same day and mode does nothing.
func (t *Trigger) Fire(ctx context.Context, fire time.Time) (*FireStats, error) {
	mode := t.Config.Trigger.Mode
	stats := &FireStats{Day: t.Day(fire)}

	fresh, err := t.runs.MarkFired(ctx, stats.Day, mode, t.now().UTC())
	if err != nil {
		return stats, fmt.Errorf("mark trigger %s/%s: %w", stats.Day, mode, err)
	}
	if !fresh {
		t.Logger.Info(ctx, "Trigger for %s (%s) already fired, skipping", stats.Day, mode)
		stats.Skipped = true
		return stats, nil
	}

	repos, err := t.repos.ListIndexed(ctx)
	if err != nil {
		return stats, fmt.Errorf("list repositories: %w", err)
	}
	stats.Repositories = len(repos)
	if err := t.runs.SetRepositories(ctx, stats.Day, mode, len(repos)); err != nil {
		t.Logger.Warn(ctx, "Failed to record repository count for %s: %v", stats.Day, err)
	}
	t.Logger.Info(ctx, "Trigger %s (%s): %d repositories, %d kinds each", stats.Day, mode, len(repos), len(t.kinds))

	var mu sync.Mutex
	record := func(res *indexer.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		stats.Runs++
		switch {
		case err != nil && !errors.Is(err, indexer.ErrAlreadyRunning):
			stats.Failed++
		case res != nil && res.RateLimited:
			stats.RateLimited++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism(t.Config))

	plan := Plan(mode, fire, t.Config.Trigger.SpreadWindow, repos)
	for _, d := range plan {
		target := monitor.Target{OwnerID: d.Repo.OwnerID, Repo: d.Repo}
		triggerDispatches.WithLabelValues(mode).Inc()

		if mode == cfg.TriggerModeSpread {
			if err := t.wait(gctx, d.At); err != nil {
				break
			}
			// kinds of one repository run one after another
			g.Go(func() error {
				for _, kind := range t.kinds {
					if gctx.Err() != nil {
						return nil
					}
					record(t.runOne(gctx, target, kind))
				}
				return nil
			})
			continue
		}

		for _, kind := range t.kinds {
			g.Go(func() error {
				record(t.runOne(gctx, target, kind))
				return nil
			})
		}
	}
	_ = g.Wait()

	t.Logger.Info(ctx, "Trigger %s finished: %d runs, %d rate limited, %d failed", stats.Day, stats.Runs, stats.RateLimited, stats.Failed)
	return stats, ctx.Err()
}

func (t *Trigger) runOne(ctx context.Context, target monitor.Target, kind model.EntityKind) (*indexer.Result, error) {
	res, err := t.runner.Run(ctx, target, kind, nil)
	switch {
	case errors.Is(err, indexer.ErrAlreadyRunning):
		t.Logger.Info(ctx, "Skipping %s/%s, a run is already in progress", target.Repo.FullName(), kind)
	case err != nil:
		t.Logger.Error(ctx, "Triggered run %s/%s failed: %v", target.Repo.FullName(), kind, err)
	}
	return res, err
}
