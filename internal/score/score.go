// Package score turns a repository's open vulnerabilities into a bounded
// security health score and keeps its history.
package score

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/log"
)

// ErrSizeUnavailable means the repository size is unknown, so no score is
// produced for it.
var ErrSizeUnavailable = errors.New("repository size unavailable")

const (
	Alpha   = 0.5
	Epsilon = 0.001
)

var Weights = map[model.Severity]float64{
	model.SeverityCritical: 1.0,
	model.SeverityHigh:     0.7,
	model.SeverityMedium:   0.4,
	model.SeverityLow:      0.1,
}

type VulnerabilityCounter interface {
	OpenCountsBySeverity(ctx context.Context, repositoryID int64) (map[model.Severity]int, error)
}

type Snapshots interface {
	AppendWithDelta(ctx context.Context, snap *model.SecurityScoreSnapshot) error
	Latest(ctx context.Context, repositoryID int64) (*model.SecurityScoreSnapshot, error)
	Trend(ctx context.Context, repositoryID int64, n int) ([]model.SecurityScoreSnapshot, error)
}

// Surface is the weighted open vulnerability count per thousand lines.
func Surface(counts map[model.Severity]int, sizeKLOC float64) float64 {
	var weighted float64
	for sev, n := range counts {
		weighted += float64(n) * Weights[sev]
	}
	return weighted / math.Max(sizeKLOC, Epsilon)
}

// Score maps a surface onto [0,100], 100 meaning nothing open. The
// complement 100-Score is stored as exposure.
func Score(surface float64) float64 {
	if surface <= 0 {
		return 100
	}
	s := 100 * math.Exp(-Alpha*surface)
	return math.Round(math.Min(100, math.Max(0, s))*10) / 10
}

type Calculator struct {
	Config    *cfg.Config
	Logger    log.Logger
	counts    VulnerabilityCounter
	snapshots Snapshots
	now       func() time.Time
}

func NewCalculator(config *cfg.Config, logger log.Logger, counts VulnerabilityCounter, snapshots Snapshots) *Calculator {
	return &Calculator{
		Config:    config,
		Logger:    logger,
		counts:    counts,
		snapshots: snapshots,
		now:       time.Now,
	}
}

func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Compute appends one snapshot for the repository's current open
// vulnerabilities. A nil or negative size yields ErrSizeUnavailable and
// writes nothing.
func (c *Calculator) Compute(ctx context.Context, repositoryID int64, sizeKLOC *float64) (*model.SecurityScoreSnapshot, error) {
	if sizeKLOC == nil || *sizeKLOC < 0 || math.IsNaN(*sizeKLOC) {
		c.Logger.Info(ctx, "Skipping score for repository %d: size not available", repositoryID)
		scoresComputed.WithLabelValues("size_unavailable").Inc()
		return nil, fmt.Errorf("repository %d: %w", repositoryID, ErrSizeUnavailable)
	}

	counts, err := c.counts.OpenCountsBySeverity(ctx, repositoryID)
	if err != nil {
		scoresComputed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("count open vulnerabilities of %d: %w", repositoryID, err)
	}

	surface := Surface(counts, *sizeKLOC)
	score := Score(surface)
	snap := &model.SecurityScoreSnapshot{
		RepositoryID:  repositoryID,
		ComputedAt:    c.now().UTC(),
		Score:         score,
		Exposure:      math.Round((100-score)*10) / 10,
		Surface:       surface,
		CriticalCount: counts[model.SeverityCritical],
		HighCount:     counts[model.SeverityHigh],
		MediumCount:   counts[model.SeverityMedium],
		LowCount:      counts[model.SeverityLow],
		SizeKLOC:      *sizeKLOC,
	}
	if err := c.snapshots.AppendWithDelta(ctx, snap); err != nil {
		scoresComputed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("append snapshot for %d: %w", repositoryID, err)
	}

	scoresComputed.WithLabelValues("ok").Inc()
	c.Logger.Info(ctx, "Repository %d scored %.1f (surface %.3f, delta %+.1f)", repositoryID, snap.Score, surface, snap.DeltaFromPrevious)
	return snap, nil
}

// Trend returns up to n snapshots, newest first.
func (c *Calculator) Trend(ctx context.Context, repositoryID int64, n int) ([]model.SecurityScoreSnapshot, error) {
	if n <= 0 {
		n = 30
	}
	return c.snapshots.Trend(ctx, repositoryID, n)
}

func (c *Calculator) Latest(ctx context.Context, repositoryID int64) (*model.SecurityScoreSnapshot, error) {
	return c.snapshots.Latest(ctx, repositoryID)
}
