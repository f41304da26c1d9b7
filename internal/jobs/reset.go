package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thep200/gitpulse/internal/model"
	"gorm.io/gorm"
)

type ResetStats struct {
	Watermarks    int64 `json:"watermarks"`
	CancelledJobs int64 `json:"cancelled_jobs"`
}

// ResetIndexing puts the repository's watermarks for kinds back to idle and
// cancels their outstanding jobs, so the next run starts clean. With rewind
// the cursors return to the start and the next run walks the full history.
// Nothing changes if any of the watermarks is held by a live run.
func (c *Cleanup) ResetIndexing(ctx context.Context, repositoryID int64, kinds []model.EntityKind, rewind bool) (*ResetStats, error) {
	if len(kinds) == 0 {
		kinds = model.AllKinds
	}
	if _, err := c.repos.Get(ctx, repositoryID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("repository %d: %w", repositoryID, ErrNotFound)
		}
		return nil, err
	}
	gdb, err := c.database.Db()
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	stats := &ResetStats{}
	err = gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, kind := range kinds {
			reset, err := c.watermarks.ResetTx(tx, repositoryID, kind, rewind, now)
			if errors.Is(err, model.ErrLeaseHeld) {
				return fmt.Errorf("%d/%s: %w", repositoryID, kind, ErrRunning)
			}
			if err != nil {
				return err
			}
			if reset {
				stats.Watermarks++
			}
			n, err := c.jobs.CancelByRepositoryTx(tx, repositoryID, kind, now)
			if err != nil {
				return err
			}
			stats.CancelledJobs += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Logger.Info(ctx, "Reset indexing of repository %d (rewind=%t): %d watermarks, %d jobs cancelled",
		repositoryID, rewind, stats.Watermarks, stats.CancelledJobs)
	return stats, nil
}

// WithClock replaces the time source.
func (c *Cleanup) WithClock(now func() time.Time) *Cleanup {
	c.now = now
	return c
}
