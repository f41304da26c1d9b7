package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
	"gorm.io/gorm"
)

type DeleteStats struct {
	Watermarks int64 `json:"watermarks"`
	Jobs       int64 `json:"jobs"`
}

// Cleanup removes a repository together with its watermarks and jobs, and
// resets indexing state on operator request.
type Cleanup struct {
	Logger     log.Logger
	database   *db.Database
	repos      *model.RepoStore
	watermarks *model.WatermarkStore
	jobs       *model.JobStore
	now        func() time.Time
}

func NewCleanup(logger log.Logger, database *db.Database, repos *model.RepoStore, watermarks *model.WatermarkStore, jobs *model.JobStore) *Cleanup {
	return &Cleanup{Logger: logger, database: database, repos: repos, watermarks: watermarks, jobs: jobs, now: time.Now}
}

// DeleteRepository deletes everything in one transaction. Indexed entities
// and score history are kept.
func (c *Cleanup) DeleteRepository(ctx context.Context, repositoryID int64) (*DeleteStats, error) {
	gdb, err := c.database.Db()
	if err != nil {
		return nil, err
	}

	stats := &DeleteStats{}
	err = gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if stats.Watermarks, err = c.watermarks.DeleteByRepositoryTx(tx, repositoryID); err != nil {
			return err
		}
		if stats.Jobs, err = c.jobs.DeleteByRepositoryTx(tx, repositoryID); err != nil {
			return err
		}
		n, err := c.repos.DeleteTx(tx, repositoryID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("repository %d: %w", repositoryID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Logger.Info(ctx, "Deleted repository %d with %d watermarks and %d jobs", repositoryID, stats.Watermarks, stats.Jobs)
	return stats, nil
}
