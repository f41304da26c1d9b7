package model

import (
	"context"
	"errors"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
	"gorm.io/gorm"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrLeaseHeld   = errors.New("watermark lease held by another run")
	ErrLeaseLost   = errors.New("watermark lease no longer owned")
	ErrJobTerminal = errors.New("job already in a terminal state")
)

// Model is the shared handle every store embeds.
type Model struct {
	Config   *cfg.Config
	Logger   log.Logger
	Database *db.Database
}

func (m *Model) conn(ctx context.Context) (*gorm.DB, error) {
	gdb, err := m.Database.Db()
	if err != nil {
		m.Logger.Error(ctx, "Failed to get database connection: %v", err)
		return nil, err
	}
	return gdb.WithContext(ctx), nil
}

// Tables lists every row type owned by the engine, in migration order.
func Tables() []interface{} {
	return []interface{}{
		&Repo{},
		&IndexWatermark{},
		&ResumableJob{},
		&Commit{},
		&PullRequest{},
		&Release{},
		&Deployment{},
		&VulnerabilityRecord{},
		&SecurityScoreSnapshot{},
		&TriggerRun{},
	}
}

func Migrate(database *db.Database) error {
	return database.Migrate(Tables()...)
}
