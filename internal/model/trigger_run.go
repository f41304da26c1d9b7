package model

import (
	"context"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
	"gorm.io/gorm/clause"
)

// TriggerRun marks that the daily trigger fired for a calendar day.
type TriggerRun struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Day          string    `json:"day" gorm:"column:day;type:varchar(10);uniqueIndex:idx_trigger_day_mode,priority:1;not null"`
	Mode         string    `json:"mode" gorm:"column:mode;type:varchar(16);uniqueIndex:idx_trigger_day_mode,priority:2;not null"`
	FiredAt      time.Time `json:"fired_at" gorm:"column:fired_at"`
	Repositories int       `json:"repositories" gorm:"column:repositories"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t *TriggerRun) TableName() string {
	return "trigger_runs"
}

type TriggerRunStore struct {
	Model
}

func NewTriggerRunStore(config *cfg.Config, logger log.Logger, database *db.Database) (*TriggerRunStore, error) {
	return &TriggerRunStore{
		Model: Model{
			Config:   config,
			Logger:   logger,
			Database: database,
		},
	}, nil
}

// MarkFired records the fire for (day, mode). False means it already fired.
func (s *TriggerRunStore) MarkFired(ctx context.Context, day string, mode string, firedAt time.Time) (bool, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res := gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&TriggerRun{
		Day:     day,
		Mode:    mode,
		FiredAt: firedAt.UTC(),
	})
	return res.RowsAffected == 1, res.Error
}

func (s *TriggerRunStore) SetRepositories(ctx context.Context, day string, mode string, n int) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return gdb.Model(&TriggerRun{}).Where("day = ? AND mode = ?", day, mode).Update("repositories", n).Error
}
