package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
	"gorm.io/gorm"
)

// SecurityScoreSnapshot is append-only; rows are never updated.
type SecurityScoreSnapshot struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	RepositoryID      int64     `json:"repository_id" gorm:"column:repository_id;index:idx_snapshot_repo_time,priority:1;not null"`
	ComputedAt        time.Time `json:"computed_at" gorm:"column:computed_at;index:idx_snapshot_repo_time,priority:2"`
	Score             float64   `json:"score" gorm:"column:score"`
	Exposure          float64   `json:"exposure" gorm:"column:exposure"`
	DeltaFromPrevious float64   `json:"delta_from_previous" gorm:"column:delta_from_previous"`
	Surface           float64   `json:"surface" gorm:"column:surface"`
	CriticalCount     int       `json:"critical_count" gorm:"column:critical_count"`
	HighCount         int       `json:"high_count" gorm:"column:high_count"`
	MediumCount       int       `json:"medium_count" gorm:"column:medium_count"`
	LowCount          int       `json:"low_count" gorm:"column:low_count"`
	SizeKLOC          float64   `json:"size_kloc" gorm:"column:size_kloc"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *SecurityScoreSnapshot) TableName() string {
	return "security_score_snapshots"
}

func (s *SecurityScoreSnapshot) Counts() map[Severity]int {
	return map[Severity]int{
		SeverityCritical: s.CriticalCount,
		SeverityHigh:     s.HighCount,
		SeverityMedium:   s.MediumCount,
		SeverityLow:      s.LowCount,
	}
}

type SnapshotStore struct {
	Model
}

func NewSnapshotStore(config *cfg.Config, logger log.Logger, database *db.Database) (*SnapshotStore, error) {
	return &SnapshotStore{
		Model: Model{
			Config:   config,
			Logger:   logger,
			Database: database,
		},
	}, nil
}

// AppendWithDelta reads the latest snapshot and appends the new one in the same
// transaction, filling DeltaFromPrevious from it.
func (s *SnapshotStore) AppendWithDelta(ctx context.Context, snap *SecurityScoreSnapshot) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return gdb.Transaction(func(tx *gorm.DB) error {
		var prev SecurityScoreSnapshot
		err := tx.Where("repository_id = ?", snap.RepositoryID).Order("computed_at DESC, id DESC").First(&prev).Error
		switch {
		case err == nil:
			snap.DeltaFromPrevious = roundTenth(snap.Score - prev.Score)
		case errors.Is(err, gorm.ErrRecordNotFound):
			snap.DeltaFromPrevious = 0
		default:
			return err
		}
		return tx.Create(snap).Error
	})
}

func (s *SnapshotStore) Latest(ctx context.Context, repositoryID int64) (*SecurityScoreSnapshot, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var snap SecurityScoreSnapshot
	if err := gdb.Where("repository_id = ?", repositoryID).Order("computed_at DESC, id DESC").First(&snap).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("snapshot for repository %d: %w", repositoryID, ErrNotFound)
		}
		return nil, err
	}
	return &snap, nil
}

// Trend returns up to n snapshots, newest first.
func (s *SnapshotStore) Trend(ctx context.Context, repositoryID int64, n int) ([]SecurityScoreSnapshot, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var snaps []SecurityScoreSnapshot
	q := gdb.Where("repository_id = ?", repositoryID).Order("computed_at DESC, id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Find(&snaps).Error; err != nil {
		return nil, err
	}
	return snaps, nil
}

func roundTenth(v float64) float64 {
	if v < 0 {
		return -float64(int64(-v*10+0.5)) / 10
	}
	return float64(int64(v*10+0.5)) / 10
}
