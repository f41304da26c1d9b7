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
	"gorm.io/gorm/clause"
)

type WatermarkStatus string

const (
	WatermarkIdle        WatermarkStatus = "idle"
	WatermarkRunning     WatermarkStatus = "running"
	WatermarkRateLimited WatermarkStatus = "rate_limited"
	WatermarkFailed      WatermarkStatus = "failed"
)

// IndexWatermark is the persisted progress of one (repository, kind) pair.
type IndexWatermark struct {
	ID              uint            `json:"id" gorm:"primaryKey"`
	RepositoryID    int64           `json:"repository_id" gorm:"column:repository_id;uniqueIndex:idx_watermark_key,priority:1;not null"`
	EntityKind      EntityKind      `json:"entity_kind" gorm:"column:entity_kind;type:varchar(32);uniqueIndex:idx_watermark_key,priority:2;not null"`
	CursorSince     *time.Time      `json:"cursor_since" gorm:"column:cursor_since"`
	CursorPage      int             `json:"cursor_page" gorm:"column:cursor_page;default:1"`
	CursorHighWater *time.Time      `json:"cursor_high_water" gorm:"column:cursor_high_water"`
	LastSuccessAt   *time.Time      `json:"last_success_at" gorm:"column:last_success_at"`
	Status          WatermarkStatus `json:"status" gorm:"column:status;type:varchar(16);default:idle"`
	LeaseOwner      string          `json:"-" gorm:"column:lease_owner;type:varchar(64)"`
	LeaseUntil      *time.Time      `json:"-" gorm:"column:lease_until"`
	TotalIndexed    int64           `json:"total_indexed" gorm:"column:total_indexed;default:0"`
	LastError       string          `json:"last_error,omitempty" gorm:"column:last_error;type:text"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (w *IndexWatermark) TableName() string {
	return "index_watermarks"
}

func (w *IndexWatermark) Cursor() Cursor {
	return Cursor{
		Since:     timeVal(w.CursorSince),
		Page:      w.CursorPage,
		HighWater: timeVal(w.CursorHighWater),
	}.normalized()
}

type WatermarkStore struct {
	Model
}

func NewWatermarkStore(config *cfg.Config, logger log.Logger, database *db.Database) (*WatermarkStore, error) {
	return &WatermarkStore{
		Model: Model{
			Config:   config,
			Logger:   logger,
			Database: database,
		},
	}, nil
}

func (s *WatermarkStore) ensure(gdb *gorm.DB, repositoryID int64, kind EntityKind) error {
	return gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&IndexWatermark{
		RepositoryID: repositoryID,
		EntityKind:   kind,
		CursorPage:   1,
		Status:       WatermarkIdle,
	}).Error
}

// Get returns the watermark, creating an idle one at the start cursor if missing.
func (s *WatermarkStore) Get(ctx context.Context, repositoryID int64, kind EntityKind) (*IndexWatermark, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ensure(gdb, repositoryID, kind); err != nil {
		return nil, err
	}
	var w IndexWatermark
	if err := gdb.Where("repository_id = ? AND entity_kind = ?", repositoryID, kind).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// Claim takes the lease for the pair. A lease whose deadline passed can be taken over.
func (s *WatermarkStore) Claim(ctx context.Context, repositoryID int64, kind EntityKind, owner string, ttl time.Duration, now time.Time) (*IndexWatermark, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ensure(gdb, repositoryID, kind); err != nil {
		return nil, err
	}

	now = now.UTC()
	res := gdb.Model(&IndexWatermark{}).
		Where("repository_id = ? AND entity_kind = ?", repositoryID, kind).
		Where("lease_owner = '' OR lease_owner IS NULL OR lease_until IS NULL OR lease_until < ?", now).
		Updates(map[string]interface{}{
			"status":      WatermarkRunning,
			"lease_owner": owner,
			"lease_until": now.Add(ttl),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%d/%s: %w", repositoryID, kind, ErrLeaseHeld)
	}

	var w IndexWatermark
	if err := gdb.Where("repository_id = ? AND entity_kind = ?", repositoryID, kind).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// Advance persists a cursor reached by the lease holder. The stored cursor never moves backward.
func (s *WatermarkStore) Advance(ctx context.Context, repositoryID int64, kind EntityKind, owner string, cursor Cursor, written int, ttl time.Duration, now time.Time) (Cursor, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return Cursor{}, err
	}

	var stored Cursor
	err = gdb.Transaction(func(tx *gorm.DB) error {
		var w IndexWatermark
		if err := tx.Where("repository_id = ? AND entity_kind = ? AND lease_owner = ?", repositoryID, kind, owner).First(&w).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%d/%s: %w", repositoryID, kind, ErrLeaseLost)
			}
			return err
		}

		stored = w.Cursor().Max(cursor)
		return tx.Model(&IndexWatermark{}).Where("id = ?", w.ID).Updates(map[string]interface{}{
			"cursor_since":      timePtr(stored.Since),
			"cursor_page":       stored.Page,
			"cursor_high_water": timePtr(stored.HighWater),
			"total_indexed":     gorm.Expr("total_indexed + ?", written),
			"lease_until":       now.UTC().Add(ttl),
		}).Error
	})
	return stored, err
}

// Release drops the lease and records how the run ended.
func (s *WatermarkStore) Release(ctx context.Context, repositoryID int64, kind EntityKind, owner string, status WatermarkStatus, runErr error, now time.Time) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"status":      status,
		"lease_owner": "",
		"lease_until": nil,
		"last_error":  "",
	}
	if runErr != nil {
		updates["last_error"] = TruncateString(runErr.Error(), 4000)
	}
	if status == WatermarkIdle {
		updates["last_success_at"] = now.UTC()
	}
	return gdb.Model(&IndexWatermark{}).
		Where("repository_id = ? AND entity_kind = ? AND lease_owner = ?", repositoryID, kind, owner).
		Updates(updates).Error
}

func (s *WatermarkStore) ListByRepository(ctx context.Context, repositoryID int64) ([]IndexWatermark, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []IndexWatermark
	if err := gdb.Where("repository_id = ?", repositoryID).Order("entity_kind").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *WatermarkStore) DeleteByRepositoryTx(tx *gorm.DB, repositoryID int64) (int64, error) {
	res := tx.Where("repository_id = ?", repositoryID).Delete(&IndexWatermark{})
	return res.RowsAffected, res.Error
}

// ResetTx clears a failed or stale status so the pair indexes again. With
// rewind the cursor also goes back to the start. It refuses while a run holds
// a live lease and reports false when the pair was never indexed.
func (s *WatermarkStore) ResetTx(tx *gorm.DB, repositoryID int64, kind EntityKind, rewind bool, now time.Time) (bool, error) {
	var w IndexWatermark
	if err := tx.Where("repository_id = ? AND entity_kind = ?", repositoryID, kind).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	updates := map[string]interface{}{
		"status":      WatermarkIdle,
		"lease_owner": "",
		"lease_until": nil,
		"last_error":  "",
	}
	if rewind {
		updates["cursor_since"] = nil
		updates["cursor_page"] = 1
		updates["cursor_high_water"] = nil
	}
	res := tx.Model(&IndexWatermark{}).
		Where("id = ?", w.ID).
		Where("lease_owner = '' OR lease_owner IS NULL OR lease_until IS NULL OR lease_until < ?", now.UTC()).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("%d/%s: %w", repositoryID, kind, ErrLeaseHeld)
	}
	return true, nil
}

// CountByStatus counts watermarks per status across every repository.
func (s *WatermarkStore) CountByStatus(ctx context.Context) (map[WatermarkStatus]int64, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status WatermarkStatus
		N      int64
	}
	if err := gdb.Model(&IndexWatermark{}).Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[WatermarkStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Stuck lists running watermarks whose lease already expired.
func (s *WatermarkStore) Stuck(ctx context.Context, now time.Time) ([]IndexWatermark, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []IndexWatermark
	if err := gdb.Where("status = ? AND lease_until < ?", WatermarkRunning, now.UTC()).Order("repository_id, entity_kind").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Failed lists failed watermarks, most recently updated first.
func (s *WatermarkStore) Failed(ctx context.Context) ([]IndexWatermark, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []IndexWatermark
	if err := gdb.Where("status = ?", WatermarkFailed).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
