package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobScheduled JobStatus = "scheduled"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TaskPayload is everything a restart needs to resume an interrupted run.
type TaskPayload struct {
	RepositoryID int64  `json:"repository_id"`
	Owner        string `json:"owner"`
	Name         string `json:"name"`
	Cursor       Cursor `json:"cursor"`
}

// ResumableJob records a run interrupted by the remote rate limit.
// ActiveKey is set only while the job is pending or scheduled, which keeps a
// single outstanding job per (owner, kind, repository).
type ResumableJob struct {
	ID           string                          `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	OwnerID      string                          `json:"owner_id" gorm:"column:owner_id;type:varchar(64);index:idx_job_owner_status,priority:1;not null"`
	EntityKind   EntityKind                      `json:"entity_kind" gorm:"column:entity_kind;type:varchar(32);not null"`
	RepositoryID int64                           `json:"repository_id" gorm:"column:repository_id;index;not null"`
	TaskPayload  datatypes.JSONType[TaskPayload] `json:"task_payload" gorm:"column:task_payload"`
	ResetAt      time.Time                       `json:"reset_at" gorm:"column:reset_at;index"`
	Status       JobStatus                       `json:"status" gorm:"column:status;type:varchar(16);index:idx_job_owner_status,priority:2;not null"`
	RetryCount   int                             `json:"retry_count" gorm:"column:retry_count;default:0"`
	MaxRetries   int                             `json:"max_retries" gorm:"column:max_retries"`
	ActiveKey    *string                         `json:"-" gorm:"column:active_key;type:varchar(191);uniqueIndex"`
	ErrorMessage string                          `json:"error_message,omitempty" gorm:"column:error_message;type:text"`
	ScheduledAt  *time.Time                      `json:"scheduled_at,omitempty" gorm:"column:scheduled_at"`
	CompletedAt  *time.Time                      `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CreatedAt    time.Time                       `json:"created_at" gorm:"column:created_at;index"`
	UpdatedAt    time.Time                       `json:"updated_at" gorm:"column:updated_at"`
}

func (j *ResumableJob) TableName() string {
	return "resumable_jobs"
}

func (j *ResumableJob) Payload() TaskPayload {
	return j.TaskPayload.Data()
}

// ActiveKey is the uniqueness key of a non-terminal job.
func ActiveKey(ownerID string, kind EntityKind, repositoryID int64) string {
	return fmt.Sprintf("%s|%s|%d", ownerID, kind, repositoryID)
}

type JobStore struct {
	Model
}

func NewJobStore(config *cfg.Config, logger log.Logger, database *db.Database) (*JobStore, error) {
	return &JobStore{
		Model: Model{
			Config:   config,
			Logger:   logger,
			Database: database,
		},
	}, nil
}

func (s *JobStore) findActive(gdb *gorm.DB, key string) (*ResumableJob, error) {
	var job ResumableJob
	if err := gdb.Where("active_key = ?", key).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) refresh(gdb *gorm.DB, key string, payload TaskPayload, resetAt time.Time) (int64, error) {
	res := gdb.Model(&ResumableJob{}).Where("active_key = ?", key).Updates(map[string]interface{}{
		"task_payload": datatypes.NewJSONType(payload),
		"reset_at":     resetAt.UTC(),
		"status":       JobPending,
		"scheduled_at": nil,
	})
	return res.RowsAffected, res.Error
}

// UpsertPending records an interruption. An outstanding job for the same key
// is updated in place with the new cursor and reset time.
func (s *JobStore) UpsertPending(ctx context.Context, ownerID string, kind EntityKind, payload TaskPayload, resetAt time.Time, maxRetries int) (*ResumableJob, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	key := ActiveKey(ownerID, kind, payload.RepositoryID)

	n, err := s.refresh(gdb, key, payload, resetAt)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return s.findActive(gdb, key)
	}

	job := &ResumableJob{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		EntityKind:   kind,
		RepositoryID: payload.RepositoryID,
		TaskPayload:  datatypes.NewJSONType(payload),
		ResetAt:      resetAt.UTC(),
		Status:       JobPending,
		MaxRetries:   maxRetries,
		ActiveKey:    &key,
	}
	if err := gdb.Create(job).Error; err != nil {
		// lost a race with another writer for the same key
		if n, uerr := s.refresh(gdb, key, payload, resetAt); uerr == nil && n > 0 {
			return s.findActive(gdb, key)
		}
		return nil, err
	}
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*ResumableJob, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var job ResumableJob
	if err := gdb.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// Active returns the outstanding job for a key, or ErrNotFound.
func (s *JobStore) Active(ctx context.Context, ownerID string, kind EntityKind, repositoryID int64) (*ResumableJob, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	job, err := s.findActive(gdb, ActiveKey(ownerID, kind, repositoryID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return job, err
}

// Due lists pending jobs whose reset time plus buffer has passed.
func (s *JobStore) Due(ctx context.Context, now time.Time, buffer time.Duration, limit int) ([]ResumableJob, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := gdb.Where("status = ? AND reset_at <= ?", JobPending, now.UTC().Add(-buffer)).Order("reset_at, created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []ResumableJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Claim moves a pending job to scheduled. False means another sweep won it.
func (s *JobStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res := gdb.Model(&ResumableJob{}).
		Where("id = ? AND status = ?", id, JobPending).
		Updates(map[string]interface{}{
			"status":       JobScheduled,
			"scheduled_at": now.UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// Release hands a claimed job back to the sweep without consuming a retry.
func (s *JobStore) Release(ctx context.Context, id string) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return gdb.Model(&ResumableJob{}).
		Where("id = ? AND status = ?", id, JobScheduled).
		Updates(map[string]interface{}{
			"status":       JobPending,
			"scheduled_at": nil,
		}).Error
}

// Complete finishes a scheduled job. False means it left scheduled meanwhile.
func (s *JobStore) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res := gdb.Model(&ResumableJob{}).
		Where("id = ? AND status = ?", id, JobScheduled).
		Updates(map[string]interface{}{
			"status":        JobCompleted,
			"completed_at":  now.UTC(),
			"active_key":    nil,
			"error_message": "",
		})
	return res.RowsAffected == 1, res.Error
}

// RecordFailure counts one failed attempt. The job goes back to pending until
// retry_count reaches max_retries, then becomes failed.
func (s *JobStore) RecordFailure(ctx context.Context, id string, cause error, now time.Time) (*ResumableJob, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var job ResumableJob
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("job %s: %w", id, ErrNotFound)
			}
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrJobTerminal)
		}

		msg := ""
		if cause != nil {
			msg = TruncateString(cause.Error(), 4000)
		}
		updates := map[string]interface{}{
			"retry_count":   job.RetryCount + 1,
			"error_message": msg,
			"status":        JobPending,
			"scheduled_at":  nil,
		}
		if job.RetryCount+1 >= job.MaxRetries {
			updates["status"] = JobFailed
			updates["active_key"] = nil
			updates["completed_at"] = now.UTC()
		}
		res := tx.Model(&ResumableJob{}).Where("id = ? AND status = ?", id, job.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s changed concurrently: %w", id, ErrJobTerminal)
		}
		return tx.First(&job, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel moves a pending or scheduled job to cancelled.
func (s *JobStore) Cancel(ctx context.Context, id string, now time.Time) (*ResumableJob, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	res := gdb.Model(&ResumableJob{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobPending, JobScheduled}).
		Updates(map[string]interface{}{
			"status":       JobCancelled,
			"active_key":   nil,
			"completed_at": now.UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrJobTerminal)
	}
	return job, nil
}

// Outstanding lists the owner's pending and scheduled jobs, soonest reset first.
func (s *JobStore) Outstanding(ctx context.Context, ownerID string) ([]ResumableJob, error) {
	return s.listByStatus(ctx, ownerID, "reset_at", JobPending, JobScheduled)
}

func (s *JobStore) Failed(ctx context.Context, ownerID string) ([]ResumableJob, error) {
	return s.listByStatus(ctx, ownerID, "updated_at DESC", JobFailed)
}

func (s *JobStore) listByStatus(ctx context.Context, ownerID string, order string, statuses ...JobStatus) ([]ResumableJob, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var jobs []ResumableJob
	if err := gdb.Where("owner_id = ? AND status IN ?", ownerID, statuses).Order(order).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Purge deletes every job created before the cutoff, whatever its status.
func (s *JobStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := gdb.Where("created_at < ?", before.UTC()).Delete(&ResumableJob{})
	return res.RowsAffected, res.Error
}

// CancelByRepositoryTx cancels the outstanding jobs of one repository and kind.
func (s *JobStore) CancelByRepositoryTx(tx *gorm.DB, repositoryID int64, kind EntityKind, now time.Time) (int64, error) {
	res := tx.Model(&ResumableJob{}).
		Where("repository_id = ? AND entity_kind = ? AND status IN ?", repositoryID, kind, []JobStatus{JobPending, JobScheduled}).
		Updates(map[string]interface{}{
			"status":       JobCancelled,
			"active_key":   nil,
			"completed_at": now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// CountByStatus counts jobs per status across every owner.
func (s *JobStore) CountByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status JobStatus
		N      int64
	}
	if err := gdb.Model(&ResumableJob{}).Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *JobStore) DeleteByRepositoryTx(tx *gorm.DB, repositoryID int64) (int64, error) {
	res := tx.Where("repository_id = ?", repositoryID).Delete(&ResumableJob{})
	return res.RowsAffected, res.Error
}
