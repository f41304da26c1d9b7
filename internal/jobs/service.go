// Package jobs is the operator side of resumable jobs: listing what is
// waiting for a rate-limit reset, cancelling it, and cleaning up after a
// repository is removed.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/log"
)

var (
	// ErrConflict is returned when cancelling a job that already finished.
	ErrConflict = errors.New("job is already in a terminal state")
	ErrNotFound = errors.New("not found")
	// ErrRunning is returned when resetting a watermark an index run still holds.
	ErrRunning = errors.New("an index run holds the watermark")
)

type Store interface {
	Get(ctx context.Context, id string) (*model.ResumableJob, error)
	Outstanding(ctx context.Context, ownerID string) ([]model.ResumableJob, error)
	Failed(ctx context.Context, ownerID string) ([]model.ResumableJob, error)
	Cancel(ctx context.Context, id string, now time.Time) (*model.ResumableJob, error)
}

// JobView is a job as shown to its owner.
type JobView struct {
	ID             string           `json:"id"`
	OwnerID        string           `json:"owner_id"`
	Kind           model.EntityKind `json:"kind"`
	RepositoryID   int64            `json:"repository_id"`
	Repository     string           `json:"repository"`
	Status         model.JobStatus  `json:"status"`
	ResetAt        time.Time        `json:"reset_at"`
	TimeUntilReset time.Duration    `json:"time_until_reset"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	Cursor         model.Cursor     `json:"cursor"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// StatusLabel is the short operator-facing state.
func (v JobView) StatusLabel() string {
	switch v.Status {
	case model.JobPending, model.JobScheduled:
		return "pending restart"
	case model.JobFailed:
		return "failed, needs attention"
	}
	return string(v.Status)
}

type Service struct {
	Config *cfg.Config
	Logger log.Logger
	store  Store
	now    func() time.Time
}

func NewService(config *cfg.Config, logger log.Logger, store Store) *Service {
	return &Service{Config: config, Logger: logger, store: store, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) view(job model.ResumableJob, now time.Time) JobView {
	payload := job.Payload()
	until := job.ResetAt.Sub(now)
	if until < 0 {
		until = 0
	}
	return JobView{
		ID:             job.ID,
		OwnerID:        job.OwnerID,
		Kind:           job.EntityKind,
		RepositoryID:   job.RepositoryID,
		Repository:     payload.Owner + "/" + payload.Name,
		Status:         job.Status,
		ResetAt:        job.ResetAt.UTC(),
		TimeUntilReset: until,
		RetryCount:     job.RetryCount,
		MaxRetries:     job.MaxRetries,
		Cursor:         payload.Cursor,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
}

func (s *Service) views(jobs []model.ResumableJob) []JobView {
	now := s.now()
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.view(j, now))
	}
	return out
}

// Outstanding lists the owner's pending and scheduled jobs, soonest reset first.
func (s *Service) Outstanding(ctx context.Context, ownerID string) ([]JobView, error) {
	jobs, err := s.store.Outstanding(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list outstanding jobs of %s: %w", ownerID, err)
	}
	return s.views(jobs), nil
}

// NeedsAttention lists jobs that ran out of retries.
func (s *Service) NeedsAttention(ctx context.Context, ownerID string) ([]JobView, error) {
	jobs, err := s.store.Failed(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs of %s: %w", ownerID, err)
	}
	return s.views(jobs), nil
}

func (s *Service) Get(ctx context.Context, id string) (*JobView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	v := s.view(*job, s.now())
	return &v, nil
}

// Cancel stops a pending or scheduled job. A run already in progress is not
// interrupted; it simply cannot complete the job any more.
func (s *Service) Cancel(ctx context.Context, id string) (*JobView, error) {
	job, err := s.store.Cancel(ctx, id, s.now().UTC())
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	case errors.Is(err, model.ErrJobTerminal):
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrConflict)
	case err != nil:
		return nil, err
	}
	s.Logger.Info(ctx, "Cancelled job %s (%s of repository %d)", job.ID, job.EntityKind, job.RepositoryID)
	v := s.view(*job, s.now())
	return &v, nil
}
