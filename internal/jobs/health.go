package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/log"
)

type WatermarkHealth interface {
	CountByStatus(ctx context.Context) (map[model.WatermarkStatus]int64, error)
	Stuck(ctx context.Context, now time.Time) ([]model.IndexWatermark, error)
	Failed(ctx context.Context) ([]model.IndexWatermark, error)
}

type JobCounter interface {
	CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error)
}

type Alert struct {
	Level   string `json:"level"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type StuckRun struct {
	RepositoryID int64            `json:"repository_id"`
	Kind         model.EntityKind `json:"kind"`
	LeaseUntil   *time.Time       `json:"lease_until"`
}

// HealthReport summarises indexing state across all repositories.
type HealthReport struct {
	GeneratedAt time.Time                       `json:"generated_at"`
	Watermarks  map[model.WatermarkStatus]int64 `json:"watermarks"`
	Jobs        map[model.JobStatus]int64       `json:"jobs"`
	Failures    map[string]int64                `json:"failures"`
	Stuck       []StuckRun                      `json:"stuck"`
	Alerts      []Alert                         `json:"alerts"`
}

// failedShareAlert is the share of failed watermarks that raises an alert.
const failedShareAlert = 0.1

type HealthReporter struct {
	Logger     log.Logger
	watermarks WatermarkHealth
	jobs       JobCounter
	now        func() time.Time
}

func NewHealthReporter(logger log.Logger, watermarks WatermarkHealth, jobs JobCounter) *HealthReporter {
	return &HealthReporter{Logger: logger, watermarks: watermarks, jobs: jobs, now: time.Now}
}

func (h *HealthReporter) WithClock(now func() time.Time) *HealthReporter {
	h.now = now
	return h
}

func (h *HealthReporter) Report(ctx context.Context) (*HealthReport, error) {
	now := h.now().UTC()
	report := &HealthReport{GeneratedAt: now, Failures: map[string]int64{}, Stuck: []StuckRun{}, Alerts: []Alert{}}

	var err error
	if report.Watermarks, err = h.watermarks.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count watermarks: %w", err)
	}
	if report.Jobs, err = h.jobs.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	failed, err := h.watermarks.Failed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failed watermarks: %w", err)
	}
	for _, w := range failed {
		report.Failures[FailureCause(w.LastError)]++
	}

	stuck, err := h.watermarks.Stuck(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list stuck watermarks: %w", err)
	}
	for _, w := range stuck {
		report.Stuck = append(report.Stuck, StuckRun{RepositoryID: w.RepositoryID, Kind: w.EntityKind, LeaseUntil: w.LeaseUntil})
	}

	var total int64
	for _, n := range report.Watermarks {
		total += n
	}
	if nFailed := report.Watermarks[model.WatermarkFailed]; total > 0 && float64(nFailed)/float64(total) > failedShareAlert {
		report.Alerts = append(report.Alerts, Alert{
			Level:   "warning",
			Type:    "high_error_rate",
			Message: fmt.Sprintf("%d of %d watermarks failed", nFailed, total),
		})
	}
	if len(report.Stuck) > 0 {
		report.Alerts = append(report.Alerts, Alert{
			Level:   "warning",
			Type:    "stuck_indexing",
			Message: fmt.Sprintf("%d runs hold an expired lease", len(report.Stuck)),
		})
	}
	if n := report.Jobs[model.JobFailed]; n > 0 {
		report.Alerts = append(report.Alerts, Alert{
			Level:   "error",
			Type:    "jobs_need_attention",
			Message: fmt.Sprintf("%d jobs ran out of retries", n),
		})
	}
	return report, nil
}

// FailureCause buckets a stored run error.
func FailureCause(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "no credential"):
		return "no_credential"
	case strings.Contains(m, "rate limit") || strings.Contains(m, "429"):
		return "rate_limit"
	case strings.Contains(m, "not found") || strings.Contains(m, "404"):
		return "not_found"
	case strings.Contains(m, "authentication") || strings.Contains(m, "unauthorized") || strings.Contains(m, "401"):
		return "unauthorized"
	case strings.Contains(m, "permission") || strings.Contains(m, "forbidden") || strings.Contains(m, "403"):
		return "forbidden"
	case strings.Contains(m, "timeout") || strings.Contains(m, "connection"):
		return "network"
	}
	return "other"
}
