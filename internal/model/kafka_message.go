package model

import "time"

// Message keys on the index and jobs topics.
const (
	EventVulnerabilitiesIndexed = "vulnerabilities.indexed"
	EventJobRateLimited         = "job.rate_limited"
	EventJobFailed              = "job.failed"
	EventIndexRunFinished       = "index.finished"
)

// IndexEvent is published when an indexer run ends.
type IndexEvent struct {
	RepositoryID int64      `json:"repository_id"`
	OwnerID      string     `json:"owner_id"`
	Repository   string     `json:"repository"`
	Kind         EntityKind `json:"kind"`
	ItemsWritten int        `json:"items_written"`
	CaughtUp     bool       `json:"caught_up"`
	FinishedAt   time.Time  `json:"finished_at"`
}

// JobEvent is published on resumable job transitions.
type JobEvent struct {
	JobID        string     `json:"job_id"`
	OwnerID      string     `json:"owner_id"`
	RepositoryID int64      `json:"repository_id"`
	Kind         EntityKind `json:"kind"`
	Status       JobStatus  `json:"status"`
	ResetAt      time.Time  `json:"reset_at"`
	RetryCount   int        `json:"retry_count"`
	Error        string     `json:"error,omitempty"`
}
