package model

import (
	"context"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Commit is keyed by (repository_id, sha).
type Commit struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	RepositoryID int64     `json:"repository_id" gorm:"column:repository_id;uniqueIndex:idx_commit_key,priority:1;not null"`
	Sha          string    `json:"sha" gorm:"column:sha;type:varchar(64);uniqueIndex:idx_commit_key,priority:2;not null"`
	Message      string    `json:"message" gorm:"column:message;type:text"`
	AuthorName   string    `json:"author_name" gorm:"column:author_name;type:varchar(255)"`
	AuthorEmail  string    `json:"author_email" gorm:"column:author_email;type:varchar(255)"`
	AuthorLogin  string    `json:"author_login" gorm:"column:author_login;type:varchar(255)"`
	CommittedAt  time.Time `json:"committed_at" gorm:"column:committed_at;index"`
	CommitType   string    `json:"commit_type" gorm:"column:commit_type;type:varchar(32);default:other"`
	Confidence   float64   `json:"confidence" gorm:"column:confidence"`
	URL          string    `json:"url" gorm:"column:url;type:varchar(512)"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c *Commit) TableName() string {
	return "commits"
}

type PullRequest struct {
	ID              int64      `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	RepositoryID    int64      `json:"repository_id" gorm:"column:repository_id;index;not null"`
	Number          int        `json:"number" gorm:"column:number"`
	Title           string     `json:"title" gorm:"column:title;type:varchar(1024)"`
	State           string     `json:"state" gorm:"column:state;type:varchar(16)"`
	AuthorLogin     string     `json:"author_login" gorm:"column:author_login;type:varchar(255)"`
	Merged          bool       `json:"merged" gorm:"column:merged"`
	OpenedAt        time.Time  `json:"opened_at" gorm:"column:opened_at"`
	RemoteUpdatedAt time.Time  `json:"remote_updated_at" gorm:"column:remote_updated_at;index"`
	ClosedAt        *time.Time `json:"closed_at" gorm:"column:closed_at"`
	MergedAt        *time.Time `json:"merged_at" gorm:"column:merged_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (p *PullRequest) TableName() string {
	return "pull_requests"
}

type Release struct {
	ID           int64      `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	RepositoryID int64      `json:"repository_id" gorm:"column:repository_id;index;not null"`
	TagName      string     `json:"tag_name" gorm:"column:tag_name;type:varchar(255)"`
	Name         string     `json:"name" gorm:"column:name;type:varchar(255)"`
	Body         string     `json:"body" gorm:"column:body;type:text"`
	Draft        bool       `json:"draft" gorm:"column:draft"`
	Prerelease   bool       `json:"prerelease" gorm:"column:prerelease"`
	AuthorLogin  string     `json:"author_login" gorm:"column:author_login;type:varchar(255)"`
	PublishedAt  *time.Time `json:"published_at" gorm:"column:published_at"`
	ReleasedAt   time.Time  `json:"released_at" gorm:"column:released_at;index"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (r *Release) TableName() string {
	return "releases"
}

type Deployment struct {
	ID              int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	RepositoryID    int64     `json:"repository_id" gorm:"column:repository_id;index;not null"`
	Sha             string    `json:"sha" gorm:"column:sha;type:varchar(64)"`
	Ref             string    `json:"ref" gorm:"column:ref;type:varchar(255)"`
	Environment     string    `json:"environment" gorm:"column:environment;type:varchar(255)"`
	Task            string    `json:"task" gorm:"column:task;type:varchar(64)"`
	CreatorLogin    string    `json:"creator_login" gorm:"column:creator_login;type:varchar(255)"`
	DeployedAt      time.Time `json:"deployed_at" gorm:"column:deployed_at;index"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at" gorm:"column:remote_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (d *Deployment) TableName() string {
	return "deployments"
}

// EntityStore upserts remote entities by their immutable key.
type EntityStore struct {
	Model
}

func NewEntityStore(config *cfg.Config, logger log.Logger, database *db.Database) (*EntityStore, error) {
	return &EntityStore{
		Model: Model{
			Config:   config,
			Logger:   logger,
			Database: database,
		},
	}, nil
}

func upsert[T any](gdb *gorm.DB, rows []T, keys []string, columns []string) error {
	if len(rows) == 0 {
		return nil
	}
	conflict := make([]clause.Column, 0, len(keys))
	for _, k := range keys {
		conflict = append(conflict, clause.Column{Name: k})
	}
	return gdb.Clauses(clause.OnConflict{
		Columns:   conflict,
		DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
	}).Create(&rows).Error
}

func (s *EntityStore) UpsertCommits(ctx context.Context, rows []Commit) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].Message = TruncateString(rows[i].Message, 65000)
	}
	return upsert(gdb, rows, []string{"repository_id", "sha"},
		[]string{"message", "author_name", "author_email", "author_login", "committed_at", "commit_type", "confidence", "url"})
}

func (s *EntityStore) UpsertPullRequests(ctx context.Context, rows []PullRequest) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].Title = TruncateString(rows[i].Title, 1000)
	}
	return upsert(gdb, rows, []string{"id"},
		[]string{"repository_id", "number", "title", "state", "author_login", "merged", "opened_at", "remote_updated_at", "closed_at", "merged_at"})
}

func (s *EntityStore) UpsertReleases(ctx context.Context, rows []Release) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].Body = TruncateString(rows[i].Body, 65000)
	}
	return upsert(gdb, rows, []string{"id"},
		[]string{"repository_id", "tag_name", "name", "body", "draft", "prerelease", "author_login", "published_at", "released_at"})
}

func (s *EntityStore) UpsertDeployments(ctx context.Context, rows []Deployment) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return upsert(gdb, rows, []string{"id"},
		[]string{"repository_id", "sha", "ref", "environment", "task", "creator_login", "deployed_at", "remote_updated_at"})
}

func (s *EntityStore) UpsertVulnerabilities(ctx context.Context, rows []VulnerabilityRecord) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return upsert(gdb, rows, []string{"repository_id", "finding_id"},
		[]string{"rule_id", "severity", "status", "tool", "description", "remote_updated_at", "fixed_at"})
}

// Count returns how many rows of the given kind belong to the repository.
func (s *EntityStore) Count(ctx context.Context, kind EntityKind, repositoryID int64) (int64, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = gdb.Model(rowFor(kind)).Where("repository_id = ?", repositoryID).Count(&n).Error
	return n, err
}

func rowFor(kind EntityKind) interface{} {
	switch kind {
	case KindCommits:
		return &Commit{}
	case KindPullRequests:
		return &PullRequest{}
	case KindReleases:
		return &Release{}
	case KindDeployments:
		return &Deployment{}
	default:
		return &VulnerabilityRecord{}
	}
}
