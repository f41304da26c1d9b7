package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	githubapi "github.com/thep200/gitpulse/internal/github_api"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/log"
)

// ErrInvalidItem marks a remote item that cannot be stored. It is skipped.
var ErrInvalidItem = errors.New("invalid item")

type WriteStats struct {
	Written int
	Skipped int
}

// Sink stores one page of items of its kind, keyed by remote id.
type Sink interface {
	Kind() model.EntityKind
	Write(ctx context.Context, repo model.Repo, items []githubapi.Item) (WriteStats, error)
}

// EntityWriter is the persistence the sinks need.
type EntityWriter interface {
	UpsertCommits(ctx context.Context, rows []model.Commit) error
	UpsertPullRequests(ctx context.Context, rows []model.PullRequest) error
	UpsertReleases(ctx context.Context, rows []model.Release) error
	UpsertDeployments(ctx context.Context, rows []model.Deployment) error
	UpsertVulnerabilities(ctx context.Context, rows []model.VulnerabilityRecord) error
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidItem)
}

// convertPage converts items one by one, dropping the ones that fail with
// ErrInvalidItem, then stores the rest in one upsert.
func convertPage[T any](ctx context.Context, logger log.Logger, repo model.Repo, kind model.EntityKind, items []githubapi.Item,
	convert func(githubapi.Item) (T, error), store func(context.Context, []T) error) (WriteStats, error) {

	rows := make([]T, 0, len(items))
	var stats WriteStats
	for _, it := range items {
		row, err := convert(it)
		if err != nil {
			if !errors.Is(err, ErrInvalidItem) {
				return stats, err
			}
			stats.Skipped++
			logger.Warn(ctx, "Skipping %s item of %s: %v", kind, repo.FullName(), err)
			continue
		}
		rows = append(rows, row)
	}
	if err := store(ctx, rows); err != nil {
		return stats, fmt.Errorf("store %d %s of %s: %w", len(rows), kind, repo.FullName(), err)
	}
	stats.Written = len(rows)
	return stats, nil
}

type CommitSink struct {
	Logger     log.Logger
	Store      EntityWriter
	Classifier Classifier
}

func (s *CommitSink) Kind() model.EntityKind { return model.KindCommits }

func (s *CommitSink) Write(ctx context.Context, repo model.Repo, items []githubapi.Item) (WriteStats, error) {
	return convertPage(ctx, s.Logger, repo, model.KindCommits, items, func(it githubapi.Item) (model.Commit, error) {
		c, ok := it.(githubapi.CommitItem)
		if !ok {
			return model.Commit{}, invalid("unexpected %T", it)
		}
		if c.Sha == "" {
			return model.Commit{}, invalid("commit without sha")
		}
		if c.CommittedAt.IsZero() {
			return model.Commit{}, invalid("commit %s without date", c.Sha)
		}

		label := Classification{Type: CommitTypeOther}
		if s.Classifier != nil {
			got, err := s.Classifier.Classify(ctx, c.Message)
			if err != nil {
				s.Logger.Debug(ctx, "Classifier failed on %s, using %s: %v", c.Sha, CommitTypeOther, err)
			} else if got.Type != "" {
				label = got
			}
		}

		return model.Commit{
			RepositoryID: repo.ID,
			Sha:          c.Sha,
			Message:      c.Message,
			AuthorName:   model.TruncateString(c.AuthorName, 250),
			AuthorEmail:  model.TruncateString(c.AuthorEmail, 250),
			AuthorLogin:  c.AuthorLogin,
			CommittedAt:  c.CommittedAt,
			CommitType:   label.Type,
			Confidence:   label.Confidence,
			URL:          model.TruncateString(c.URL, 500),
		}, nil
	}, s.Store.UpsertCommits)
}

type PullRequestSink struct {
	Logger log.Logger
	Store  EntityWriter
}

func (s *PullRequestSink) Kind() model.EntityKind { return model.KindPullRequests }

func (s *PullRequestSink) Write(ctx context.Context, repo model.Repo, items []githubapi.Item) (WriteStats, error) {
	return convertPage(ctx, s.Logger, repo, model.KindPullRequests, items, func(it githubapi.Item) (model.PullRequest, error) {
		p, ok := it.(githubapi.PullRequestItem)
		if !ok {
			return model.PullRequest{}, invalid("unexpected %T", it)
		}
		if p.ID == 0 || p.Number == 0 {
			return model.PullRequest{}, invalid("pull request without id")
		}
		return model.PullRequest{
			ID:              p.ID,
			RepositoryID:    repo.ID,
			Number:          p.Number,
			Title:           p.Title,
			State:           p.State,
			AuthorLogin:     p.AuthorLogin,
			Merged:          p.Merged,
			OpenedAt:        p.OpenedAt,
			RemoteUpdatedAt: p.UpdatedAt,
			ClosedAt:        p.ClosedAt,
			MergedAt:        p.MergedAt,
		}, nil
	}, s.Store.UpsertPullRequests)
}

type ReleaseSink struct {
	Logger log.Logger
	Store  EntityWriter
}

func (s *ReleaseSink) Kind() model.EntityKind { return model.KindReleases }

func (s *ReleaseSink) Write(ctx context.Context, repo model.Repo, items []githubapi.Item) (WriteStats, error) {
	return convertPage(ctx, s.Logger, repo, model.KindReleases, items, func(it githubapi.Item) (model.Release, error) {
		r, ok := it.(githubapi.ReleaseItem)
		if !ok {
			return model.Release{}, invalid("unexpected %T", it)
		}
		if r.ID == 0 {
			return model.Release{}, invalid("release without id")
		}
		return model.Release{
			ID:           r.ID,
			RepositoryID: repo.ID,
			TagName:      model.TruncateString(r.TagName, 250),
			Name:         model.TruncateString(r.Name, 250),
			Body:         r.Body,
			Draft:        r.Draft,
			Prerelease:   r.Prerelease,
			AuthorLogin:  r.AuthorLogin,
			PublishedAt:  r.PublishedAt,
			ReleasedAt:   r.CreatedAt,
		}, nil
	}, s.Store.UpsertReleases)
}

type DeploymentSink struct {
	Logger log.Logger
	Store  EntityWriter
}

func (s *DeploymentSink) Kind() model.EntityKind { return model.KindDeployments }

func (s *DeploymentSink) Write(ctx context.Context, repo model.Repo, items []githubapi.Item) (WriteStats, error) {
	return convertPage(ctx, s.Logger, repo, model.KindDeployments, items, func(it githubapi.Item) (model.Deployment, error) {
		d, ok := it.(githubapi.DeploymentItem)
		if !ok {
			return model.Deployment{}, invalid("unexpected %T", it)
		}
		if d.ID == 0 {
			return model.Deployment{}, invalid("deployment without id")
		}
		return model.Deployment{
			ID:              d.ID,
			RepositoryID:    repo.ID,
			Sha:             d.Sha,
			Ref:             model.TruncateString(d.Ref, 250),
			Environment:     model.TruncateString(d.Environment, 250),
			Task:            d.Task,
			CreatorLogin:    d.CreatorLogin,
			DeployedAt:      d.CreatedAt,
			RemoteUpdatedAt: d.UpdatedAt,
		}, nil
	}, s.Store.UpsertDeployments)
}

type VulnerabilitySink struct {
	Logger log.Logger
	Store  EntityWriter
}

func (s *VulnerabilitySink) Kind() model.EntityKind { return model.KindVulnerabilities }

func (s *VulnerabilitySink) Write(ctx context.Context, repo model.Repo, items []githubapi.Item) (WriteStats, error) {
	return convertPage(ctx, s.Logger, repo, model.KindVulnerabilities, items, func(it githubapi.Item) (model.VulnerabilityRecord, error) {
		a, ok := it.(githubapi.AlertItem)
		if !ok {
			return model.VulnerabilityRecord{}, invalid("unexpected %T", it)
		}
		if a.Number == 0 {
			return model.VulnerabilityRecord{}, invalid("alert without number")
		}
		severity, err := model.ParseSeverity(a.Severity)
		if err != nil {
			return model.VulnerabilityRecord{}, invalid("alert %d: %v", a.Number, err)
		}
		status := model.VulnerabilityResolved
		if strings.EqualFold(a.State, "open") {
			status = model.VulnerabilityOpen
		}
		return model.VulnerabilityRecord{
			RepositoryID:    repo.ID,
			FindingID:       a.Key(),
			RuleID:          model.TruncateString(a.RuleID, 250),
			Severity:        severity,
			Status:          status,
			Tool:            model.TruncateString(a.Tool, 120),
			Description:     a.Description,
			RemoteUpdatedAt: a.UpdatedAt,
			FixedAt:         a.FixedAt,
		}, nil
	}, s.Store.UpsertVulnerabilities)
}
