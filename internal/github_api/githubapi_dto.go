package githubapi

import (
	"strconv"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/thep200/gitpulse/internal/model"
)

// Item is one remote entity of any kind.
type Item interface {
	// Key is the immutable remote identifier.
	Key() string
	// Timestamp orders the item inside a sweep window.
	Timestamp() time.Time
}

type RateMeta struct {
	Known     bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Page is one response of a paginated listing. Next is nil once the remote
// has nothing further for the window.
type Page struct {
	Kind  model.EntityKind
	Items []Item
	Next  *model.Cursor
	Rate  RateMeta
}

type CommitItem struct {
	Sha         string
	Message     string
	AuthorName  string
	AuthorEmail string
	AuthorLogin string
	CommittedAt time.Time
	URL         string
}

func (c CommitItem) Key() string          { return c.Sha }
func (c CommitItem) Timestamp() time.Time { return c.CommittedAt }

type PullRequestItem struct {
	ID          int64
	Number      int
	Title       string
	State       string
	AuthorLogin string
	Merged      bool
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	MergedAt    *time.Time
}

func (p PullRequestItem) Key() string          { return strconv.FormatInt(p.ID, 10) }
func (p PullRequestItem) Timestamp() time.Time { return p.UpdatedAt }

type ReleaseItem struct {
	ID          int64
	TagName     string
	Name        string
	Body        string
	Draft       bool
	Prerelease  bool
	AuthorLogin string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

func (r ReleaseItem) Key() string          { return strconv.FormatInt(r.ID, 10) }
func (r ReleaseItem) Timestamp() time.Time { return r.CreatedAt }

type DeploymentItem struct {
	ID           int64
	Sha          string
	Ref          string
	Environment  string
	Task         string
	CreatorLogin string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (d DeploymentItem) Key() string          { return strconv.FormatInt(d.ID, 10) }
func (d DeploymentItem) Timestamp() time.Time { return d.CreatedAt }

type AlertItem struct {
	Number      int
	RuleID      string
	Severity    string
	State       string
	Tool        string
	Description string
	UpdatedAt   time.Time
	FixedAt     *time.Time
}

func (a AlertItem) Key() string          { return strconv.Itoa(a.Number) }
func (a AlertItem) Timestamp() time.Time { return a.UpdatedAt }

// RepositoryInfo is what registering a repository needs from the remote.
type RepositoryInfo struct {
	ID            int64
	Owner         string
	Name          string
	DefaultBranch string
	Private       bool
}

func tsPtr(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func commitItem(c *github.RepositoryCommit) CommitItem {
	item := CommitItem{
		Sha:         c.GetSHA(),
		Message:     c.GetCommit().GetMessage(),
		AuthorName:  c.GetCommit().GetAuthor().GetName(),
		AuthorEmail: c.GetCommit().GetAuthor().GetEmail(),
		AuthorLogin: c.GetAuthor().GetLogin(),
		CommittedAt: c.GetCommit().GetCommitter().GetDate().Time.UTC(),
		URL:         c.GetHTMLURL(),
	}
	return item
}

func pullRequestItem(p *github.PullRequest) PullRequestItem {
	return PullRequestItem{
		ID:          p.GetID(),
		Number:      p.GetNumber(),
		Title:       p.GetTitle(),
		State:       p.GetState(),
		AuthorLogin: p.GetUser().GetLogin(),
		Merged:      p.MergedAt != nil,
		OpenedAt:    p.GetCreatedAt().Time.UTC(),
		UpdatedAt:   p.GetUpdatedAt().Time.UTC(),
		ClosedAt:    tsPtr(p.ClosedAt),
		MergedAt:    tsPtr(p.MergedAt),
	}
}

func releaseItem(r *github.RepositoryRelease) ReleaseItem {
	return ReleaseItem{
		ID:          r.GetID(),
		TagName:     r.GetTagName(),
		Name:        r.GetName(),
		Body:        r.GetBody(),
		Draft:       r.GetDraft(),
		Prerelease:  r.GetPrerelease(),
		AuthorLogin: r.GetAuthor().GetLogin(),
		CreatedAt:   r.GetCreatedAt().Time.UTC(),
		PublishedAt: tsPtr(r.PublishedAt),
	}
}

func deploymentItem(d *github.Deployment) DeploymentItem {
	return DeploymentItem{
		ID:           d.GetID(),
		Sha:          d.GetSHA(),
		Ref:          d.GetRef(),
		Environment:  d.GetEnvironment(),
		Task:         d.GetTask(),
		CreatorLogin: d.GetCreator().GetLogin(),
		CreatedAt:    d.GetCreatedAt().Time.UTC(),
		UpdatedAt:    d.GetUpdatedAt().Time.UTC(),
	}
}

func alertItem(a *github.Alert) AlertItem {
	severity := a.GetRule().GetSecuritySeverityLevel()
	if severity == "" {
		severity = a.GetRule().GetSeverity()
	}
	return AlertItem{
		Number:      a.GetNumber(),
		RuleID:      a.GetRule().GetID(),
		Severity:    severity,
		State:       a.GetState(),
		Tool:        a.GetTool().GetName(),
		Description: a.GetRule().GetDescription(),
		UpdatedAt:   a.GetUpdatedAt().Time.UTC(),
		FixedAt:     tsPtr(a.FixedAt),
	}
}
