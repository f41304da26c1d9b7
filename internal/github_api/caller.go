// Package githubapi wraps the GitHub REST API for the indexers: credential
// selection per scope, paginated listings per entity kind and a taxonomy of
// rate-limit and permission errors.
package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/limiter"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/log"
)

// Fetcher is the remote capability the indexers page through.
type Fetcher interface {
	PaginatedFetch(ctx context.Context, kind model.EntityKind, repo model.Repo, cursor model.Cursor) (*Page, error)
}

type Caller struct {
	Config      *cfg.Config
	Logger      log.Logger
	Limiter     *limiter.RateLimiter
	credentials []Credential
	mu          sync.Mutex
	clients     map[string]*github.Client
	now         func() time.Time
}

func NewCaller(config *cfg.Config, logger log.Logger, pacer *limiter.RateLimiter) (*Caller, error) {
	if pacer == nil {
		pacer = limiter.NewRateLimiter(config.GithubApi.RequestsPerSecond)
	}
	return &Caller{
		Config:      config,
		Logger:      logger,
		Limiter:     pacer,
		credentials: CredentialsFromConfig(config),
		clients:     make(map[string]*github.Client),
		now:         time.Now,
	}, nil
}

func (c *Caller) client(scope Scope) (*github.Client, error) {
	cred, err := SelectCredential(c.credentials, scope)
	if err != nil {
		return nil, err
	}
	return c.clientFor(cred)
}

func (c *Caller) clientFor(cred Credential) (*github.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gh, ok := c.clients[cred.Name]; ok {
		return gh, nil
	}

	auth, err := cred.Transport(cleanhttp.DefaultPooledTransport(), c.Config.GithubApi.ApiUrl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cred.Name, ErrAuth)
	}
	httpClient := newHTTPClient(c.Logger, auth, c.Config.GithubApi.HttpRetryMax, c.Config.GithubApi.RequestTimeout)
	gh := github.NewClient(httpClient)
	if api := c.Config.GithubApi.ApiUrl; api != "" {
		if !strings.HasSuffix(api, "/") {
			api += "/"
		}
		base, err := url.Parse(api)
		if err != nil {
			return nil, fmt.Errorf("githubapi.apiurl %q: %w", api, err)
		}
		gh.BaseURL = base
	}

	c.Logger.Info(context.Background(), "Using %s credential %q", cred.Kind, cred.Name)
	c.clients[cred.Name] = gh
	return gh, nil
}

// Bucket names the rate budget a kind is charged to: the credential serving
// its scope, or the scope itself when none does.
func (c *Caller) Bucket(kind model.EntityKind) string {
	scope := ScopeFor(kind)
	cred, err := SelectCredential(c.credentials, scope)
	if err != nil {
		return string(scope)
	}
	return cred.Name
}

// CheckRateLimits asks GitHub for the core budget of every configured
// credential and records it under the credential's bucket. A failing
// credential is logged and skipped.
func (c *Caller) CheckRateLimits(ctx context.Context, state *limiter.RateState) (map[string]limiter.Budget, error) {
	out := make(map[string]limiter.Budget, len(c.credentials))
	var firstErr error
	for _, cred := range c.credentials {
		b, err := c.coreBudget(ctx, cred)
		if err != nil {
			c.Logger.Warn(ctx, "Rate limit check for credential %q failed: %v", cred.Name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", cred.Name, err)
			}
			continue
		}
		if state != nil {
			state.Update(cred.Name, b.Limit, b.Remaining, b.ResetAt, b.UpdatedAt)
		}
		out[cred.Name] = b
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *Caller) coreBudget(ctx context.Context, cred Credential) (limiter.Budget, error) {
	gh, err := c.clientFor(cred)
	if err != nil {
		return limiter.Budget{}, err
	}
	limits, _, err := gh.RateLimit.Get(ctx)
	if err != nil {
		return limiter.Budget{}, classify(err, c.now())
	}
	core := limits.GetCore()
	if core == nil {
		return limiter.Budget{}, fmt.Errorf("rate limit response without core budget")
	}
	return limiter.Budget{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetAt:   core.Reset.Time.UTC(),
		UpdatedAt: c.now().UTC(),
	}, nil
}

func (c *Caller) perPage() int {
	if n := c.Config.GithubApi.PerPage; n > 0 && n <= 100 {
		return n
	}
	return 100
}

// PaginatedFetch requests the page at cursor for one entity kind.
func (c *Caller) PaginatedFetch(ctx context.Context, kind model.EntityKind, repo model.Repo, cursor model.Cursor) (*Page, error) {
	gh, err := c.client(ScopeFor(kind))
	if err != nil {
		return nil, err
	}
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	opts := github.ListOptions{Page: cursor.Page, PerPage: c.perPage()}
	if opts.Page < 1 {
		opts.Page = 1
	}

	var (
		items []Item
		resp  *github.Response
	)
	// releases, deployments and pull requests come newest first without a
	// since filter, so paging stops at the first item older than the window
	newestFirst := true
	switch kind {
	case model.KindCommits:
		var commits []*github.RepositoryCommit
		commits, resp, err = gh.Repositories.ListCommits(ctx, repo.User, repo.Name, &github.CommitsListOptions{
			Since:       cursor.Since,
			ListOptions: opts,
		})
		for _, cm := range commits {
			items = append(items, commitItem(cm))
		}
		newestFirst = false
	case model.KindPullRequests:
		var prs []*github.PullRequest
		prs, resp, err = gh.PullRequests.List(ctx, repo.User, repo.Name, &github.PullRequestListOptions{
			State:       "all",
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: opts,
		})
		for _, pr := range prs {
			items = append(items, pullRequestItem(pr))
		}
	case model.KindReleases:
		var releases []*github.RepositoryRelease
		releases, resp, err = gh.Repositories.ListReleases(ctx, repo.User, repo.Name, &opts)
		for _, r := range releases {
			items = append(items, releaseItem(r))
		}
	case model.KindDeployments:
		var deployments []*github.Deployment
		deployments, resp, err = gh.Repositories.ListDeployments(ctx, repo.User, repo.Name, &github.DeploymentsListOptions{
			ListOptions: opts,
		})
		for _, d := range deployments {
			items = append(items, deploymentItem(d))
		}
	case model.KindVulnerabilities:
		var alerts []*github.Alert
		alerts, resp, err = gh.CodeScanning.ListAlertsForRepo(ctx, repo.User, repo.Name, &github.AlertListOptions{
			ListOptions: opts,
		})
		for _, a := range alerts {
			items = append(items, alertItem(a))
		}
		// alerts are re-listed in full every run so resolved ones are seen
		newestFirst = false
		if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
			// code scanning not set up: nothing to index
			c.Logger.Debug(ctx, "No code scanning analysis for %s", repo.FullName())
			requestsTotal.WithLabelValues(string(kind), "empty").Inc()
			return &Page{Kind: kind, Rate: rateMeta(resp)}, nil
		}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	if err != nil {
		err = classify(err, c.now())
		requestsTotal.WithLabelValues(string(kind), outcomeLabel(err)).Inc()
		return nil, err
	}
	requestsTotal.WithLabelValues(string(kind), "ok").Inc()

	page := &Page{Kind: kind, Items: items, Rate: rateMeta(resp)}
	observed := cursor
	for _, it := range items {
		observed = observed.Observe(it.Timestamp())
	}
	more := resp != nil && resp.NextPage != 0 && len(items) > 0
	if more && newestFirst && !cursor.Since.IsZero() && items[len(items)-1].Timestamp().Before(cursor.Since) {
		more = false
	}
	if more {
		next := observed.NextPage()
		page.Next = &next
	}
	return page, nil
}

// Repository looks up a repository for registration.
func (c *Caller) Repository(ctx context.Context, owner, name string) (*RepositoryInfo, error) {
	gh, err := c.client(ScopeRepository)
	if err != nil {
		return nil, err
	}
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	r, _, err := gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classify(err, c.now())
	}
	return &RepositoryInfo{
		ID:            r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
	}, nil
}

// Languages returns bytes of code per language.
func (c *Caller) Languages(ctx context.Context, owner, name string) (map[string]int, error) {
	gh, err := c.client(ScopeRepository)
	if err != nil {
		return nil, err
	}
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	langs, _, err := gh.Repositories.ListLanguages(ctx, owner, name)
	if err != nil {
		return nil, classify(err, c.now())
	}
	return langs, nil
}

func rateMeta(resp *github.Response) RateMeta {
	if resp == nil || resp.Rate.Limit == 0 {
		return RateMeta{}
	}
	return RateMeta{
		Known:     true,
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		ResetAt:   resp.Rate.Reset.Time.UTC(),
	}
}
