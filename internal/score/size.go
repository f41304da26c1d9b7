package score

import (
	"context"
	"errors"
	"fmt"

	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/log"
)

// bytesPerLine converts language byte counts into an approximate line count.
const bytesPerLine = 40

type RepositorySizes interface {
	Get(ctx context.Context, id int64) (*model.Repo, error)
	SetSize(ctx context.Context, id int64, kloc float64) error
}

type LanguageSource interface {
	Languages(ctx context.Context, owner, name string) (map[string]int, error)
}

// SizeProvider answers a repository's size in KLOC: the stored value when
// present, otherwise an estimate from the remote language breakdown which is
// then stored.
type SizeProvider struct {
	Logger    log.Logger
	repos     RepositorySizes
	languages LanguageSource
}

func NewSizeProvider(logger log.Logger, repos RepositorySizes, languages LanguageSource) *SizeProvider {
	return &SizeProvider{Logger: logger, repos: repos, languages: languages}
}

// SizeKLOC returns nil without error when the size cannot be determined.
func (p *SizeProvider) SizeKLOC(ctx context.Context, repositoryID int64) (*float64, error) {
	repo, err := p.repos.Get(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo.SizeKLOC != nil {
		return repo.SizeKLOC, nil
	}
	if p.languages == nil {
		return nil, nil
	}

	langs, err := p.languages.Languages(ctx, repo.User, repo.Name)
	if err != nil {
		p.Logger.Warn(ctx, "Cannot estimate size of %s: %v", repo.FullName(), err)
		return nil, nil
	}
	total := 0
	for _, n := range langs {
		total += n
	}
	if total == 0 {
		return nil, nil
	}

	kloc := float64(total) / bytesPerLine / 1000
	if err := p.repos.SetSize(ctx, repositoryID, kloc); err != nil {
		p.Logger.Warn(ctx, "Failed to store size of %s: %v", repo.FullName(), err)
	}
	return &kloc, nil
}

// ComputeFor resolves the size and computes the score in one step.
func (c *Calculator) ComputeFor(ctx context.Context, sizes *SizeProvider, repositoryID int64) (*model.SecurityScoreSnapshot, error) {
	size, err := sizes.SizeKLOC(ctx, repositoryID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("size of repository %d: %w", repositoryID, err)
	}
	return c.Compute(ctx, repositoryID, size)
}
