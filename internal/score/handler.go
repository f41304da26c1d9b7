package score

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/kafka"
)

// IndexEventHandler recomputes the score of the repository named in a
// vulnerabilities.indexed message. A missing size is not an error.
func (c *Calculator) IndexEventHandler(sizes *SizeProvider) kafka.Handler {
	return func(ctx context.Context, value []byte) error {
		var event model.IndexEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("decode index event: %w", err)
		}
		if event.Kind != model.KindVulnerabilities {
			return nil
		}

		_, err := c.ComputeFor(ctx, sizes, event.RepositoryID)
		switch {
		case errors.Is(err, ErrSizeUnavailable):
			return nil
		case errors.Is(err, model.ErrNotFound):
			c.Logger.Warn(ctx, "Repository %d from %s is gone, nothing to score", event.RepositoryID, model.EventVulnerabilitiesIndexed)
			return nil
		}
		return err
	}
}
