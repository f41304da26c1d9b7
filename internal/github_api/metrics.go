package githubapi

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gitpulse_github_requests_total",
	Help: "GitHub listing requests by entity kind and outcome",
}, []string{"kind", "outcome"})

func outcomeLabel(err error) string {
	var rl *RateLimitError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.Is(err, ErrAuth):
		return "auth"
	default:
		return "error"
	}
}
