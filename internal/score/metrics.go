package score

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scoresComputed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gitpulse_scores_computed_total",
	Help: "Security score calculations by result",
}, []string{"result"})
