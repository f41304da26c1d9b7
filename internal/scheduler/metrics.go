package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitpulse_restart_jobs_total",
		Help: "Resumable jobs handled by the restart sweep, by outcome",
	}, []string{"outcome"})

	triggerDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitpulse_trigger_dispatches_total",
		Help: "Repositories dispatched by the daily trigger",
	}, []string{"mode"})
)
