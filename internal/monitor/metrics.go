package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gitpulse_rate_limit_events_total",
	Help: "Runs stopped by remote rate-limit exhaustion",
}, []string{"kind"})
