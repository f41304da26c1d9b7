package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitpulse_indexed_items_total",
		Help: "Entities written by index runs",
	}, []string{"kind"})

	itemsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitpulse_skipped_items_total",
		Help: "Remote items dropped as invalid",
	}, []string{"kind"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gitpulse_index_run_seconds",
		Help:    "Duration of index runs by final status",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind", "status"})
)
