package validator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semneeds_cache_lookups_total",
		Help: "Need result cache lookups by engine and result",
	}, []string{"engine", "result"})

	cacheInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semneeds_cache_invalidations_total",
		Help: "Cached need results evicted by incremental validation",
	}, []string{"engine"})

	warningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semneeds_warnings_total",
		Help: "Top-level warnings produced by freshly computed results, by rule",
	}, []string{"engine", "rule"})

	validationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semneeds_validation_duration_seconds",
		Help:    "Duration of a validation pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine", "mode"})
)
