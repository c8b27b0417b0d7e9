// Package metrics exposes prometheus instrumentation for the matcher.
// Metrics register on the default registry via promauto; exposition (if any)
// is the embedding application's business.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MatchesTotal counts completed matching calls, labeled by mode
	// ("dense" or "sparse").
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dgmc_matches_total",
			Help: "Total number of completed matching calls",
		},
		[]string{"mode"},
	)

	// RefinementStepsTotal counts executed consensus refinement steps.
	RefinementStepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dgmc_refinement_steps_total",
			Help: "Total number of consensus refinement steps executed",
		},
	)

	// MatchDuration measures full matching calls, labeled by mode.
	MatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dgmc_match_duration_seconds",
			Help:    "Duration of matching calls in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		},
		[]string{"mode"},
	)

	// TopKBuildDuration measures candidate-index construction per batch
	// element in sparse mode.
	TopKBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dgmc_topk_build_duration_seconds",
			Help:    "Duration of top-k index construction in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
	)
)
