// Package metrics holds the pipeline's Prometheus instruments. They are
// registered on a dedicated registry so embedding programs decide
// whether and where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry collects every pipeline metric.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// JobsProcessed counts terminal job outcomes, labelled finished/failed.
	JobsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "hsds_jobs_processed_total",
		Help: "Alignment jobs that reached a terminal state.",
	}, []string{"status"})

	// JobsDeferred counts pre-flight deferrals while auth/quota state is
	// unhealthy.
	JobsDeferred = factory.NewCounter(prometheus.CounterOpts{
		Name: "hsds_jobs_deferred_total",
		Help: "Jobs re-scheduled without execution because the provider session was unhealthy.",
	})

	// CacheHits counts content-store short circuits.
	CacheHits = factory.NewCounter(prometheus.CounterOpts{
		Name: "hsds_content_cache_hits_total",
		Help: "Jobs answered from a previously stored alignment result.",
	})

	// ProviderCalls counts generate calls by outcome.
	ProviderCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "hsds_provider_calls_total",
		Help: "Provider generate calls.",
	}, []string{"outcome"})

	// AlignmentAttempts observes how many attempts each successful
	// alignment needed.
	AlignmentAttempts = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "hsds_alignment_attempts",
		Help:    "Attempts used per successful alignment.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	// AlignmentConfidence observes final confidence scores.
	AlignmentConfidence = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "hsds_alignment_confidence",
		Help:    "Final confidence of successful alignments.",
		Buckets: prometheus.LinearBuckets(0.5, 0.05, 11),
	})
)

// Provider call outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeAuth  = "auth_failed"
	OutcomeQuota = "quota_exceeded"
)
