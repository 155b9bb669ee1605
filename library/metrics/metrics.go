// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderRequests counts provider invocations by outcome kind ("success" or an error kind).
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_provider_requests_total",
			Help: "Total number of provider invocations by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderDuration observes how long each provider took to settle.
	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_provider_duration_seconds",
			Help:    "Duration of provider invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// AggregateRecords observes how many records an aggregate call returned.
	AggregateRecords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregator_result_records",
			Help:    "Number of records returned per aggregate call",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		},
	)

	// CacheFallbacks counts aggregate calls answered from the result cache.
	CacheFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_cache_fallbacks_total",
			Help: "Aggregate calls answered from cache because every provider failed",
		},
	)

	// CircuitBreakerState tracks breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts breaker state transitions.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// SinkQueueDepth reports jobs waiting in the persistence queue.
	SinkQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_sink_queue_depth",
			Help: "Jobs waiting in the persistence queue",
		},
	)

	// SinkJobs counts settled persistence jobs by result ("ok", "retry", "dead_letter", "rejected").
	SinkJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_sink_jobs_total",
			Help: "Persistence jobs by result",
		},
		[]string{"result"},
	)

	// SinkInserted counts rows newly written by the sink.
	SinkInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_sink_inserted_total",
			Help: "Records newly inserted into the durable store",
		},
	)

	// SummaryRequests counts summary calls by mode and result.
	SummaryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_summary_requests_total",
			Help: "Summary syntheses by mode and result",
		},
		[]string{"mode", "result"},
	)
)
