// Package metrics provides Prometheus collectors and the rolling query
// statistics served by /metrics/json.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fusionrank"

var (
	// QueryTotal counts served queries.
	// Labels: endpoint (rest, mcp, cli), cache_hit (full, feature, none)
	QueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rag_query_total",
			Help:      "Total RAG queries processed",
		},
		[]string{"endpoint", "cache_hit"},
	)

	// QueryLatency tracks end-to-end query latency.
	QueryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rag_query_latency_seconds",
			Help:      "Latency for RAG query processing (fusion end-to-end)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		},
	)

	// StageDuration tracks time spent per pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each query pipeline stage in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		},
		[]string{"stage"},
	)

	// PartialResults counts responses cut short by the request deadline.
	PartialResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_results_total",
			Help:      "Responses returned with partial=true",
		},
	)

	// DegradedScoring counts responses scored without a full LTR model or
	// without conceptual vectors.
	DegradedScoring = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_scoring_total",
			Help:      "Responses returned with degraded=true",
		},
	)

	// CacheLookups counts cache lookups.
	// Labels: tier (feature, response), result (hit, miss, stale)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// ExperimentActivations counts successful experiment activations.
	ExperimentActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_activations_total",
			Help:      "Scoring experiments activated",
		},
	)

	// InteractionsAppended counts interaction events written to the log.
	// Labels: kind (impression, click, dwell)
	InteractionsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_appended_total",
			Help:      "Interaction events appended",
		},
		[]string{"kind"},
	)

	// MaintenanceRuns counts maintenance task executions.
	// Labels: task, outcome (success, error)
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance task runs by outcome",
		},
		[]string{"task", "outcome"},
	)

	// DocumentsIngested counts ingestion outcomes.
	// Labels: outcome (created, unchanged, error)
	DocumentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Documents processed by the ingester",
		},
		[]string{"outcome"},
	)
)
