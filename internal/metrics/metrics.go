// Package metrics registers the Prometheus metrics used by the relay.
// All collectors are registered with the default registry at init time, so
// the server only needs to mount promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Catalog and backend listing.
var (
	// ModelListRequests counts per-backend model listing outcomes labelled by
	// backend index and result ("ok", "error", "synthesized", "disabled").
	ModelListRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_model_list_requests_total",
			Help: "Backend model listing calls by outcome.",
		},
		[]string{"backend", "result"},
	)

	// CatalogBuilds counts aggregated catalog rebuilds.
	CatalogBuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_catalog_builds_total",
			Help: "Total aggregated catalog rebuilds.",
		},
	)

	// CatalogModels is the number of entries in the most recent catalog.
	CatalogModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_catalog_models",
			Help: "Number of models in the current aggregated catalog.",
		},
	)
)

// Dispatch.
var (
	// DispatchRequests counts chat completion dispatches by backend, mode
	// ("stream", "buffered") and outcome ("success", "error", "not_found",
	// "forbidden").
	DispatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_requests_total",
			Help: "Chat completion dispatches by outcome.",
		},
		[]string{"backend", "mode", "outcome"},
	)

	// DispatchDuration observes the time until the upstream response headers
	// (stream) or the full body (buffered) arrived.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Upstream chat completion latency in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend", "mode"},
	)

	// UpstreamErrors counts upstream failures by HTTP status ("0" when the
	// backend was unreachable).
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Upstream failures by status code.",
		},
		[]string{"backend", "status"},
	)

	// ActiveStreams is the number of streamed responses currently held open.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Streamed upstream responses currently open.",
		},
	)
)

// RAG session.
var (
	// RAGQueries counts RAG queries by outcome ("answered", "capped",
	// "guidance", "error").
	RAGQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rag_queries_total",
			Help: "RAG queries by outcome.",
		},
		[]string{"outcome"},
	)

	// EngineReloads counts RAG engine reconstructions by result.
	EngineReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rag_engine_reloads_total",
			Help: "RAG engine reconstructions by result.",
		},
		[]string{"result"},
	)

	// RateLimitRejections counts requests rejected by the inbound token
	// bucket middleware, labelled by key_type ("caller", "ip").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"key_type"},
	)
)
