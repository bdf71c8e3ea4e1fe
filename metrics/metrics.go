package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragserve_queries_total",
		Help: "Completed queries by tenant and outcome.",
	}, []string{"tenant", "outcome"})

	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragserve_query_duration_seconds",
		Help:    "End-to-end query latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragserve_cache_hits_total",
		Help: "Query responses served from the response cache.",
	})

	IngestDocumentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragserve_ingest_documents_total",
		Help: "Ingested documents by terminal status.",
	}, []string{"status"})

	IngestChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragserve_ingest_chunks_total",
		Help: "Chunks committed across all ingests.",
	})

	IndexCacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragserve_index_cache_evictions_total",
		Help: "Tenant indexes evicted from the resident cache.",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragserve_rate_limited_total",
		Help: "Requests denied by the per-tenant rate limiter.",
	})
)
