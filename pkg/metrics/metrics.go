package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobusage_build_info",
		Help: "Build information of the job usage service",
	}, []string{"version", "commit", "date"})

	IngestCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobusage_ingest_cycles_total", Help: "Total ingestion cycles by result.",
	}, []string{"result"})
	IngestCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobusage_ingest_cycle_duration_seconds",
		Help:    "Duration of ingestion cycles.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})
	IngestFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobusage_ingest_files_total", Help: "Files handled by ingestion by outcome.",
	}, []string{"outcome"})
	IngestFactsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobusage_ingest_facts_inserted_total", Help: "Total usage facts inserted.",
	})
	IngestFilesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobusage_ingest_files_in_flight", Help: "Files currently being loaded.",
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobusage_cache_requests_total", Help: "Cache lookups by cache and result (hit, stale, miss).",
	}, []string{"cache", "result"})
	CacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobusage_cache_loads_total", Help: "Cache loads by cache, mode (sync, refresh) and result.",
	}, []string{"cache", "mode", "result"})
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobusage_cache_invalidations_total", Help: "Full cache invalidations.",
	}, []string{"cache"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobusage_query_duration_seconds",
		Help:    "Duration of usage queries by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobusage_http_requests_total", Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
)
