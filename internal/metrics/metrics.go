// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnrichmentTotal counts finished enrichment tasks by result
	// (enriched, failed, stale, rejected).
	EnrichmentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrikeeper_enrichment_total",
		Help: "Enrichment tasks by result",
	}, []string{"result"})

	EnrichmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nutrikeeper_enrichment_duration_seconds",
		Help:    "Time from dequeue to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nutrikeeper_enrichment_queue_depth",
		Help: "Tasks waiting for a worker",
	})

	// ReportCache counts report lookups by outcome (hit, miss) and reason.
	ReportCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrikeeper_report_cache_total",
		Help: "Report cache lookups by outcome and reason",
	}, []string{"outcome", "reason"})

	ReportRegenerations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nutrikeeper_report_regenerations_total",
		Help: "Fresh reports written to the cache",
	})

	// ParseStage counts model answers by the parser stage that accepted them.
	ParseStage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrikeeper_model_parse_total",
		Help: "Model answers by schema and parse stage",
	}, []string{"schema", "stage"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nutrikeeper_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
)
