package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTurnsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_engine_turns_ingested_total",
		Help: "Turns appended to the active window.",
	})
	metricDocumentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_engine_documents_ingested_total",
		Help: "Documents added to the retrieval index.",
	})
	metricEntitiesExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_engine_entities_extracted_total",
		Help: "Entities extracted from ingested turns.",
	})
	metricConsolidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_engine_consolidations_total",
		Help: "Window consolidations into compressed memory.",
	})
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_engine_semantic_cache_hits_total",
		Help: "Context assemblies served from the semantic cache.",
	})
	metricAssemblyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_engine_assembly_duration_seconds",
		Help:    "Wall time of context assembly.",
		Buckets: prometheus.DefBuckets,
	})
	metricTierDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_engine_tier_degraded_total",
		Help: "Tier renders that timed out or fell back during assembly.",
	}, []string{"tier"})
)
