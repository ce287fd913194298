package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	throughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stride_engine_throughput",
		Help: "Engine throughput in sequences per second for the last batch",
	}, []string{"backend"})

	batchTime = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stride_engine_batch_time_seconds",
		Help: "Last batch processing time in seconds",
	}, []string{"backend"})

	batchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_engine_batch_count_total",
		Help: "Total number of batches run by the engine",
	}, []string{"backend"})

	sequencesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_engine_sequences_total",
		Help: "Total number of sequences computed by the engine (cache misses included, hits excluded)",
	}, []string{"backend"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_cache_hits_total",
		Help: "Total number of sequences served from the result cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_cache_misses_total",
		Help: "Total number of sequences not found in the result cache",
	})
)
