package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_pool_hits_total",
		Help: "Total number of successful scratch buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})

	matmulFlops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_matmul_flops_total",
		Help: "Floating point operations issued to matmul kernels",
	}, []string{"backend"})
)
