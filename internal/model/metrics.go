package model

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in specific model layers
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stride_layer_duration_seconds",
		Help:    "Time spent in specific model layers",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
	}, []string{"layer_type", "backend"})

	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_forward_total",
		Help: "Forward passes by attention mode and outcome",
	}, []string{"mode", "status"})

	tokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_tokens_total",
		Help: "Total number of input tokens processed by forward passes",
	})
)

func (c *Context) observe(layer string, start time.Time) {
	LayerDuration.WithLabelValues(layer, c.backend.Name()).Observe(time.Since(start).Seconds())
}
