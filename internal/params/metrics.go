package params

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	parameterTensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stride_parameter_tensors",
		Help: "Number of parameter tensors in the most recently grown store",
	})

	parameterCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_parameters_created_total",
		Help: "Total number of learnable scalars allocated across stores",
	})
)
