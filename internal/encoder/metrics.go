package encoder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in specific encoder layers
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autograder_encoder_layer_duration_seconds",
		Help:    "Time spent in specific encoder layers",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	}, []string{"layer_type"})

	// CacheRequests counts encoding cache lookups by result (hit or miss).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autograder_encoder_cache_requests_total",
		Help: "Encoding cache lookups by result",
	}, []string{"result"})
)
