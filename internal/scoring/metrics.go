package scoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForwardDuration tracks time spent in a full forward pass per model kind
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autograder_forward_duration_seconds",
		Help:    "Time spent in a full forward pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"model"})

	// LossTerm holds the latest value of every loss term
	LossTerm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autograder_loss_term",
		Help: "Latest value of each loss term",
	}, []string{"model", "term"})

	// DegenerateTerms counts loss terms whose mask selected no entries
	DegenerateTerms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autograder_degenerate_loss_terms_total",
		Help: "Loss terms whose mask selected no entries",
	}, []string{"term"})
)
