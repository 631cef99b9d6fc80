package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// passDuration tracks one Load, Plan or Run pass over the model code
	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weft_pass_duration_seconds",
		Help:    "Time spent in one graph pass",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"phase"})

	forwardTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_forward_tokens_total",
		Help: "Total number of tokens fed through forward passes",
	})

	tokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_tokens_generated_total",
		Help: "Total number of tokens produced by generation",
	})

	poolWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_executor_pool_waits_total",
		Help: "Number of times a caller waited for a free executor",
	})
)
