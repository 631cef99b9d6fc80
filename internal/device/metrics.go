package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_buffer_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_buffer_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	allocatedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_allocated_bytes_total",
		Help: "Total bytes handed out by backend allocators",
	})

	liveBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_live_bytes",
		Help: "Bytes currently held by tensors across backends",
	})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weft_op_execute_seconds",
		Help:    "Operator execute latency",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"op_type", "backend"})

	cpuFeatures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weft_cpu_feature",
		Help: "CPU features detected at backend start (1 = present)",
	}, []string{"feature"})
)
