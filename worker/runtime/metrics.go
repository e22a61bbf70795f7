package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lockHoldSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_worker_lock_hold_seconds",
			Help:    "Time the runtime lock was held per operation (seconds).",
			Buckets: []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	blocksProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_worker_blocks_processed",
			Help: "Number of blocks applied to chain storage.",
		},
	)
	unhandledMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_worker_unhandled_messages",
			Help: "Number of inbound messages dropped with no registered consumer.",
		},
	)
	checkpointsTaken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_worker_checkpoints_taken",
			Help: "Number of checkpoints persisted.",
		},
	)

	workerCollectors = []prometheus.Collector{
		lockHoldSeconds,
		blocksProcessed,
		unhandledMessages,
		checkpointsTaken,
	}

	metricsOnce sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(workerCollectors...)
	})
}
