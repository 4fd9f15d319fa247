package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	mergeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "merge_seconds",
		Help:      "Time spent merging remote sync messages into a document.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	loadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "load_seconds",
		Help:      "Time spent decoding durable snapshots.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	mergeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "merge_errors_total",
		Help:      "Rejected sync messages and updates.",
	}, []string{"kind"})

	genesisFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "genesis_failures_total",
		Help:      "Documents created without the shared genesis change.",
	})
)

func init() {
	prometheus.MustRegister(mergeLatency, loadLatency, mergeErrors, genesisFailures)
}
