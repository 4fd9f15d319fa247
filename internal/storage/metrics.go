package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	fetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "fetch_seconds",
		Help:      "Latency for fetching snapshots from the backend.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	storeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "store_seconds",
		Help:      "Latency for writing snapshots to the backend.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	fetchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "fetch_total",
		Help:      "Snapshot fetches by result (hit, miss, error).",
	}, []string{"result"})

	storeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "store_total",
		Help:      "Snapshot writes by result (ok, error).",
	}, []string{"result"})

	snapshotBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "snapshot_bytes",
		Help:      "Size of snapshots written to the backend.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
	})

	tracer = otel.Tracer("github.com/example/collab-sync/storage")
)

func init() {
	prometheus.MustRegister(fetchLatency, storeLatency, fetchResults, storeResults, snapshotBytes)
}
