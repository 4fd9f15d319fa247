package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapshot",
		Name:      "pending_writes",
		Help:      "Documents with a debounced write scheduled.",
	})

	debounceDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "debounce_delay_seconds",
		Help:      "Time between the first change of a burst and its write.",
		Buckets:   prometheus.LinearBuckets(0.5, 1, 12),
	})

	writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "writes_total",
		Help:      "Snapshot writes by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(pendingWrites, debounceDelay, writes)
}
