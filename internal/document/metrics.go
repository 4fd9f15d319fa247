package document

import "github.com/prometheus/client_golang/prometheus"

var (
	loadedDocuments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "document",
		Name:      "loaded",
		Help:      "Documents currently held in memory.",
	})

	coldLoads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "document",
		Name:      "cold_loads_total",
		Help:      "Documents populated from durable storage.",
	})

	loadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "document",
		Name:      "load_errors_total",
		Help:      "Stored snapshots that could not be decoded.",
	})
)

func init() {
	prometheus.MustRegister(loadedDocuments, coldLoads, loadErrors)
}
