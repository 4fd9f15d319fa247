package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent resolving the document and upgrading to WebSocket.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"result"})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket sessions per document.",
	}, []string{"document"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_received_total",
		Help:      "Inbound frames by kind.",
	}, []string{"kind"})

	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_sent_total",
		Help:      "Outbound frames by kind.",
	}, []string{"kind"})

	broadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "broadcast_recipients",
		Help:      "Sessions reached by one merged change.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, framesReceived, framesSent, broadcastFanout)
}
