package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	upgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	activeSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "sessions",
		Help:      "Active sessions per document.",
	}, []string{"document"})

	sendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames per document.",
	}, []string{"document"})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped because a session's buffer was full.",
	}, []string{"document"})

	framesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_rejected_total",
		Help:      "Inbound frames discarded at the validation boundary.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(upgradeLatency, activeSessions, sendQueueDepth, framesDropped, framesRejected)
}

var tracer = otel.Tracer("github.com/example/shared-state-engine/ws")
