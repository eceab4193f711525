package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "apply_record_seconds",
		Help:      "Time spent applying op log records to replica state.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	documentsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "documents",
		Help:      "Number of documents loaded in memory.",
	})
)

func init() {
	prometheus.MustRegister(applyLatency, documentsLoaded)
}
