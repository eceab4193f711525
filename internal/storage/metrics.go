package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oplog",
		Name:      "append_seconds",
		Help:      "Latency for appending operation records to the op log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oplog",
		Name:      "replay_seconds",
		Help:      "Latency for replaying op log batches per document.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	backlogEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "oplog",
		Name:      "backlog_entries",
		Help:      "Op log entries beyond the last checkpoint per document.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(appendLatency, replayLatency, backlogEntries)
}
