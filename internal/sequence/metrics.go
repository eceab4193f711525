package sequence

import "github.com/prometheus/client_golang/prometheus"

const (
	originLocal  = "local"
	originRemote = "remote"
)

var (
	opsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequence",
		Name:      "ops_applied_total",
		Help:      "Sequence operations applied, by op type and origin.",
	}, []string{"type", "origin"})

	opsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequence",
		Name:      "ops_rejected_total",
		Help:      "Sequence operations rejected without mutating the document.",
	}, []string{"reason"})

	tombstonesCompacted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sequence",
		Name:      "tombstones_compacted_total",
		Help:      "Tombstoned nodes physically removed by compaction.",
	})
)

func init() {
	prometheus.MustRegister(opsApplied, opsRejected, tombstonesCompacted)
}
