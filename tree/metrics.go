package tree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var branchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamtree_branch_cache_hits_total",
	Help: "Branch loads served from the branch cache",
})

var branchCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamtree_branch_cache_misses_total",
	Help: "Branch loads which had to go to the block store",
})

var blocksRead = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamtree_blocks_read_total",
	Help: "Tree blocks fetched from the block store, by node kind",
}, []string{"kind"})

var blocksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamtree_blocks_written_total",
	Help: "Tree blocks written to the block store, by node kind",
}, []string{"kind"})

var bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamtree_bytes_written_total",
	Help: "Total size of tree blocks written to the block store",
})

var nodesSealed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamtree_nodes_sealed_total",
	Help: "Leaves and branches sealed by stream builders",
}, []string{"kind"})

var extendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "streamtree_extend_duration_seconds",
	Help:    "A histogram of Transaction.Extend latencies",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
})

func kindLabel(n Node) string {
	if n.Level() == 0 {
		return "leaf"
	}
	return "branch"
}
