// Package monitoring exposes the Prometheus metrics surface for the
// coordinator, worker pool, distributed GC, and resolver subsystems.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram this node publishes.
type Metrics struct {
	// CRDT / coordinator
	OpsProcessed        *prometheus.CounterVec
	MergeConflicts       prometheus.Counter
	MergeRejections      prometheus.Counter
	WriteLatency         *prometheus.HistogramVec
	ActiveConnections    prometheus.Gauge
	ActiveSubscriptions  prometheus.Gauge

	// Merkle / anti-entropy
	DigestRebuildDuration prometheus.Histogram
	DigestDiffBuckets     prometheus.Counter

	// Worker pool
	WorkerPoolQueueDepth prometheus.Gauge
	WorkerPoolActive     prometheus.Gauge
	WorkerPoolIdle       prometheus.Gauge
	WorkerTaskDuration    *prometheus.HistogramVec
	WorkerTaskFailures    prometheus.Counter

	// Distributed GC
	GCTombstonesPruned prometheus.Counter
	GCWatermarkMillis  prometheus.Gauge

	// Sandboxed hooks
	ResolverLatency *prometheus.HistogramVec
	ResolverTimeouts prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	ErrorCount  prometheus.Counter
	IndexSize   prometheus.Gauge
}

// NewMetrics registers and returns every metric series for this process.
func NewMetrics() *Metrics {
	return &Metrics{
		OpsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "latticedb_ops_processed_total",
			Help: "Total number of CRDT operations processed, by op type.",
		}, []string{"op_type"}),
		MergeConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_merge_conflicts_total",
			Help: "Total number of concurrent-write merge conflicts detected.",
		}),
		MergeRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_merge_rejections_total",
			Help: "Total number of remote merges rejected by a conflict resolver.",
		}),
		WriteLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latticedb_write_latency_seconds",
			Help:    "Write latency distribution by write concern achieved.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"achieved_level"}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "latticedb_active_connections",
			Help: "Number of live client connections.",
		}),
		ActiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "latticedb_active_subscriptions",
			Help: "Number of live query/live-query/search/topic subscriptions.",
		}),
		DigestRebuildDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "latticedb_digest_rebuild_duration_seconds",
			Help:    "Time taken to fully rebuild a map's Merkle digest.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		DigestDiffBuckets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_digest_diff_buckets_total",
			Help: "Total number of differing buckets found during anti-entropy diffs.",
		}),
		WorkerPoolQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "latticedb_worker_pool_queue_depth",
			Help: "Current number of queued worker-pool tasks.",
		}),
		WorkerPoolActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "latticedb_worker_pool_active_workers",
			Help: "Current number of busy workers.",
		}),
		WorkerPoolIdle: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "latticedb_worker_pool_idle_workers",
			Help: "Current number of idle workers.",
		}),
		WorkerTaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latticedb_worker_task_duration_seconds",
			Help:    "Worker task duration distribution by task type.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"task_type"}),
		WorkerTaskFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_worker_task_failures_total",
			Help: "Total number of worker tasks that failed, timed out, or crashed.",
		}),
		GCTombstonesPruned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_gc_tombstones_pruned_total",
			Help: "Total number of tombstones pruned by the distributed GC pass.",
		}),
		GCWatermarkMillis: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "latticedb_gc_watermark_millis",
			Help: "Current cluster-wide GC cutoff, in epoch milliseconds.",
		}),
		ResolverLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latticedb_resolver_latency_seconds",
			Help:    "Conflict resolver execution latency distribution.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"map_name"}),
		ResolverTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_resolver_timeouts_total",
			Help: "Total number of resolver executions that exceeded resolverTimeoutMs.",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_cache_hits_total",
			Help: "Total number of cache hits.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_cache_misses_total",
			Help: "Total number of cache misses.",
		}),
		ErrorCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "latticedb_errors_total",
			Help: "Total number of errors surfaced to clients.",
		}),
		IndexSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "latticedb_index_size_bytes",
			Help: "Size of the search index in bytes.",
		}),
	}
}
