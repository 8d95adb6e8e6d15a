package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	r.StorageBlocksAllocated = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "shardstore_storage_blocks_allocated",
			Help: "Number of blocks allocated in the store file",
		},
	)

	r.StorageBlockReads = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_storage_block_reads_total",
			Help: "Total number of block reads",
		},
		[]string{"source"}, // cache, mmap, file
	)

	r.StorageBlockWrites = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardstore_storage_block_writes_total",
			Help: "Total number of block writes flushed to the store file",
		},
	)

	r.StorageOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	r.StorageOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardstore_storage_operation_duration_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	r.StorageWALBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_storage_wal_bytes_total",
			Help: "Bytes written to the write-ahead log",
		},
		[]string{"kind"}, // raw, compressed
	)

	r.StorageCacheHitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardstore_storage_cache_hits_total",
			Help: "Block cache hits",
		},
	)

	r.StorageCacheMissesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardstore_storage_cache_misses_total",
			Help: "Block cache misses",
		},
	)

	r.StorageTransactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_storage_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"}, // committed, rolled_back
	)
}
