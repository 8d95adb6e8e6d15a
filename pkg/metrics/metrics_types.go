package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the shard store
type Registry struct {
	// Storage Metrics
	StorageBlocksAllocated   prometheus.Gauge
	StorageBlockReads        *prometheus.CounterVec
	StorageBlockWrites       prometheus.Counter
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageWALBytesTotal     *prometheus.CounterVec
	StorageCacheHitsTotal    prometheus.Counter
	StorageCacheMissesTotal  prometheus.Counter
	StorageTransactionsTotal *prometheus.CounterVec

	// Delete Queue Metrics
	QueueAppendsTotal          *prometheus.CounterVec
	QueueDumpsTotal            *prometheus.CounterVec
	QueueKeysDumpedTotal       prometheus.Counter
	QueueClockRegressionsTotal prometheus.Counter
	QueueIndexRecords          *prometheus.GaugeVec
	QueueBlobBytes             *prometheus.GaugeVec

	// Replication Metrics
	ReplicationBackfillRequestsTotal *prometheus.CounterVec
	ReplicationBackfillKeysTotal     *prometheus.CounterVec
	ReplicationBackfillBytesTotal    *prometheus.CounterVec
	ReplicationBackfillDuration      prometheus.Histogram
	ReplicationConnectedReplicas     prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initStorageMetrics()
	r.initQueueMetrics()
	r.initReplicationMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
