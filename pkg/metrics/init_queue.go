package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initQueueMetrics() {
	r.QueueAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_delete_queue_appends_total",
			Help: "Total number of keys appended to delete queues",
		},
		[]string{"status"}, // ok, error
	)

	r.QueueDumpsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_delete_queue_dumps_total",
			Help: "Total number of delete queue dump operations",
		},
		[]string{"status"}, // ok, empty, error
	)

	r.QueueKeysDumpedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardstore_delete_queue_keys_dumped_total",
			Help: "Total number of keys streamed out of delete queues",
		},
	)

	r.QueueClockRegressionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardstore_delete_queue_clock_regressions_total",
			Help: "Times an append arrived with a timestamp older than the last index record",
		},
	)

	r.QueueIndexRecords = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardstore_delete_queue_index_records",
			Help: "Number of timestamp index records per shard",
		},
		[]string{"shard"},
	)

	r.QueueBlobBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardstore_delete_queue_blob_bytes",
			Help: "Size of the key blob per shard in bytes",
		},
		[]string{"shard"},
	)
}
