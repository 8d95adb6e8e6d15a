package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationBackfillRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_replication_backfill_requests_total",
			Help: "Total number of backfill requests served",
		},
		[]string{"status"}, // ok, error
	)

	r.ReplicationBackfillKeysTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_replication_backfill_keys_total",
			Help: "Total number of deleted keys shipped during backfill",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationBackfillBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardstore_replication_backfill_bytes_total",
			Help: "Backfill throughput in bytes (compressed frames on the wire)",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationBackfillDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardstore_replication_backfill_duration_seconds",
			Help:    "Time to serve a single backfill request",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.ReplicationConnectedReplicas = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "shardstore_replication_connected_replicas",
			Help: "Number of currently connected replicas",
		},
	)
}
