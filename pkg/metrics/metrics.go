package metrics

import (
	"strconv"
	"time"
)

// RecordStorageOperation records a storage operation
func (r *Registry) RecordStorageOperation(operation, status string, duration time.Duration) {
	r.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	r.StorageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheAccess records a block cache hit or miss
func (r *Registry) RecordCacheAccess(hit bool) {
	if hit {
		r.StorageCacheHitsTotal.Inc()
	} else {
		r.StorageCacheMissesTotal.Inc()
	}
}

// RecordQueueAppend records a delete queue append
func (r *Registry) RecordQueueAppend(status string) {
	r.QueueAppendsTotal.WithLabelValues(status).Inc()
}

// RecordQueueDump records a delete queue dump with the number of keys delivered
func (r *Registry) RecordQueueDump(status string, keys int) {
	r.QueueDumpsTotal.WithLabelValues(status).Inc()
	if keys > 0 {
		r.QueueKeysDumpedTotal.Add(float64(keys))
	}
}

// UpdateQueueSize updates the per-shard queue size gauges
func (r *Registry) UpdateQueueSize(shard uint32, indexRecords int64, blobBytes int64) {
	label := strconv.FormatUint(uint64(shard), 10)
	r.QueueIndexRecords.WithLabelValues(label).Set(float64(indexRecords))
	r.QueueBlobBytes.WithLabelValues(label).Set(float64(blobBytes))
}

// RecordBackfillServed records a served backfill request
func (r *Registry) RecordBackfillServed(status string, keys int, bytes int, duration time.Duration) {
	r.ReplicationBackfillRequestsTotal.WithLabelValues(status).Inc()
	r.ReplicationBackfillKeysTotal.WithLabelValues("sent").Add(float64(keys))
	r.ReplicationBackfillBytesTotal.WithLabelValues("sent").Add(float64(bytes))
	r.ReplicationBackfillDuration.Observe(duration.Seconds())
}
