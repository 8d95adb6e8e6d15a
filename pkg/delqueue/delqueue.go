package delqueue

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
	"github.com/dd0wney/cluso-shardstore/pkg/largebuf"
	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
)

// Queue provides the delete queue operations over one store. The queue root
// block id identifies a shard's queue; all operations on one root are
// serialized by its block lock.
type Queue struct {
	store   *blockcache.Store
	layout  Layout
	logger  logging.Logger
	metrics *metrics.Registry
}

// Option customizes a Queue
type Option func(*Queue)

// WithLogger overrides the default logger
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics overrides the default metrics registry
func WithMetrics(r *metrics.Registry) Option {
	return func(q *Queue) { q.metrics = r }
}

// New creates a Queue over the given store
func New(store *blockcache.Store, opts ...Option) (*Queue, error) {
	layout, err := NewLayout(store.BlockSize())
	if err != nil {
		return nil, err
	}
	q := &Queue{
		store:   store,
		layout:  layout,
		logger:  logging.DefaultLogger().With(logging.Component("delqueue")),
		metrics: metrics.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// InitializeRoot sets up a fresh, empty delete queue in the given root
// block. Called once when a shard's queue is first created.
func (q *Queue) InitializeRoot(ctx context.Context, tx *blockcache.Transaction, rootID blockcache.BlockID) error {
	h, err := tx.AcquireWrite(ctx, rootID)
	if err != nil {
		return err
	}
	defer h.Release()
	return InitializeEmpty(h.Data(), q.store.BlockSize())
}

// AddKey appends a deletion event for key at the given timestamp (seconds
// resolution). The root block stays exclusively locked for the whole call:
// the timestamp index and the key blob must never be observable in a
// mutually inconsistent state, and holding the one lock across both
// sub-streams is what guarantees that.
func (q *Queue) AddKey(ctx context.Context, tx *blockcache.Transaction, rootID blockcache.BlockID, timestamp uint32, key []byte) error {
	if len(key) > MaxKeyLen {
		q.metrics.RecordQueueAppend("error")
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(key))
	}

	root, err := tx.AcquireWrite(ctx, rootID)
	if err != nil {
		q.metrics.RecordQueueAppend("error")
		return err
	}
	defer root.Release()

	if err := q.addKeyLocked(ctx, tx, root.Data(), timestamp, key); err != nil {
		q.metrics.RecordQueueAppend("error")
		return err
	}
	q.metrics.RecordQueueAppend("ok")
	return nil
}

func (q *Queue) addKeyLocked(ctx context.Context, tx *blockcache.Transaction, rootBuf []byte, timestamp uint32, key []byte) error {
	if err := q.layout.CheckMagic(rootBuf); err != nil {
		return err
	}

	primalOffset := q.layout.PrimalOffset(rootBuf)
	toRef, err := q.layout.TimestampIndexRef(rootBuf)
	if err != nil {
		return err
	}
	keysRef, err := q.layout.KeyBlobRef(rootBuf)
	if err != nil {
		return err
	}

	if toRef.Size()%IndexRecordSize != 0 {
		return fmt.Errorf("%w: index size %d is not a multiple of %d",
			ErrCorrupt, toRef.Size(), IndexRecordSize)
	}

	// 1. Possibly update the (timestamp, offset) index. This happens at
	// most once per distinct second.
	{
		toBuf := largebuf.New(tx, toRef, q.store.BlockSize(), largebuf.Write)

		if toRef.Size() == 0 {
			// Size zero is the unallocated sentinel; a large buffer
			// cannot itself represent a valid empty state.
			rec := encodeIndexRecord(indexRecord{
				timestamp: timestamp,
				endOffset: primalOffset + keysRef.Size(),
			})
			if err := toBuf.Allocate(ctx, IndexRecordSize); err != nil {
				return err
			}
			if err := toBuf.FillAt(0, rec[:]); err != nil {
				return err
			}
		} else {
			if err := toBuf.Acquire(ctx); err != nil {
				return err
			}

			lastBuf := make([]byte, IndexRecordSize)
			if err := toBuf.ReadAt(toRef.Size()-IndexRecordSize, lastBuf); err != nil {
				return err
			}
			last := decodeIndexRecord(lastBuf)

			if last.timestamp > timestamp {
				q.logger.Warn("delete queue received out-of-order timestamps, or the system clock was set back; replica catch-up may be inefficient",
					logging.Timestamp(last.timestamp),
					logging.Uint32("incoming_timestamp", timestamp),
				)
				q.metrics.QueueClockRegressionsTotal.Inc()

				// The index must stay monotonic, so clamp.
				timestamp = last.timestamp
			}

			if last.timestamp != timestamp {
				rec := encodeIndexRecord(indexRecord{
					timestamp: timestamp,
					endOffset: primalOffset + keysRef.Size(),
				})
				if _, err := toBuf.Append(ctx, IndexRecordSize); err != nil {
					return err
				}
				if err := toBuf.FillAt(toRef.Size()-IndexRecordSize, rec[:]); err != nil {
					return err
				}
			}
		}

		// TODO: trim old records from the front of the index once a
		// retention policy exists; the stream only grows today.

		toBuf.Release()
	}

	// 2. Append the key record to the blob.
	{
		record := make([]byte, 1+len(key))
		record[0] = byte(len(key))
		copy(record[1:], key)

		keysBuf := largebuf.New(tx, keysRef, q.store.BlockSize(), largebuf.Write)

		if keysRef.Size() == 0 {
			if err := keysBuf.Allocate(ctx, int64(len(record))); err != nil {
				return err
			}
			if err := keysBuf.FillAt(0, record); err != nil {
				return err
			}
		} else {
			if err := keysBuf.Acquire(ctx); err != nil {
				return err
			}
			if _, err := keysBuf.Append(ctx, int64(len(record))); err != nil {
				return err
			}
			if err := keysBuf.FillAt(keysRef.Size()-int64(len(record)), record); err != nil {
				return err
			}
		}

		keysBuf.Release()
	}

	return nil
}

// Sizes reports the index record count and blob byte size for a queue root
func (q *Queue) Sizes(ctx context.Context, tx *blockcache.Transaction, rootID blockcache.BlockID) (indexRecords int64, blobBytes int64, err error) {
	root, err := tx.AcquireRead(ctx, rootID)
	if err != nil {
		return 0, 0, err
	}
	defer root.Release()

	if err := q.layout.CheckMagic(root.Data()); err != nil {
		return 0, 0, err
	}
	toRef, err := q.layout.TimestampIndexRef(root.Data())
	if err != nil {
		return 0, 0, err
	}
	keysRef, err := q.layout.KeyBlobRef(root.Data())
	if err != nil {
		return 0, 0, err
	}
	return toRef.Size() / IndexRecordSize, keysRef.Size(), nil
}
