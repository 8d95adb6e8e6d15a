package delqueue

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
	"github.com/dd0wney/cluso-shardstore/pkg/largebuf"
)

// KeyStreamReceiver consumes the keys produced by DumpKeys. DeletionKey is
// called once per matching key in ascending deletion order;
// DoneDeletionKeys is called exactly once after the last key, including
// when no keys matched.
type KeyStreamReceiver interface {
	DeletionKey(key []byte) error
	DoneDeletionKeys() error
}

// DumpKeys streams every key deleted in the half-open timestamp range
// [beginTimestamp, endTimestamp) to the receiver. The root block stays
// share-locked for the whole call, the same coarse discipline as AddKey:
// dumps never run concurrently with an append on the same shard.
func (q *Queue) DumpKeys(ctx context.Context, tx *blockcache.Transaction, rootID blockcache.BlockID, beginTimestamp, endTimestamp uint32, recv KeyStreamReceiver) error {
	root, err := tx.AcquireRead(ctx, rootID)
	if err != nil {
		q.metrics.RecordQueueDump("error", 0)
		return err
	}
	defer root.Release()

	keys, err := q.dumpLocked(ctx, tx, root.Data(), beginTimestamp, endTimestamp, recv)
	if err != nil {
		q.metrics.RecordQueueDump("error", keys)
		return err
	}
	if keys == 0 {
		q.metrics.RecordQueueDump("empty", 0)
	} else {
		q.metrics.RecordQueueDump("ok", keys)
	}
	return recv.DoneDeletionKeys()
}

func (q *Queue) dumpLocked(ctx context.Context, tx *blockcache.Transaction, rootBuf []byte, beginTimestamp, endTimestamp uint32, recv KeyStreamReceiver) (int, error) {
	if err := q.layout.CheckMagic(rootBuf); err != nil {
		return 0, err
	}

	primalOffset := q.layout.PrimalOffset(rootBuf)
	toRef, err := q.layout.TimestampIndexRef(rootBuf)
	if err != nil {
		return 0, err
	}
	keysRef, err := q.layout.KeyBlobRef(rootBuf)
	if err != nil {
		return 0, err
	}

	if toRef.Size() == 0 || keysRef.Size() == 0 {
		return 0, nil
	}

	if toRef.Size()%IndexRecordSize != 0 {
		return 0, fmt.Errorf("%w: index size %d is not a multiple of %d",
			ErrCorrupt, toRef.Size(), IndexRecordSize)
	}

	// Walk the index in order. The index is one record per second with
	// deletion activity, so a linear scan is fine; first match wins.
	var beginOffset, endOffset int64
	beginFound, endFound := false, false
	{
		toBuf := largebuf.New(tx, toRef, q.store.BlockSize(), largebuf.Read)
		if err := toBuf.Acquire(ctx); err != nil {
			return 0, err
		}

		recBuf := make([]byte, IndexRecordSize)
		for i := int64(0); i < toRef.Size(); i += IndexRecordSize {
			if err := toBuf.ReadAt(i, recBuf); err != nil {
				toBuf.Release()
				return 0, err
			}
			rec := decodeIndexRecord(recBuf)

			if !beginFound && beginTimestamp <= rec.timestamp {
				beginOffset = rec.endOffset - primalOffset
				beginFound = true
			}
			if endTimestamp <= rec.timestamp {
				if !beginFound {
					toBuf.Release()
					return 0, fmt.Errorf("invalid dump range: end %d is not after begin %d",
						endTimestamp, beginTimestamp)
				}
				endOffset = rec.endOffset - primalOffset
				endFound = true
				break
			}
		}
		toBuf.Release()
	}

	if !beginFound {
		// Nothing deleted at or after beginTimestamp
		return 0, nil
	}
	if !endFound {
		// Open-ended range: everything up to now
		endOffset = keysRef.Size()
	}

	if beginOffset > endOffset {
		return 0, fmt.Errorf("%w: begin offset %d after end offset %d",
			ErrCorrupt, beginOffset, endOffset)
	}
	if beginOffset == endOffset {
		return 0, nil
	}

	// One bulk read of the byte range, then a sequential decode.
	keysBuf := largebuf.New(tx, keysRef, q.store.BlockSize(), largebuf.Read)
	if err := keysBuf.Acquire(ctx); err != nil {
		return 0, err
	}

	n := endOffset - beginOffset
	buf := make([]byte, n)
	if err := keysBuf.ReadAt(beginOffset, buf); err != nil {
		keysBuf.Release()
		return 0, err
	}
	keysBuf.Release()

	count := 0
	for p := int64(0); p < n; {
		keyLen := int64(buf[p])
		if p+1+keyLen > n {
			return count, fmt.Errorf("%w: key record at offset %d overruns range end %d",
				ErrCorrupt, beginOffset+p, endOffset)
		}
		if err := recv.DeletionKey(buf[p+1 : p+1+keyLen]); err != nil {
			return count, err
		}
		count++
		p += 1 + keyLen
	}
	return count, nil
}
