// Package shard routes deletion keys to per-shard delete queues.
//
// Every shard owns one queue root block in the backing store; the root for
// shard i is block i, reserved up front so a shard id never has to be
// resolved through an indirection table.
package shard

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
	"github.com/dd0wney/cluso-shardstore/pkg/delqueue"
	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
)

// Strategy defines how keys map onto shards
type Strategy interface {
	ShardFor(key []byte) uint32
	ShardCount() uint32
}

// HashStrategy assigns keys by hash (simplest, good load balance)
type HashStrategy struct {
	shardCount uint32
}

// NewHashStrategy creates a hash-based sharding strategy
func NewHashStrategy(shardCount uint32) (*HashStrategy, error) {
	if shardCount == 0 {
		return nil, errors.New("shard count must be positive")
	}
	return &HashStrategy{shardCount: shardCount}, nil
}

// ShardFor returns which shard a key belongs to
func (hs *HashStrategy) ShardFor(key []byte) uint32 {
	h := fnv.New64a()
	h.Write(key)
	return uint32(h.Sum64() % uint64(hs.shardCount))
}

// ShardCount returns the total number of shards
func (hs *HashStrategy) ShardCount() uint32 {
	return hs.shardCount
}

// Map binds each shard to its delete queue root block
type Map struct {
	store    *blockcache.Store
	queue    *delqueue.Queue
	strategy Strategy
	logger   logging.Logger
	metrics  *metrics.Registry
}

// NewMap reserves one root block per shard and initializes any root that is
// not yet a valid queue. Reopening an existing store leaves populated queues
// untouched.
func NewMap(store *blockcache.Store, queue *delqueue.Queue, strategy Strategy, logger logging.Logger) (*Map, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := &Map{
		store:    store,
		queue:    queue,
		strategy: strategy,
		logger:   logger,
		metrics:  store.Metrics(),
	}

	count := strategy.ShardCount()
	if err := store.EnsureAllocated(uint64(count)); err != nil {
		return nil, fmt.Errorf("reserving %d queue roots: %w", count, err)
	}

	ctx := context.Background()
	initialized := 0
	for shard := uint32(0); shard < count; shard++ {
		ok, err := m.initRoot(ctx, shard)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", shard, err)
		}
		if ok {
			initialized++
		}
	}
	if initialized > 0 {
		logger.Info("initialized delete queue roots",
			logging.Int("shards", int(count)),
			logging.Int("new_roots", initialized))
	}
	return m, nil
}

// initRoot formats the shard's root block unless it already carries a valid
// queue. Reports whether it initialized anything.
func (m *Map) initRoot(ctx context.Context, shard uint32) (bool, error) {
	tx, err := m.store.Begin()
	if err != nil {
		return false, err
	}

	h, err := tx.AcquireWrite(ctx, m.RootID(shard))
	if err != nil {
		tx.Rollback()
		return false, err
	}

	if err := delqueue.CheckMagic(h.Data()); err == nil {
		h.Release()
		return false, tx.Rollback()
	}

	if err := delqueue.InitializeEmpty(h.Data(), m.store.BlockSize()); err != nil {
		h.Release()
		tx.Rollback()
		return false, err
	}
	h.Release()
	return true, tx.Commit()
}

// RootID returns the queue root block for a shard
func (m *Map) RootID(shard uint32) blockcache.BlockID {
	return blockcache.BlockID(shard)
}

// ShardCount returns the total number of shards
func (m *Map) ShardCount() uint32 {
	return m.strategy.ShardCount()
}

// ShardFor returns which shard a key belongs to
func (m *Map) ShardFor(key []byte) uint32 {
	return m.strategy.ShardFor(key)
}

// AddKey records a deletion for key at the given timestamp on the shard the
// key hashes to, in its own transaction. Returns the shard it landed on.
func (m *Map) AddKey(ctx context.Context, timestamp uint32, key []byte) (uint32, error) {
	shard := m.strategy.ShardFor(key)
	if err := m.AddKeyToShard(ctx, shard, timestamp, key); err != nil {
		return shard, err
	}
	return shard, nil
}

// AddKeyToShard records a deletion on an explicit shard
func (m *Map) AddKeyToShard(ctx context.Context, shard uint32, timestamp uint32, key []byte) error {
	if shard >= m.strategy.ShardCount() {
		return fmt.Errorf("shard %d out of range (have %d)", shard, m.strategy.ShardCount())
	}
	tx, err := m.store.Begin()
	if err != nil {
		return err
	}
	if err := m.queue.AddKey(ctx, tx, m.RootID(shard), timestamp, key); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.updateSizeGauges(ctx, shard)
	return nil
}

// updateSizeGauges refreshes the per-shard queue size gauges, best effort
func (m *Map) updateSizeGauges(ctx context.Context, shard uint32) {
	tx, err := m.store.Begin()
	if err != nil {
		return
	}
	defer tx.Commit()
	indexRecords, blobBytes, err := m.queue.Sizes(ctx, tx, m.RootID(shard))
	if err != nil {
		return
	}
	m.metrics.UpdateQueueSize(shard, indexRecords, blobBytes)
}

// DumpShard streams the deletion keys of one shard for [beginTimestamp,
// endTimestamp) to recv, in its own read transaction
func (m *Map) DumpShard(ctx context.Context, shard uint32, beginTimestamp, endTimestamp uint32, recv delqueue.KeyStreamReceiver) error {
	if shard >= m.strategy.ShardCount() {
		return fmt.Errorf("shard %d out of range (have %d)", shard, m.strategy.ShardCount())
	}
	tx, err := m.store.Begin()
	if err != nil {
		return err
	}
	if err := m.queue.DumpKeys(ctx, tx, m.RootID(shard), beginTimestamp, endTimestamp, recv); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
