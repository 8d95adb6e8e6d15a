// Package e2e exercises the whole stack end to end: block store, delete
// queues, shard map and the backfill protocol over a real socket pair.
package e2e

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
	"github.com/dd0wney/cluso-shardstore/pkg/delqueue"
	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
	"github.com/dd0wney/cluso-shardstore/pkg/replication"
	"github.com/dd0wney/cluso-shardstore/pkg/shard"
)

type stack struct {
	store  *blockcache.Store
	shards *shard.Map
	reg    *metrics.Registry
}

func buildStack(t *testing.T, path string, shardCount uint32) *stack {
	t.Helper()
	reg := metrics.NewRegistry()
	logger := logging.NewNopLogger()

	store, err := blockcache.Open(path, blockcache.Options{
		BlockSize:     1024,
		CacheCapacity: 128,
		Metrics:       reg,
		Logger:        logger,
	})
	require.NoError(t, err, "opening block store")
	t.Cleanup(func() { _ = store.Close() })

	queue, err := delqueue.New(store,
		delqueue.WithLogger(logger),
		delqueue.WithMetrics(reg))
	require.NoError(t, err)

	strategy, err := shard.NewHashStrategy(shardCount)
	require.NoError(t, err)

	shards, err := shard.NewMap(store, queue, strategy, logger)
	require.NoError(t, err, "building shard map")

	return &stack{store: store, shards: shards, reg: reg}
}

func TestFullLifecycle(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "e2e.store")
	st := buildStack(t, storePath, 4)
	ctx := context.Background()

	// Phase 1: record deletions across shards with an advancing clock
	inserted := map[string]uint32{}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("user:%04d", i)
		ts := uint32(1000 + i/10) // ten deletions per second
		s, err := st.shards.AddKey(ctx, ts, []byte(key))
		require.NoError(t, err, "recording deletion of %s", key)
		inserted[key] = s
	}

	// Phase 2: a replica backfills the full window over a real socket
	server := replication.NewBackfillServer(st.shards, replication.ServerConfig{
		BatchKeys: 8,
		Logger:    logging.NewNopLogger(),
		Metrics:   st.reg,
	})
	addr := "inproc://e2e-full-lifecycle"
	require.NoError(t, server.Start(addr))
	defer server.Stop()

	client, err := replication.NewBackfillClient(addr, 5*time.Second, logging.NewNopLogger(), metrics.NewRegistry())
	require.NoError(t, err)
	defer client.Close()

	received := map[string]uint32{}
	err = client.FetchAll(st.shards.ShardCount(), 1000, 1010, func(s uint32, key []byte) error {
		received[string(key)] = s
		return nil
	})
	require.NoError(t, err, "backfilling all shards")

	assert.Equal(t, len(inserted), len(received), "every deletion should arrive exactly once")
	for key, wantShard := range inserted {
		assert.Equal(t, wantShard, received[key], "key %s should come from the shard it was recorded on", key)
	}

	// Phase 3: a narrower window excludes older deletions
	var narrow []string
	err = client.FetchAll(st.shards.ShardCount(), 1003, 1004, func(_ uint32, key []byte) error {
		narrow = append(narrow, string(key))
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, narrow, 10, "exactly one second of deletions")
	for _, key := range narrow {
		assert.Equal(t, uint32(1003), inserted[key], "window [1003,1004) holds only second 1003")
	}

	// Phase 4: reopen the store and verify the queues survived
	require.NoError(t, server.Stop())
	require.NoError(t, st.store.Close())

	st2 := buildStack(t, storePath, 4)
	count := 0
	for s := uint32(0); s < 4; s++ {
		err := st2.shards.DumpShard(ctx, s, 1000, 1010, countingReceiver{&count})
		require.NoError(t, err, "dumping shard %d after reopen", s)
	}
	assert.Equal(t, len(inserted), count, "all deletions should survive a restart")
}

func TestClockRegressionEndToEnd(t *testing.T) {
	st := buildStack(t, filepath.Join(t.TempDir(), "regress.store"), 1)
	ctx := context.Background()

	require.NoError(t, st.shards.AddKeyToShard(ctx, 0, 500, []byte("before")))
	// Clock jumps backwards; the deletion must still be recorded
	require.NoError(t, st.shards.AddKeyToShard(ctx, 0, 400, []byte("after")))

	var keys []string
	err := st.shards.DumpShard(ctx, 0, 500, 501, funcReceiver(func(key []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "after"}, keys, "clamped deletion lands in the newest second")
}

type countingReceiver struct{ n *int }

func (c countingReceiver) DeletionKey([]byte) error { *c.n++; return nil }
func (c countingReceiver) DoneDeletionKeys() error  { return nil }

type funcReceiver func(key []byte) error

func (f funcReceiver) DeletionKey(key []byte) error { return f(key) }
func (funcReceiver) DoneDeletionKeys() error        { return nil }
