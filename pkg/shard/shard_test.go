package shard

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
	"github.com/dd0wney/cluso-shardstore/pkg/delqueue"
	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
)

type collector struct {
	keys [][]byte
	done int
}

func (c *collector) DeletionKey(key []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	c.keys = append(c.keys, k)
	return nil
}

func (c *collector) DoneDeletionKeys() error {
	c.done++
	return nil
}

func openMap(t *testing.T, path string, shardCount uint32) *Map {
	t.Helper()
	s, err := blockcache.Open(path, blockcache.Options{
		BlockSize:     512,
		CacheCapacity: 64,
		Metrics:       metrics.NewRegistry(),
		Logger:        logging.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	q, err := delqueue.New(s)
	if err != nil {
		t.Fatal(err)
	}
	strategy, err := NewHashStrategy(shardCount)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMap(s, q, strategy, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}
	return m
}

func TestHashStrategyDeterministic(t *testing.T) {
	strategy, err := NewHashStrategy(8)
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"alice", "bob", "carol", ""} {
		a := strategy.ShardFor([]byte(key))
		b := strategy.ShardFor([]byte(key))
		if a != b {
			t.Errorf("key %q: shard changed between calls (%d, %d)", key, a, b)
		}
		if a >= 8 {
			t.Errorf("key %q: shard %d out of range", key, a)
		}
	}
}

func TestHashStrategySpreadsKeys(t *testing.T) {
	strategy, err := NewHashStrategy(4)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint32]int)
	for i := 0; i < 200; i++ {
		seen[strategy.ShardFor([]byte(fmt.Sprintf("key-%d", i)))]++
	}
	if len(seen) != 4 {
		t.Errorf("200 keys landed on %d of 4 shards", len(seen))
	}
}

func TestZeroShardCountRejected(t *testing.T) {
	if _, err := NewHashStrategy(0); err == nil {
		t.Fatal("expected error for zero shard count")
	}
}

func TestNewMapInitializesRoots(t *testing.T) {
	m := openMap(t, filepath.Join(t.TempDir(), "shards.store"), 4)

	// Every fresh shard dumps empty without errors
	for shard := uint32(0); shard < 4; shard++ {
		c := &collector{}
		if err := m.DumpShard(context.Background(), shard, 0, 1<<31, c); err != nil {
			t.Fatalf("shard %d: %v", shard, err)
		}
		if len(c.keys) != 0 || c.done != 1 {
			t.Errorf("shard %d: keys=%d done=%d", shard, len(c.keys), c.done)
		}
	}
}

func TestAddKeyRoutesByHash(t *testing.T) {
	m := openMap(t, filepath.Join(t.TempDir(), "shards.store"), 4)
	ctx := context.Background()

	shard, err := m.AddKey(ctx, 100, []byte("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if want := m.ShardFor([]byte("alice")); shard != want {
		t.Fatalf("AddKey reported shard %d, strategy says %d", shard, want)
	}

	c := &collector{}
	if err := m.DumpShard(ctx, shard, 100, 101, c); err != nil {
		t.Fatal(err)
	}
	if len(c.keys) != 1 || !bytes.Equal(c.keys[0], []byte("alice")) {
		t.Fatalf("shard %d dump = %q", shard, c.keys)
	}

	// Other shards saw nothing
	for other := uint32(0); other < 4; other++ {
		if other == shard {
			continue
		}
		c := &collector{}
		if err := m.DumpShard(ctx, other, 0, 1<<31, c); err != nil {
			t.Fatal(err)
		}
		if len(c.keys) != 0 {
			t.Errorf("shard %d unexpectedly holds %q", other, c.keys)
		}
	}
}

func TestAddKeyToShardOutOfRange(t *testing.T) {
	m := openMap(t, filepath.Join(t.TempDir(), "shards.store"), 2)

	if err := m.AddKeyToShard(context.Background(), 2, 1, []byte("k")); err == nil {
		t.Fatal("expected out of range error")
	}
	if err := m.DumpShard(context.Background(), 9, 0, 1, &collector{}); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestReopenKeepsQueues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shards.store")
	ctx := context.Background()

	m := openMap(t, path, 4)
	shard, err := m.AddKey(ctx, 77, []byte("survivor"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.store.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: NewMap must not reinitialize populated roots
	m2 := openMap(t, path, 4)
	c := &collector{}
	if err := m2.DumpShard(ctx, shard, 77, 78, c); err != nil {
		t.Fatal(err)
	}
	if len(c.keys) != 1 || !bytes.Equal(c.keys[0], []byte("survivor")) {
		t.Fatalf("after reopen, shard %d dump = %q", shard, c.keys)
	}
}
