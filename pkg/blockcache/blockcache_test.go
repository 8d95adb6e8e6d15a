package blockcache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.store"), Options{
		BlockSize:     512,
		CacheCapacity: 16,
		Metrics:       metrics.NewRegistry(),
		Logger:        logging.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsBadBlockSize(t *testing.T) {
	dir := t.TempDir()
	for _, size := range []uint32{0, 100, 513, 4095} {
		_, err := Open(filepath.Join(dir, "x.store"), Options{BlockSize: size})
		if err == nil {
			t.Errorf("expected error for block size %d", size)
		}
	}
}

func TestAllocateAndReadBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin()
	if err != nil {
		t.Fatal(err)
	}

	id, h, err := tx.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if uint32(len(h.Data())) != s.BlockSize() {
		t.Fatalf("block size = %d, want %d", len(h.Data()), s.BlockSize())
	}
	copy(h.Data(), []byte("hello block"))
	h.Release()

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx2, err := s.Begin()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := tx2.AcquireRead(ctx, id)
	if err != nil {
		t.Fatalf("AcquireRead failed: %v", err)
	}
	if !bytes.HasPrefix(h2.Data(), []byte("hello block")) {
		t.Errorf("unexpected block content: %q", h2.Data()[:16])
	}
	h2.Release()
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestReadOutOfRange(t *testing.T) {
	s := newTestStore(t)
	tx, _ := s.Begin()
	defer tx.Rollback()

	if _, err := tx.AcquireRead(context.Background(), 99); err == nil {
		t.Fatal("expected error reading unallocated block")
	}
}

func TestRollbackRestoresBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin()
	id, h, err := tx.Allocate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	copy(h.Data(), []byte("original"))
	h.Release()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// Mutate then roll back
	tx2, _ := s.Begin()
	h2, err := tx2.AcquireWrite(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	copy(h2.Data(), []byte("clobbered"))
	h2.Release()
	if err := tx2.Rollback(); err != nil {
		t.Fatal(err)
	}

	tx3, _ := s.Begin()
	h3, err := tx3.AcquireRead(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(h3.Data(), []byte("original")) {
		t.Errorf("rollback did not restore block: %q", h3.Data()[:12])
	}
	h3.Release()
	_ = tx3.Commit()
}

func TestRollbackReclaimsTailAllocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin()
	_, h, err := tx.Allocate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	if s.NumBlocks() != 0 {
		t.Errorf("NumBlocks = %d, want 0 after rollback", s.NumBlocks())
	}
}

func TestEnsureAllocated(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnsureAllocated(4); err != nil {
		t.Fatalf("EnsureAllocated failed: %v", err)
	}
	if s.NumBlocks() != 4 {
		t.Fatalf("NumBlocks = %d, want 4", s.NumBlocks())
	}

	// Idempotent
	if err := s.EnsureAllocated(2); err != nil {
		t.Fatal(err)
	}
	if s.NumBlocks() != 4 {
		t.Errorf("NumBlocks = %d, want 4", s.NumBlocks())
	}

	// Reserved blocks are readable and zeroed
	tx, _ := s.Begin()
	h, err := tx.AcquireRead(context.Background(), 3)
	if err != nil {
		t.Fatalf("AcquireRead failed: %v", err)
	}
	for _, b := range h.Data() {
		if b != 0 {
			t.Fatal("reserved block not zeroed")
		}
	}
	h.Release()
	_ = tx.Commit()
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.store")
	reg := metrics.NewRegistry()

	s, err := Open(path, Options{BlockSize: 512, CacheCapacity: 16, Metrics: reg, Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	tx, _ := s.Begin()
	id, h, err := tx.Allocate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	copy(h.Data(), []byte("durable"))
	h.Release()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, Options{BlockSize: 512, CacheCapacity: 16, Metrics: metrics.NewRegistry(), Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	tx2, _ := s2.Begin()
	h2, err := tx2.AcquireRead(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(h2.Data(), []byte("durable")) {
		t.Errorf("data not persisted: %q", h2.Data()[:8])
	}
	h2.Release()
	_ = tx2.Commit()
}

func TestDirtyBlockLockedUntilCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin()
	id, h, err := tx.Allocate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	copy(h.Data(), []byte("first"))
	h.Release()

	// A second writer must not get at the dirty block between handle
	// release and commit: commit snapshots the image for the WAL and the
	// store file, and a concurrent mutation would tear it.
	acquired := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		tx2, err := s.Begin()
		if err != nil {
			done <- err
			return
		}
		h2, err := tx2.AcquireWrite(ctx, id)
		if err != nil {
			done <- err
			return
		}
		close(acquired)
		copy(h2.Data(), []byte("second"))
		h2.Release()
		done <- tx2.Commit()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired a dirty block before the first transaction committed")
	case <-time.After(50 * time.Millisecond):
	}

	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second writer never acquired the block after commit")
	}
	if err := <-done; err != nil {
		t.Fatalf("second transaction failed: %v", err)
	}

	tx3, _ := s.Begin()
	h3, err := tx3.AcquireRead(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(h3.Data(), []byte("second")) {
		t.Errorf("block content %q, want the second writer's image", h3.Data()[:8])
	}
	h3.Release()
	_ = tx3.Commit()
}

func TestRollbackDropsWriteLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin()
	id, h, err := tx.Allocate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, _ := s.Begin()
	h2, err := tx2.AcquireWrite(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	copy(h2.Data(), []byte("doomed"))
	h2.Release()
	if err := tx2.Rollback(); err != nil {
		t.Fatal(err)
	}

	// The rolled-back writer's lock must be gone
	tx3, _ := s.Begin()
	h3, err := tx3.AcquireWrite(ctx, id)
	if err != nil {
		t.Fatalf("AcquireWrite after rollback failed: %v", err)
	}
	h3.Release()
	_ = tx3.Rollback()
}

func TestDoubleCommitFails(t *testing.T) {
	s := newTestStore(t)
	tx, _ := s.Begin()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != ErrTransactionAlreadyEnded {
		t.Errorf("second commit: got %v, want ErrTransactionAlreadyEnded", err)
	}
	if err := tx.Rollback(); err != ErrTransactionAlreadyEnded {
		t.Errorf("rollback after commit: got %v, want ErrTransactionAlreadyEnded", err)
	}
}
