package blockcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrTransactionNotActive    = errors.New("transaction is not active")
	ErrTransactionAlreadyEnded = errors.New("transaction has already been committed or rolled back")
	ErrHandleReleased          = errors.New("block handle has been released")
)

// Transaction groups block mutations into an atomic unit. Dirty blocks are
// logged to the WAL and flushed together on Commit; Rollback restores the
// pre-transaction images.
//
// A transaction must not acquire the same block twice. Read locks are held
// until the handle is released; write locks follow strict two-phase locking
// and are only dropped once Commit or Rollback has finished with the block,
// so no other transaction can see or mutate a dirty image mid-flight.
type Transaction struct {
	store      *Store
	id         uint64
	active     bool
	committed  bool
	rolledBack bool
	mu         sync.Mutex

	undo       map[BlockID][]byte
	dirty      map[BlockID]bool
	allocated  []BlockID
	handles    map[*Handle]struct{}
	writeLocks map[BlockID]struct{}
}

// Handle is locked access to one block's bytes. Read handles expose an
// immutable view by convention; write handles may mutate Data() in place.
type Handle struct {
	tx       *Transaction
	id       BlockID
	data     []byte
	write    bool
	released bool
}

// Begin starts a new transaction
func (s *Store) Begin() (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	s.txCounter++
	return &Transaction{
		store:      s,
		id:         s.txCounter,
		active:     true,
		undo:       make(map[BlockID][]byte),
		dirty:      make(map[BlockID]bool),
		handles:    make(map[*Handle]struct{}),
		writeLocks: make(map[BlockID]struct{}),
	}, nil
}

// ID returns the transaction id
func (tx *Transaction) ID() uint64 {
	return tx.id
}

// AcquireRead locks a block for shared access. The lock is held until the
// handle is released, which may be long after this call returns.
func (tx *Transaction) AcquireRead(ctx context.Context, id BlockID) (*Handle, error) {
	if err := tx.checkActive(ctx); err != nil {
		return nil, err
	}

	lock := tx.store.lockFor(id)
	lock.RLock()

	data, err := tx.store.readBlock(id)
	if err != nil {
		lock.RUnlock()
		return nil, err
	}
	tx.store.cache.Pin(id)

	h := &Handle{tx: tx, id: id, data: data}
	tx.trackHandle(h)
	return h, nil
}

// AcquireWrite locks a block for exclusive access and marks it dirty. An
// undo image is stashed the first time this transaction touches the block.
func (tx *Transaction) AcquireWrite(ctx context.Context, id BlockID) (*Handle, error) {
	if err := tx.checkActive(ctx); err != nil {
		return nil, err
	}

	lock := tx.store.lockFor(id)
	lock.Lock()

	data, err := tx.store.readBlock(id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	tx.mu.Lock()
	if _, seen := tx.undo[id]; !seen {
		img := make([]byte, len(data))
		copy(img, data)
		tx.undo[id] = img
	}
	tx.dirty[id] = true
	tx.writeLocks[id] = struct{}{}
	tx.mu.Unlock()

	tx.store.cache.Pin(id)
	tx.store.cache.MarkDirty(id)

	h := &Handle{tx: tx, id: id, data: data, write: true}
	tx.trackHandle(h)
	return h, nil
}

// Allocate appends a zeroed block to the store and returns it write-locked
func (tx *Transaction) Allocate(ctx context.Context) (BlockID, *Handle, error) {
	if err := tx.checkActive(ctx); err != nil {
		return NullBlockID, nil, err
	}

	s := tx.store
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NullBlockID, nil, ErrStoreClosed
	}
	id := s.nextBlock
	s.nextBlock++
	if err := s.file.Truncate(int64(s.nextBlock) * int64(s.blockSize)); err != nil {
		s.nextBlock = id
		s.mu.Unlock()
		return NullBlockID, nil, fmt.Errorf("failed to grow store file: %w", err)
	}
	data := make([]byte, s.blockSize)
	s.cache.Put(id, data)
	s.metrics.StorageBlocksAllocated.Set(float64(s.nextBlock))
	s.mu.Unlock()

	lock := s.lockFor(id)
	lock.Lock()

	tx.mu.Lock()
	tx.dirty[id] = true
	tx.allocated = append(tx.allocated, id)
	tx.writeLocks[id] = struct{}{}
	tx.mu.Unlock()

	s.cache.Pin(id)
	s.cache.MarkDirty(id)

	h := &Handle{tx: tx, id: id, data: data, write: true}
	tx.trackHandle(h)
	return id, h, nil
}

// Commit logs every dirty block to the WAL, syncs it, then writes the
// blocks in place. Outstanding handles are released first; the dirty
// blocks' write locks stay held until their images have been persisted,
// so a concurrent writer cannot tear an image mid-snapshot.
func (tx *Transaction) Commit() error {
	start := time.Now()
	err := tx.commit()
	status := "ok"
	if err != nil {
		status = "error"
	}
	tx.store.metrics.RecordStorageOperation("commit", status, time.Since(start))
	return err
}

func (tx *Transaction) commit() error {
	tx.mu.Lock()
	if !tx.active {
		tx.mu.Unlock()
		return ErrTransactionAlreadyEnded
	}
	tx.active = false
	tx.committed = true
	tx.mu.Unlock()

	tx.releaseAll()
	defer tx.unlockWrites()

	s := tx.store
	ids := make([]BlockID, 0, len(tx.dirty))
	for id := range tx.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, id := range ids {
		data, ok := s.cache.Get(id)
		if !ok {
			return fmt.Errorf("dirty block %d missing from cache", id)
		}
		if err := s.wal.Append(id, data); err != nil {
			return fmt.Errorf("failed to log block %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		if err := s.wal.Commit(len(ids)); err != nil {
			return fmt.Errorf("failed to log commit marker: %w", err)
		}
		if err := s.wal.Sync(); err != nil {
			return err
		}
		for _, id := range ids {
			data, _ := s.cache.Get(id)
			if _, err := s.file.WriteAt(data, int64(id)*int64(s.blockSize)); err != nil {
				return fmt.Errorf("failed to write block %d: %w", id, err)
			}
			s.metrics.StorageBlockWrites.Inc()
		}
		if err := s.file.Sync(); err != nil {
			return err
		}
		for _, id := range ids {
			s.cache.MarkClean(id)
		}
	}
	if len(tx.allocated) > 0 {
		s.refreshMmapLocked()
	}

	s.metrics.StorageTransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Rollback restores the undo images of every dirty block and discards
// blocks allocated by this transaction.
func (tx *Transaction) Rollback() error {
	start := time.Now()
	err := tx.rollback()
	status := "ok"
	if err != nil {
		status = "error"
	}
	tx.store.metrics.RecordStorageOperation("rollback", status, time.Since(start))
	return err
}

func (tx *Transaction) rollback() error {
	tx.mu.Lock()
	if !tx.active {
		tx.mu.Unlock()
		return ErrTransactionAlreadyEnded
	}
	tx.active = false
	tx.rolledBack = true
	tx.mu.Unlock()

	tx.releaseAll()
	defer tx.unlockWrites()

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, img := range tx.undo {
		if data, ok := s.cache.Get(id); ok {
			copy(data, img)
		}
		s.cache.MarkClean(id)
	}
	// Allocated blocks are dropped from the cache; the tail of the file is
	// reclaimed when they were the newest blocks, otherwise the slots stay
	// zeroed until reused.
	sort.Slice(tx.allocated, func(i, j int) bool { return tx.allocated[i] > tx.allocated[j] })
	for _, id := range tx.allocated {
		s.cache.MarkClean(id)
		s.cache.Delete(id)
		if id == s.nextBlock-1 {
			s.nextBlock--
		}
	}
	s.metrics.StorageBlocksAllocated.Set(float64(s.nextBlock))
	s.metrics.StorageTransactionsTotal.WithLabelValues("rolled_back").Inc()
	return nil
}

func (tx *Transaction) checkActive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.active {
		return ErrTransactionNotActive
	}
	return nil
}

func (tx *Transaction) trackHandle(h *Handle) {
	tx.mu.Lock()
	tx.handles[h] = struct{}{}
	tx.mu.Unlock()
}

// unlockWrites drops every write lock the transaction took. Called once
// commit or rollback has finished with the dirty images.
func (tx *Transaction) unlockWrites() {
	tx.mu.Lock()
	ids := make([]BlockID, 0, len(tx.writeLocks))
	for id := range tx.writeLocks {
		ids = append(ids, id)
	}
	tx.writeLocks = make(map[BlockID]struct{})
	tx.mu.Unlock()

	for _, id := range ids {
		tx.store.lockFor(id).Unlock()
	}
}

// releaseAll releases any handles the caller left open
func (tx *Transaction) releaseAll() {
	tx.mu.Lock()
	handles := make([]*Handle, 0, len(tx.handles))
	for h := range tx.handles {
		handles = append(handles, h)
	}
	tx.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}

// ID returns the handle's block id
func (h *Handle) ID() BlockID {
	return h.id
}

// Data returns the block's bytes. Mutations are only legal on write handles.
func (h *Handle) Data() []byte {
	return h.data
}

// Release unpins the block and, for read handles, drops its lock. A write
// handle's lock outlives the handle: the block's image may still be logged
// and flushed, so the lock is only dropped once the transaction ends.
// Safe to call twice.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true

	h.tx.mu.Lock()
	delete(h.tx.handles, h)
	h.tx.mu.Unlock()

	h.tx.store.cache.Unpin(h.id)
	if !h.write {
		h.tx.store.lockFor(h.id).RUnlock()
	}
}
