package blockcache

import (
	"container/list"
	"sync"
)

// BlockLRU is an LRU cache of block images keyed by block id. Dirty or
// pinned entries are never evicted, so the capacity is a soft cap.
type BlockLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[BlockID]*list.Element
	lru      *list.List

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	id    BlockID
	data  []byte
	dirty bool
	pins  int
}

// NewBlockLRU creates a new LRU block cache
func NewBlockLRU(capacity int) *BlockLRU {
	return &BlockLRU{
		capacity: capacity,
		cache:    make(map[BlockID]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves a block image from the cache
func (bc *BlockLRU) Get(id BlockID) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if elem, ok := bc.cache[id]; ok {
		bc.lru.MoveToFront(elem)
		bc.hits++
		return elem.Value.(*cacheEntry).data, true
	}

	bc.misses++
	return nil, false
}

// Put adds a block image to the cache
func (bc *BlockLRU) Put(id BlockID, data []byte) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if elem, ok := bc.cache[id]; ok {
		bc.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).data = data
		return
	}

	elem := bc.lru.PushFront(&cacheEntry{id: id, data: data})
	bc.cache[id] = elem

	if bc.lru.Len() > bc.capacity {
		bc.evict()
	}
}

// evict removes the least recently used clean, unpinned entry
func (bc *BlockLRU) evict() {
	for elem := bc.lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry)
		if entry.dirty || entry.pins > 0 {
			continue
		}
		bc.lru.Remove(elem)
		delete(bc.cache, entry.id)
		return
	}
}

// Pin marks an entry as in use; pinned entries survive eviction
func (bc *BlockLRU) Pin(id BlockID) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if elem, ok := bc.cache[id]; ok {
		elem.Value.(*cacheEntry).pins++
	}
}

// Unpin releases a pin taken with Pin
func (bc *BlockLRU) Unpin(id BlockID) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if elem, ok := bc.cache[id]; ok {
		entry := elem.Value.(*cacheEntry)
		if entry.pins > 0 {
			entry.pins--
		}
	}
}

// MarkDirty flags an entry so it cannot be evicted until cleaned
func (bc *BlockLRU) MarkDirty(id BlockID) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if elem, ok := bc.cache[id]; ok {
		elem.Value.(*cacheEntry).dirty = true
	}
}

// MarkClean clears the dirty flag after a flush
func (bc *BlockLRU) MarkClean(id BlockID) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if elem, ok := bc.cache[id]; ok {
		elem.Value.(*cacheEntry).dirty = false
	}
}

// Delete removes an entry from the cache
func (bc *BlockLRU) Delete(id BlockID) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if elem, ok := bc.cache[id]; ok {
		bc.lru.Remove(elem)
		delete(bc.cache, id)
	}
}

// Size returns the current number of entries
func (bc *BlockLRU) Size() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.lru.Len()
}

// Stats returns cache statistics
func (bc *BlockLRU) Stats() (hits, misses int64, hitRate float64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	hits = bc.hits
	misses = bc.misses
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}
