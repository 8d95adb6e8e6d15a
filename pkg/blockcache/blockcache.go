// Package blockcache provides a transactional buffer cache over a file of
// fixed-size blocks. Callers acquire blocks by id with read or write intent
// inside a transaction; dirty blocks are logged to a write-ahead log before
// being written in place on commit.
package blockcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
)

// BlockID identifies a block in the store file
type BlockID uint64

// NullBlockID is the sentinel for an unset block id slot
const NullBlockID = BlockID(0xFFFFFFFFFFFFFFFF)

var (
	ErrBlockOutOfRange = errors.New("block id out of range")
	ErrStoreClosed     = errors.New("store is closed")
	ErrBadBlockSize    = errors.New("block size must be a power of two of at least 512 bytes")
)

// Options configures a Store
type Options struct {
	BlockSize     uint32
	CacheCapacity int
	Metrics       *metrics.Registry
	Logger        logging.Logger
}

// Store is a block-structured store file with an LRU buffer cache
type Store struct {
	mu        sync.Mutex
	file      *os.File
	mr        *mmap.ReaderAt
	wal       *WAL
	cache     *BlockLRU
	locks     map[BlockID]*sync.RWMutex
	blockSize uint32
	nextBlock BlockID
	txCounter uint64
	closed    bool

	metrics *metrics.Registry
	logger  logging.Logger
}

// Open opens or creates a store file at path and replays any pending WAL
func Open(path string, opts Options) (*Store, error) {
	if opts.BlockSize < 512 || opts.BlockSize&(opts.BlockSize-1) != 0 {
		return nil, ErrBadBlockSize
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}

	s := &Store{
		file:      file,
		cache:     NewBlockLRU(opts.CacheCapacity),
		locks:     make(map[BlockID]*sync.RWMutex),
		blockSize: opts.BlockSize,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(logging.Component("blockcache")),
	}

	wal, err := OpenWAL(path+".wal", opts.Metrics)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	s.wal = wal

	if err := s.recover(); err != nil {
		_ = wal.Close()
		_ = file.Close()
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		_ = wal.Close()
		_ = file.Close()
		return nil, err
	}
	s.nextBlock = BlockID(uint64(info.Size()) / uint64(s.blockSize))
	s.metrics.StorageBlocksAllocated.Set(float64(s.nextBlock))

	s.refreshMmap()

	s.logger.Info("store opened",
		logging.Path(path),
		logging.Uint64("blocks", uint64(s.nextBlock)),
		logging.Uint32("block_size", s.blockSize),
	)
	return s, nil
}

// recover replays WAL block images into the store file, then resets the WAL.
// Replay is idempotent: each entry is a full block image.
func (s *Store) recover() error {
	replayed := 0
	err := s.wal.Replay(func(id BlockID, data []byte) error {
		if uint32(len(data)) != s.blockSize {
			return fmt.Errorf("WAL block image size %d does not match block size %d", len(data), s.blockSize)
		}
		if _, err := s.file.WriteAt(data, int64(id)*int64(s.blockSize)); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}
	if replayed > 0 {
		if err := s.file.Sync(); err != nil {
			return err
		}
		s.logger.Info("replayed WAL block images", logging.Count(replayed))
	}
	return s.wal.Reset()
}

// BlockSize returns the store-wide block size
func (s *Store) BlockSize() uint32 {
	return s.blockSize
}

// Metrics returns the registry the store reports into
func (s *Store) Metrics() *metrics.Registry {
	return s.metrics
}

// NumBlocks returns the number of allocated blocks
func (s *Store) NumBlocks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.nextBlock)
}

// EnsureAllocated grows the store so that blocks [0, n) exist, zero-filled.
// Used to reserve well-known root blocks at store creation.
func (s *Store) EnsureAllocated(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if uint64(s.nextBlock) >= n {
		return nil
	}
	if err := s.file.Truncate(int64(n) * int64(s.blockSize)); err != nil {
		return fmt.Errorf("failed to grow store file: %w", err)
	}
	s.nextBlock = BlockID(n)
	s.metrics.StorageBlocksAllocated.Set(float64(s.nextBlock))
	s.refreshMmapLocked()
	return nil
}

// lockFor returns the RW lock guarding a block, creating it on first use
func (s *Store) lockFor(id BlockID) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

// readBlock fetches a block image, consulting the cache first, then the
// mmapped store file, then plain file reads past the mapped length.
func (s *Store) readBlock(id BlockID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBlockLocked(id)
}

func (s *Store) readBlockLocked(id BlockID) ([]byte, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	if id >= s.nextBlock {
		return nil, fmt.Errorf("%w: %d >= %d", ErrBlockOutOfRange, id, s.nextBlock)
	}

	if data, ok := s.cache.Get(id); ok {
		s.metrics.RecordCacheAccess(true)
		s.metrics.StorageBlockReads.WithLabelValues("cache").Inc()
		return data, nil
	}
	s.metrics.RecordCacheAccess(false)

	data := make([]byte, s.blockSize)
	off := int64(id) * int64(s.blockSize)
	if s.mr != nil && off+int64(s.blockSize) <= int64(s.mr.Len()) {
		if _, err := s.mr.ReadAt(data, off); err != nil {
			return nil, fmt.Errorf("mmap read of block %d failed: %w", id, err)
		}
		s.metrics.StorageBlockReads.WithLabelValues("mmap").Inc()
	} else {
		if _, err := s.file.ReadAt(data, off); err != nil {
			return nil, fmt.Errorf("read of block %d failed: %w", id, err)
		}
		s.metrics.StorageBlockReads.WithLabelValues("file").Inc()
	}

	s.cache.Put(id, data)
	return data, nil
}

// refreshMmap reopens the read-only mapping after the file has grown
func (s *Store) refreshMmap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshMmapLocked()
}

func (s *Store) refreshMmapLocked() {
	if s.mr != nil {
		_ = s.mr.Close()
		s.mr = nil
	}
	mr, err := mmap.Open(s.file.Name())
	if err != nil {
		// Plain file reads still work without the mapping
		s.logger.Debug("mmap unavailable, falling back to file reads", logging.Error(err))
		return
	}
	s.mr = mr
}

// Close flushes nothing (committed data is already durable) and releases
// file handles. In-flight transactions must be finished first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.mr != nil {
		_ = s.mr.Close()
	}
	if err := s.wal.Close(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// CacheStats exposes block cache hit/miss counters
func (s *Store) CacheStats() (hits, misses int64, hitRate float64) {
	return s.cache.Stats()
}
