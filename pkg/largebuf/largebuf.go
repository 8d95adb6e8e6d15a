package largebuf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
)

// Intent selects the lock mode for backing blocks
type Intent int

const (
	Read Intent = iota
	Write
)

var (
	ErrNotAcquired      = errors.New("large buffer backing blocks not acquired")
	ErrReadOnly         = errors.New("large buffer opened with read intent")
	ErrAlreadyAllocated = errors.New("large buffer is already allocated")
	ErrUnallocated      = errors.New("large buffer is unallocated")
	ErrOutOfBounds      = errors.New("large buffer access out of bounds")
	ErrRefCapacity      = errors.New("large buffer reference capacity exceeded")
)

// LargeBuf is locked access to one large buffer inside a transaction. The
// zero-size state is "unallocated": callers either Allocate a fresh buffer
// or Acquire the backing blocks of an existing one before reading/writing.
//
// Small buffers keep data block ids directly in the reference. Once the
// data blocks outgrow the reference's id slots, the slots switch to holding
// indirect blocks, each a dense array of data block ids, multiplying the
// addressable size by blockSize/8. The mode is implied by the buffer's
// size, which never shrinks.
type LargeBuf struct {
	tx        *blockcache.Transaction
	ref       RefView
	blockSize int64
	intent    Intent
	handles   []*blockcache.Handle
	indirect  []*blockcache.Handle
}

// New wraps a reference for use inside tx. No blocks are touched until
// Acquire or Allocate.
func New(tx *blockcache.Transaction, ref RefView, blockSize uint32, intent Intent) *LargeBuf {
	return &LargeBuf{
		tx:        tx,
		ref:       ref,
		blockSize: int64(blockSize),
		intent:    intent,
	}
}

// Size returns the buffer's current logical size in bytes
func (lb *LargeBuf) Size() int64 {
	return lb.ref.Size()
}

func (lb *LargeBuf) blocksFor(size int64) int {
	return int((size + lb.blockSize - 1) / lb.blockSize)
}

// idsPerBlock is the number of block ids an indirect block holds
func (lb *LargeBuf) idsPerBlock() int {
	return int(lb.blockSize / 8)
}

// Acquire faults in every backing block of an already-allocated buffer,
// resolving indirect blocks first when the buffer has outgrown the
// reference's direct slots. This is the operation's suspension point: it
// blocks while blocks are fetched and locked, honoring ctx cancellation
// between fetches.
func (lb *LargeBuf) Acquire(ctx context.Context) error {
	need := lb.blocksFor(lb.ref.Size())
	if need <= lb.ref.MaxBlockIDs() {
		for len(lb.handles) < need {
			i := len(lb.handles)
			id := lb.ref.BlockID(i)
			if id == blockcache.NullBlockID {
				return fmt.Errorf("backing block slot %d is null with size %d", i, lb.ref.Size())
			}
			h, err := lb.acquireBlock(ctx, id)
			if err != nil {
				return err
			}
			lb.handles = append(lb.handles, h)
		}
		return nil
	}

	ipb := lb.idsPerBlock()
	indNeed := (need + ipb - 1) / ipb
	for len(lb.indirect) < indNeed {
		i := len(lb.indirect)
		id := lb.ref.BlockID(i)
		if id == blockcache.NullBlockID {
			return fmt.Errorf("indirect block slot %d is null with size %d", i, lb.ref.Size())
		}
		h, err := lb.acquireBlock(ctx, id)
		if err != nil {
			return err
		}
		lb.indirect = append(lb.indirect, h)
	}
	for len(lb.handles) < need {
		i := len(lb.handles)
		id := indirectEntry(lb.indirect[i/ipb].Data(), i%ipb)
		if id == blockcache.NullBlockID {
			return fmt.Errorf("indirect entry %d is null with size %d", i, lb.ref.Size())
		}
		h, err := lb.acquireBlock(ctx, id)
		if err != nil {
			return err
		}
		lb.handles = append(lb.handles, h)
	}
	return nil
}

func (lb *LargeBuf) acquireBlock(ctx context.Context, id blockcache.BlockID) (*blockcache.Handle, error) {
	if lb.intent == Write {
		return lb.tx.AcquireWrite(ctx, id)
	}
	return lb.tx.AcquireRead(ctx, id)
}

// Allocate transitions an unallocated buffer to size n, allocating backing
// blocks. The buffer is then fully acquired.
func (lb *LargeBuf) Allocate(ctx context.Context, n int64) error {
	if lb.intent != Write {
		return ErrReadOnly
	}
	if lb.ref.Size() != 0 {
		return ErrAlreadyAllocated
	}
	if n <= 0 {
		return fmt.Errorf("%w: allocate size %d", ErrOutOfBounds, n)
	}
	if err := lb.grow(ctx, n); err != nil {
		return err
	}
	lb.ref.SetSize(n)
	return nil
}

// Append grows the buffer by n bytes and returns the number of bytes of
// block id bookkeeping added (8 per newly occupied data block id slot,
// whether in the reference or an indirect block). The existing backing
// blocks must have been acquired first.
func (lb *LargeBuf) Append(ctx context.Context, n int64) (int, error) {
	if lb.intent != Write {
		return 0, ErrReadOnly
	}
	size := lb.ref.Size()
	if size == 0 {
		return 0, ErrUnallocated
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: append size %d", ErrOutOfBounds, n)
	}
	if len(lb.handles) < lb.blocksFor(size) {
		return 0, ErrNotAcquired
	}

	before := lb.blocksFor(size)
	if err := lb.grow(ctx, size+n); err != nil {
		return 0, err
	}
	lb.ref.SetSize(size + n)
	return (lb.blocksFor(size+n) - before) * 8, nil
}

// grow allocates backing blocks until the buffer can hold newSize bytes,
// converting from direct to indirect addressing when the data blocks
// outgrow the reference's id slots
func (lb *LargeBuf) grow(ctx context.Context, newSize int64) error {
	need := lb.blocksFor(newSize)
	max := lb.ref.MaxBlockIDs()
	ipb := lb.idsPerBlock()
	if need > max*ipb {
		return fmt.Errorf("%w: need %d blocks, reference addresses at most %d",
			ErrRefCapacity, need, max*ipb)
	}

	if need <= max && len(lb.indirect) == 0 {
		for len(lb.handles) < need {
			id, h, err := lb.tx.Allocate(ctx)
			if err != nil {
				return err
			}
			lb.ref.SetBlockID(len(lb.handles), id)
			lb.handles = append(lb.handles, h)
		}
		return nil
	}

	if len(lb.indirect) == 0 {
		if err := lb.convertToIndirect(ctx); err != nil {
			return err
		}
	}
	for len(lb.handles) < need {
		i := len(lb.handles)
		slot := i / ipb
		if slot == len(lb.indirect) {
			indID, indH, err := lb.tx.Allocate(ctx)
			if err != nil {
				return err
			}
			fillNullEntries(indH.Data())
			lb.ref.SetBlockID(slot, indID)
			lb.indirect = append(lb.indirect, indH)
		}
		id, h, err := lb.tx.Allocate(ctx)
		if err != nil {
			return err
		}
		setIndirectEntry(lb.indirect[slot].Data(), i%ipb, id)
		lb.handles = append(lb.handles, h)
	}
	return nil
}

// convertToIndirect moves the reference's direct data block ids into a
// freshly allocated indirect block and repoints slot 0 at it. The reference
// window always fits inside one block, so a single indirect block covers
// every direct id.
func (lb *LargeBuf) convertToIndirect(ctx context.Context) error {
	indID, indH, err := lb.tx.Allocate(ctx)
	if err != nil {
		return err
	}
	fillNullEntries(indH.Data())
	for i := 0; i < len(lb.handles); i++ {
		setIndirectEntry(indH.Data(), i, lb.ref.BlockID(i))
	}
	for i := 0; i < lb.ref.MaxBlockIDs(); i++ {
		lb.ref.SetBlockID(i, blockcache.NullBlockID)
	}
	lb.ref.SetBlockID(0, indID)
	lb.indirect = append(lb.indirect, indH)
	return nil
}

func indirectEntry(data []byte, i int) blockcache.BlockID {
	return blockcache.BlockID(binary.LittleEndian.Uint64(data[i*8:]))
}

func setIndirectEntry(data []byte, i int, id blockcache.BlockID) {
	binary.LittleEndian.PutUint64(data[i*8:], uint64(id))
}

func fillNullEntries(data []byte) {
	for i := 0; i < len(data)/8; i++ {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(blockcache.NullBlockID))
	}
}

// FillAt copies p into the buffer at offset off
func (lb *LargeBuf) FillAt(off int64, p []byte) error {
	if lb.intent != Write {
		return ErrReadOnly
	}
	return lb.walk(off, int64(len(p)), func(block []byte, pOff int64) {
		copy(block, p[pOff:])
	})
}

// ReadAt copies len(p) bytes from the buffer at offset off into p
func (lb *LargeBuf) ReadAt(off int64, p []byte) error {
	return lb.walk(off, int64(len(p)), func(block []byte, pOff int64) {
		copy(p[pOff:], block)
	})
}

// walk visits the backing block spans covering [off, off+n)
func (lb *LargeBuf) walk(off, n int64, fn func(block []byte, pOff int64)) error {
	if off < 0 || off+n > lb.ref.Size() {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfBounds, off, off+n, lb.ref.Size())
	}
	pOff := int64(0)
	for n > 0 {
		ordinal := int(off / lb.blockSize)
		if ordinal >= len(lb.handles) {
			return ErrNotAcquired
		}
		blockOff := off % lb.blockSize
		span := lb.blockSize - blockOff
		if span > n {
			span = n
		}
		fn(lb.handles[ordinal].Data()[blockOff:blockOff+span], pOff)
		off += span
		pOff += span
		n -= span
	}
	return nil
}

// Release drops the locks on all acquired backing blocks, data blocks
// first, then indirect blocks. The parent block's lock is the caller's to
// manage.
func (lb *LargeBuf) Release() {
	for i := len(lb.handles) - 1; i >= 0; i-- {
		lb.handles[i].Release()
	}
	for i := len(lb.indirect) - 1; i >= 0; i-- {
		lb.indirect[i].Release()
	}
	lb.handles = nil
	lb.indirect = nil
}
