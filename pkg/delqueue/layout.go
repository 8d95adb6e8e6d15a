// Package delqueue implements the per-shard persistent delete queue: an
// append-only, timestamp-indexed log of recently deleted keys stored in the
// block cache. A lagging replica asks for a time window and gets back every
// key deleted in it, so catch-up never needs a full dataset scan.
//
// Root block layout: [magic:4][primal_offset:8][timestamp_index_ref][key_blob_ref]
// Timestamp index record: [timestamp:4][end_offset:8], 12 bytes, no padding.
// Key blob record: [length:1][key_bytes:length].
package delqueue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-shardstore/pkg/largebuf"
)

// Magic tags a block as a delete queue root
var Magic = [4]byte{'D', 'e', 'l', 'Q'}

const (
	magicSize          = 4
	primalOffsetOffset = magicSize
	timestampIndexOff  = primalOffsetOffset + 8

	// The timestamp index reference carries four backing block id slots;
	// the key blob reference gets the remainder of the root block.
	timestampIndexRefSize = largebuf.RefBaseSize + 4*8
	keyBlobOff            = timestampIndexOff + timestampIndexRefSize

	// IndexRecordSize is the packed size of one timestamp index record
	IndexRecordSize = 4 + 8

	// MaxKeyLen is the largest key the 1-byte length prefix can describe
	MaxKeyLen = 255
)

var (
	ErrCorrupt       = errors.New("delete queue corrupted")
	ErrKeyTooLong    = errors.New("key exceeds maximum length")
	ErrBlockTooSmall = errors.New("block size too small for delete queue root")
)

// Layout is the offset arithmetic for a delete queue root block. It is pure:
// all methods are functions of the block size and the raw root bytes.
type Layout struct {
	blockSize uint32
}

// NewLayout validates that a root block of blockSize bytes can hold the
// fixed header plus a usable key blob reference.
func NewLayout(blockSize uint32) (Layout, error) {
	if int(blockSize) < keyBlobOff+largebuf.MinRefSize {
		return Layout{}, fmt.Errorf("%w: %d bytes", ErrBlockTooSmall, blockSize)
	}
	return Layout{blockSize: blockSize}, nil
}

// KeyBlobRefSize is the space given to the key blob reference: everything
// left in the root block after the fixed header and the index reference.
func (l Layout) KeyBlobRefSize() int {
	return int(l.blockSize) - keyBlobOff
}

// CheckMagic verifies the root block's magic tag
func (l Layout) CheckMagic(root []byte) error {
	return CheckMagic(root)
}

// CheckMagic verifies a block's delete queue magic tag. Usable without a
// Layout: the magic sits at a fixed offset independent of block size.
func CheckMagic(root []byte) error {
	if len(root) < magicSize || !bytes.Equal(root[:magicSize], Magic[:]) {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, root[:min(len(root), magicSize)])
	}
	return nil
}

// SetMagic stamps the root block's magic tag
func (l Layout) SetMagic(root []byte) {
	copy(root[:magicSize], Magic[:])
}

// PrimalOffset is the absolute offset corresponding to logical offset 0 of
// the key blob. It exists so the blob's front can be trimmed later without
// renumbering; nothing trims yet, so it stays a running base.
func (l Layout) PrimalOffset(root []byte) int64 {
	return int64(binary.LittleEndian.Uint64(root[primalOffsetOffset : primalOffsetOffset+8]))
}

// SetPrimalOffset stores the primal offset
func (l Layout) SetPrimalOffset(root []byte, v int64) {
	binary.LittleEndian.PutUint64(root[primalOffsetOffset:primalOffsetOffset+8], uint64(v))
}

// TimestampIndexRef returns a view of the timestamp index reference
func (l Layout) TimestampIndexRef(root []byte) (largebuf.RefView, error) {
	return largebuf.NewRefView(root[timestampIndexOff : timestampIndexOff+timestampIndexRefSize])
}

// KeyBlobRef returns a view of the key blob reference
func (l Layout) KeyBlobRef(root []byte) (largebuf.RefView, error) {
	return largebuf.NewRefView(root[keyBlobOff : keyBlobOff+l.KeyBlobRefSize()])
}

// indexRecord is one (timestamp, end offset) pair of the timestamp index
type indexRecord struct {
	timestamp uint32
	endOffset int64
}

func encodeIndexRecord(rec indexRecord) [IndexRecordSize]byte {
	var b [IndexRecordSize]byte
	binary.LittleEndian.PutUint32(b[0:4], rec.timestamp)
	binary.LittleEndian.PutUint64(b[4:12], uint64(rec.endOffset))
	return b
}

func decodeIndexRecord(b []byte) indexRecord {
	return indexRecord{
		timestamp: binary.LittleEndian.Uint32(b[0:4]),
		endOffset: int64(binary.LittleEndian.Uint64(b[4:12])),
	}
}

// InitializeEmpty sets up a fresh delete queue root in a zeroed block:
// magic tag, zero primal offset, both references in the unallocated
// sentinel state with null block id slots. Called once per shard.
func InitializeEmpty(root []byte, blockSize uint32) error {
	l, err := NewLayout(blockSize)
	if err != nil {
		return err
	}
	if uint32(len(root)) < blockSize {
		return fmt.Errorf("root block is %d bytes, block size is %d", len(root), blockSize)
	}

	l.SetMagic(root)
	l.SetPrimalOffset(root, 0)

	toRef, err := l.TimestampIndexRef(root)
	if err != nil {
		return err
	}
	toRef.Initialize()

	keysRef, err := l.KeyBlobRef(root)
	if err != nil {
		return err
	}
	keysRef.Initialize()
	return nil
}
