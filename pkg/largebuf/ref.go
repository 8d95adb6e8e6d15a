// Package largebuf implements a byte-addressable logical buffer backed by a
// small fixed-size reference embedded in a parent block plus backing blocks
// from the block cache. A reference with size 0 is the unallocated sentinel:
// a large buffer cannot represent a valid empty allocated state.
package largebuf

import (
	"encoding/binary"
	"errors"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
)

// Reference layout: [offset:8][size:8][block_id:8]...
// The number of block id slots is fixed by the reference window's length.
const (
	RefBaseSize = 16
	// MinRefSize is the smallest usable reference: base fields plus one id slot
	MinRefSize = RefBaseSize + 8
)

var ErrRefTooSmall = errors.New("large buffer reference window too small")

// RefView is a fixed-offset packer/unpacker over the raw bytes of a
// large-buffer reference inside a parent block. Mutations write straight
// into the parent block's buffer, so they are only legal while the parent
// is write-locked.
type RefView struct {
	buf []byte
}

// NewRefView wraps a reference window. The window length fixes the maximum
// number of backing block id slots.
func NewRefView(buf []byte) (RefView, error) {
	if len(buf) < MinRefSize {
		return RefView{}, ErrRefTooSmall
	}
	return RefView{buf: buf}, nil
}

// Initialize resets the reference to the unallocated sentinel state:
// offset 0, size 0, every id slot set to the null block id.
func (r RefView) Initialize() {
	r.SetOffset(0)
	r.SetSize(0)
	for i := 0; i < r.MaxBlockIDs(); i++ {
		r.SetBlockID(i, blockcache.NullBlockID)
	}
}

// Offset is the base subtracted from absolute stream offsets. Kept to allow
// trimming the stream's front without renumbering; always 0 until trimming
// exists.
func (r RefView) Offset() int64 {
	return int64(binary.LittleEndian.Uint64(r.buf[0:8]))
}

func (r RefView) SetOffset(v int64) {
	binary.LittleEndian.PutUint64(r.buf[0:8], uint64(v))
}

// Size is the logical byte length of the buffer; 0 means unallocated
func (r RefView) Size() int64 {
	return int64(binary.LittleEndian.Uint64(r.buf[8:16]))
}

func (r RefView) SetSize(v int64) {
	binary.LittleEndian.PutUint64(r.buf[8:16], uint64(v))
}

// MaxBlockIDs is the number of backing block id slots in this reference
func (r RefView) MaxBlockIDs() int {
	return (len(r.buf) - RefBaseSize) / 8
}

// BlockID returns the i-th backing block id
func (r RefView) BlockID(i int) blockcache.BlockID {
	off := RefBaseSize + i*8
	return blockcache.BlockID(binary.LittleEndian.Uint64(r.buf[off : off+8]))
}

func (r RefView) SetBlockID(i int, id blockcache.BlockID) {
	off := RefBaseSize + i*8
	binary.LittleEndian.PutUint64(r.buf[off:off+8], uint64(id))
}
