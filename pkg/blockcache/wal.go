package blockcache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
)

// commitMarkerID marks the entry that closes a commit. Block ids this high
// would put the store file past any addressable offset, so the value cannot
// collide with a real block.
const commitMarkerID = ^uint64(0) - 1

// WAL is a write-ahead log of snappy-compressed block images. Each commit
// appends the full image of every dirty block followed by a commit marker
// carrying the image count; replay only applies fully framed commits, so a
// crash mid-commit never persists a subset of a transaction's blocks.
//
// Entry format: [LSN:8][BlockID:8][DataLen:4][Data:N][Checksum:4][Timestamp:8]
type WAL struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	path       string
	currentLSN uint64

	metrics *metrics.Registry
}

// OpenWAL opens or creates the WAL file at path
func OpenWAL(path string, reg *metrics.Registry) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, err
	}
	return &WAL{
		file:    file,
		writer:  bufio.NewWriter(file),
		path:    path,
		metrics: reg,
	}, nil
}

// Append logs a block image. The entry is buffered and not part of any
// commit until Commit frames it; call Sync before relying on it.
func (w *WAL) Append(id BlockID, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	compressed := snappy.Encode(nil, data)
	if err := w.writeEntry(uint64(id), compressed); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.StorageWALBytesTotal.WithLabelValues("raw").Add(float64(len(data)))
		w.metrics.StorageWALBytesTotal.WithLabelValues("compressed").Add(float64(len(compressed)))
	}
	return nil
}

// Commit closes the current commit: a marker entry records how many block
// images belong to it. Entries not followed by a matching marker are
// ignored on replay.
func (w *WAL) Commit(blocks int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(blocks))
	return w.writeEntry(commitMarkerID, payload)
}

// writeEntry appends one framed entry. Caller holds w.mu.
func (w *WAL) writeEntry(id uint64, payload []byte) error {
	w.currentLSN++
	checksum := crc32.ChecksumIEEE(payload)

	if err := binary.Write(w.writer, binary.LittleEndian, w.currentLSN); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, id); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, checksum); err != nil {
		return err
	}
	return binary.Write(w.writer, binary.LittleEndian, time.Now().Unix())
}

// Sync flushes buffered entries and fsyncs the WAL file
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Replay reads all entries from the start of the WAL and hands each
// decompressed block image of every complete commit to fn. Entries are
// buffered until their commit marker arrives; a torn or corrupt entry stops
// replay, and buffered entries with no marker are discarded, since a commit
// whose marker never reached disk was never acknowledged.
func (w *WAL) Replay(fn func(id BlockID, data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(w.file)

	type pendingBlock struct {
		id   BlockID
		data []byte
	}
	var pending []pendingBlock

	for {
		var lsn, blockID uint64
		var dataLen uint32

		if err := binary.Read(reader, binary.LittleEndian, &lsn); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if err := binary.Read(reader, binary.LittleEndian, &blockID); err != nil {
			break // torn tail
		}
		if err := binary.Read(reader, binary.LittleEndian, &dataLen); err != nil {
			break
		}
		payload := make([]byte, dataLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}
		var checksum uint32
		if err := binary.Read(reader, binary.LittleEndian, &checksum); err != nil {
			break
		}
		var ts int64
		if err := binary.Read(reader, binary.LittleEndian, &ts); err != nil {
			break
		}

		if crc32.ChecksumIEEE(payload) != checksum {
			break
		}

		if blockID == commitMarkerID {
			if len(payload) != 4 || int(binary.LittleEndian.Uint32(payload)) != len(pending) {
				break
			}
			for _, p := range pending {
				if err := fn(p.id, p.data); err != nil {
					return err
				}
			}
			pending = pending[:0]
			if lsn > w.currentLSN {
				w.currentLSN = lsn
			}
			continue
		}

		data, err := snappy.Decode(nil, payload)
		if err != nil {
			break
		}
		pending = append(pending, pendingBlock{BlockID(blockID), data})
		if lsn > w.currentLSN {
			w.currentLSN = lsn
		}
	}

	_, err := w.file.Seek(0, io.SeekEnd)
	return err
}

// Reset truncates the WAL after its images have been applied to the store
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.writer.Reset(w.file)
	return nil
}

// Close flushes and closes the WAL file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
