package kvtable

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/zeebo/xxh3"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// BlockSize is the minimum uncompressed size in bytes of each table block.
	// Default: 4KiB.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points
	// for prefix compression of keys.
	//
	// Default: 16.
	BlockRestartInterval int

	// The compression codec to use.
	// Default: SnappyCompression.
	Compression Compression

	// Comparator defines the key order. It must match the comparator used
	// to read the table back.
	// Default: BytewiseComparator.
	Comparator Comparator

	// BloomBitsPerKey is the number of bloom filter bits per key. Set to
	// a negative value to disable the filter block.
	// Default: 10 (~1% false positives).
	BloomBitsPerKey int
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 12
	}
	if oo.BlockRestartInterval < 1 {
		oo.BlockRestartInterval = 16
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	if oo.Comparator == nil {
		oo.Comparator = BytewiseComparator()
	}
	if oo.BloomBitsPerKey == 0 {
		oo.BloomBitsPerKey = 10
	}

	return &oo
}

// Writer instances can write a table. Entries must be appended in strictly
// increasing key order; the writer groups them into data blocks, maintains
// one index entry per data block and finalizes the file with a filter
// block, the index block and the footer on Close.
type Writer struct {
	w io.Writer
	o *WriterOptions

	dataBlock  *BlockBuilder
	indexBlock *BlockBuilder
	filter     *bloomFilterBuilder

	pendingHandle BlockHandle // handle of the last flushed data block
	pendingIndex  bool        // an index entry for pendingHandle is owed

	lastKey    []byte
	numEntries uint64
	offset     uint64

	cbuf    []byte // compression buffer
	handles []byte // scratch buffer for handle encoding
	err     error
	closed  bool
}

// NewWriter wraps a writer and returns a Writer.
func NewWriter(w io.Writer, o *WriterOptions) *Writer {
	o = o.norm()
	wr := &Writer{
		w:          w,
		o:          o,
		dataBlock:  NewBlockBuilder(o.Comparator, o.BlockRestartInterval),
		indexBlock: NewBlockBuilder(o.Comparator, 1),
	}
	if o.BloomBitsPerKey > 0 {
		wr.filter = newBloomFilterBuilder(o.BloomBitsPerKey)
	}
	return wr
}

// Append appends an entry to the table.
func (w *Writer) Append(key, value []byte) error {
	if w.closed {
		return errClosed
	}
	if w.err != nil {
		return w.err
	}

	if w.numEntries != 0 && w.o.Comparator.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("kvtable: attempted an out-of-order append, %q must be > %q", key, w.lastKey)
	}

	// The index entry for the previous data block is deferred until the
	// first key of the next block is known; the previous block's last key
	// is used as the separator.
	if w.pendingIndex {
		w.handles = w.pendingHandle.EncodeTo(w.handles[:0])
		w.indexBlock.Add(w.lastKey, w.handles)
		w.pendingIndex = false
	}

	if w.filter != nil {
		w.filter.Add(key)
	}

	w.dataBlock.Add(key, value)
	w.lastKey = append(w.lastKey[:0], key...)
	w.numEntries++

	if w.dataBlock.SizeEstimate() >= w.o.BlockSize {
		w.flush()
	}
	return w.err
}

// Close flushes the remaining data, writes the filter block, the index
// block and the footer and closes the writer.
func (w *Writer) Close() error {
	if w.closed {
		return errClosed
	}
	if w.err != nil {
		return w.err
	}

	w.flush()

	var filterHandle BlockHandle
	if w.filter != nil && w.numEntries != 0 {
		filterHandle = w.writeBlock(w.filter.Finish(), NoCompression)
	}

	if w.pendingIndex {
		w.handles = w.pendingHandle.EncodeTo(w.handles[:0])
		w.indexBlock.Add(w.lastKey, w.handles)
		w.pendingIndex = false
	}
	indexHandle := w.writeBlock(w.indexBlock.Finish(), w.o.Compression)

	w.writeRaw(encodeFooter(filterHandle, indexHandle))
	w.closed = true
	return w.err
}

// NumEntries returns the number of entries appended so far.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// FileSize returns the number of bytes written so far.
func (w *Writer) FileSize() uint64 { return w.offset }

// Err returns the first write failure. Once set, all subsequent mutations
// are rejected with the same error.
func (w *Writer) Err() error { return w.err }

// flush finalizes the current data block and leaves a pending index entry.
func (w *Writer) flush() {
	if w.dataBlock.Empty() || w.err != nil {
		return
	}

	w.pendingHandle = w.writeBlock(w.dataBlock.Finish(), w.o.Compression)
	w.pendingIndex = w.err == nil
	w.dataBlock.Reset()
}

// writeBlock compresses and writes a finished block followed by its
// trailer, returning the handle of the written range.
func (w *Writer) writeBlock(raw []byte, compression Compression) BlockHandle {
	if w.err != nil {
		return BlockHandle{}
	}

	payload := raw
	tag := byte(blockNoCompression)

	switch compression {
	case SnappyCompression:
		w.cbuf = snappy.Encode(w.cbuf[:cap(w.cbuf)], raw)
		if len(w.cbuf) < len(raw)-len(raw)/4 {
			payload, tag = w.cbuf, blockSnappyCompression
		}
	case LZ4Compression:
		if p, err := lz4CompressFrame(w.cbuf[:0], raw); err == nil && len(p) < len(raw)-len(raw)/4 {
			w.cbuf = p
			payload, tag = p, blockLZ4Compression
		}
	case ZstdCompression:
		w.cbuf = zstdEncoder.EncodeAll(raw, w.cbuf[:0])
		if len(w.cbuf) < len(raw)-len(raw)/4 {
			payload, tag = w.cbuf, blockZstdCompression
		}
	}

	handle := BlockHandle{Offset: w.offset, Size: uint64(len(payload))}
	w.writeRaw(payload)

	var trailer [blockTrailerLen]byte
	trailer[0] = tag
	binary.LittleEndian.PutUint32(trailer[1:], blockChecksum(payload, tag))
	w.writeRaw(trailer[:])

	return handle
}

func (w *Writer) writeRaw(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	w.offset += uint64(n)
	w.err = err
}

// blockChecksum covers the block payload plus the compression tag.
func blockChecksum(payload []byte, tag byte) uint32 {
	h := xxh3.New()
	_, _ = h.Write(payload)
	_, _ = h.Write([]byte{tag})
	return uint32(h.Sum64())
}
