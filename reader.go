package kvtable

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/snappy"
)

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// Comparator defines the key order. It must match the comparator the
	// table was written with.
	// Default: BytewiseComparator.
	Comparator Comparator
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}
	if oo.Comparator == nil {
		oo.Comparator = BytewiseComparator()
	}
	return &oo
}

// Reader instances can seek and iterate across data in tables. A Reader is
// safe for concurrent use; every iterator carries its own cursor state.
type Reader struct {
	r io.ReaderAt
	o *ReaderOptions

	index     *Block // resident index block
	filter    []byte // bloom filter data, nil when absent
	size      uint64 // file size, bounds every block handle
	numBlocks int
}

// NewReader opens a reader. It reads and verifies the footer, the index
// block and the filter block; data blocks are loaded on demand.
func NewReader(r io.ReaderAt, size int64, o *ReaderOptions) (*Reader, error) {
	o = o.norm()

	if size < footerLen {
		return nil, errBadMagic
	}
	footer := make([]byte, footerLen)
	if _, err := r.ReadAt(footer, size-footerLen); err != nil {
		return nil, err
	}
	filterHandle, indexHandle, err := decodeFooter(footer)
	if err != nil {
		return nil, err
	}

	rd := &Reader{r: r, o: o, size: uint64(size)}

	index, err := rd.readBlock(indexHandle)
	if err != nil {
		return nil, err
	}
	index.pooled = false // resident for the lifetime of the reader
	rd.index = index

	// count data blocks, validating index entries on the way
	it := index.Iterator()
	for ok := it.First(); ok; ok = it.Next() {
		h, n := DecodeBlockHandle(it.Value())
		if n == 0 || rd.checkHandle(h) != nil {
			return nil, ErrCorrupted
		}
		rd.numBlocks++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if !filterHandle.zero() {
		filter, pooled, err := rd.readBlockData(filterHandle)
		if err != nil {
			return nil, err
		}
		if pooled { // keep a private copy, the pool may reuse the buffer
			filter = append([]byte(nil), filter...)
		}
		rd.filter = filter
	}

	return rd, nil
}

// NumBlocks returns the number of stored data blocks.
func (r *Reader) NumBlocks() int { return r.numBlocks }

// Append retrieves a single value for a key and appends it to dst instead
// of allocating a new byte slice. It may return an ErrNotFound error.
func (r *Reader) Append(dst, key []byte) ([]byte, error) {
	if r.filter != nil && !bloomMayContain(r.filter, key) {
		return dst, ErrNotFound
	}

	iter := r.Iterator()
	defer iter.Release()

	if !iter.Seek(key) || r.o.Comparator.Compare(iter.Key(), key) != 0 {
		if err := iter.Err(); err != nil {
			return dst, err
		}
		return dst, ErrNotFound
	}
	return append(dst, iter.Value()...), nil
}

// Get is a shortcut for Append(nil, key).
// It may return an ErrNotFound error.
func (r *Reader) Get(key []byte) ([]byte, error) {
	return r.Append(nil, key)
}

// Iterator returns an unpositioned iterator over the whole table.
func (r *Reader) Iterator() *TableIterator {
	return &TableIterator{r: r, indexIter: r.index.Iterator()}
}

// Seek returns an iterator positioned at the first entry with key >= key,
// or an exhausted iterator if no such entry exists.
func (r *Reader) Seek(key []byte) (*TableIterator, error) {
	iter := r.Iterator()
	if !iter.Seek(key) {
		if err := iter.Err(); err != nil {
			iter.Release()
			return nil, err
		}
	}
	return iter, nil
}

// readBlock reads, verifies and parses the block identified by the handle.
func (r *Reader) readBlock(h BlockHandle) (*Block, error) {
	data, pooled, err := r.readBlockData(h)
	if err != nil {
		return nil, err
	}

	block := NewBlock(data, r.o.Comparator)
	block.pooled = pooled
	if block.err != nil {
		block.Release()
		return nil, ErrCorrupted
	}
	return block, nil
}

// checkHandle bounds-checks a handle against the file size. Handles come
// from untrusted bytes and must be rejected before any allocation or read.
func (r *Reader) checkHandle(h BlockHandle) error {
	if h.Size > r.size || h.Offset > r.size-h.Size || r.size-h.Offset-h.Size < blockTrailerLen {
		return ErrCorrupted
	}
	return nil
}

// readBlockData fetches the raw byte range of a block, verifies its
// checksum and decompresses the payload. The second return value reports
// whether the returned buffer was taken from the internal pool.
func (r *Reader) readBlockData(h BlockHandle) ([]byte, bool, error) {
	if err := r.checkHandle(h); err != nil {
		return nil, false, err
	}

	raw := fetchBuffer(int(h.Size) + blockTrailerLen)
	if _, err := r.r.ReadAt(raw, int64(h.Offset)); err != nil {
		releaseBuffer(raw)
		return nil, false, err
	}

	payload, tag := raw[:h.Size], raw[h.Size]
	if blockChecksum(payload, tag) != binary.LittleEndian.Uint32(raw[h.Size+1:]) {
		releaseBuffer(raw)
		return nil, false, errBadChecksum
	}

	switch tag {
	case blockNoCompression:
		return payload, true, nil
	case blockSnappyCompression:
		defer releaseBuffer(raw)

		sz, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, false, err
		}
		plain := fetchBuffer(sz)
		if plain, err = snappy.Decode(plain, payload); err != nil {
			releaseBuffer(plain)
			return nil, false, err
		}
		return plain, true, nil
	case blockLZ4Compression:
		defer releaseBuffer(raw)

		plain, err := lz4DecompressFrame(payload)
		if err != nil {
			return nil, false, err
		}
		return plain, false, nil
	case blockZstdCompression:
		defer releaseBuffer(raw)

		plain, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, false, err
		}
		return plain, false, nil
	default:
		releaseBuffer(raw)
		return nil, false, errBadCompression
	}
}

// --------------------------------------------------------------------

// TableIterator composes the resident index iterator with on-demand data
// block iterators into a single cursor over the whole table. The handle of
// the current data block is cached so that repeated seeks within the same
// block do not re-read it.
type TableIterator struct {
	r *Reader

	indexIter  *BlockIterator
	dataBlock  *Block
	dataIter   *BlockIterator
	dataHandle BlockHandle

	err error
}

// Valid reports whether the iterator is positioned at an entry.
func (i *TableIterator) Valid() bool {
	return i.err == nil && i.dataIter != nil && i.dataIter.Valid()
}

// Key returns the current key. It is only valid until the next cursor move.
func (i *TableIterator) Key() []byte {
	if i.dataIter == nil {
		return nil
	}
	return i.dataIter.Key()
}

// Value returns the current value. It is only valid until the next cursor
// move.
func (i *TableIterator) Value() []byte {
	if i.dataIter == nil {
		return nil
	}
	return i.dataIter.Value()
}

// Err returns the first failure encountered, checking the index iterator
// before the current data iterator.
func (i *TableIterator) Err() error {
	if err := i.indexIter.Err(); err != nil {
		return err
	}
	if i.dataIter != nil {
		if err := i.dataIter.Err(); err != nil {
			return err
		}
	}
	return i.err
}

// First moves to the first entry of the table and reports whether the
// iterator is valid afterwards.
func (i *TableIterator) First() bool {
	if i.err != nil {
		return false
	}
	i.indexIter.First()
	i.initDataBlock()
	if i.dataIter != nil {
		i.dataIter.First()
	}
	return i.skipForward()
}

// Last moves to the final entry of the table.
func (i *TableIterator) Last() bool {
	if i.err != nil {
		return false
	}
	i.indexIter.Last()
	i.initDataBlock()
	if i.dataIter != nil {
		i.dataIter.Last()
	}
	return i.skipBackward()
}

// Next advances to the next entry, crossing into the following data block
// when the current one is exhausted.
func (i *TableIterator) Next() bool {
	if !i.Valid() {
		return false
	}
	i.dataIter.Next()
	return i.skipForward()
}

// Prev moves to the previous entry, crossing into the preceding data block
// when the current one is exhausted.
func (i *TableIterator) Prev() bool {
	if !i.Valid() {
		return false
	}
	i.dataIter.Prev()
	return i.skipBackward()
}

// Seek moves to the first entry with key >= target.
func (i *TableIterator) Seek(target []byte) bool {
	if i.err != nil {
		return false
	}
	i.indexIter.Seek(target)
	i.initDataBlock()
	if i.dataIter != nil {
		i.dataIter.Seek(target)
	}
	return i.skipForward()
}

// Release releases the iterator and frees up resources. The iterator must
// not be used after this method is called.
func (i *TableIterator) Release() {
	i.clearDataBlock()
	i.err = errReleased
}

// initDataBlock materializes the data block the index iterator points at,
// reusing the current one when the handle is unchanged.
func (i *TableIterator) initDataBlock() {
	if !i.indexIter.Valid() {
		i.clearDataBlock()
		return
	}

	handle, n := DecodeBlockHandle(i.indexIter.Value())
	if n == 0 {
		i.err = ErrCorrupted
		i.clearDataBlock()
		return
	}
	if i.dataIter != nil && handle == i.dataHandle {
		return
	}

	i.clearDataBlock()
	block, err := i.r.readBlock(handle)
	if err != nil {
		i.err = err
		return
	}
	i.dataBlock = block
	i.dataIter = block.Iterator()
	i.dataHandle = handle
}

func (i *TableIterator) clearDataBlock() {
	if i.dataBlock != nil {
		i.dataBlock.Release()
	}
	i.dataBlock = nil
	i.dataIter = nil
	i.dataHandle = BlockHandle{}
}

// skipForward advances over empty data blocks until a valid entry or the
// table end is reached.
func (i *TableIterator) skipForward() bool {
	for i.dataIter == nil || !i.dataIter.Valid() {
		if i.err != nil || (i.dataIter != nil && i.dataIter.Err() != nil) {
			return false
		}
		if !i.indexIter.Valid() {
			i.clearDataBlock()
			return false
		}
		i.indexIter.Next()
		i.initDataBlock()
		if i.dataIter != nil {
			i.dataIter.First()
		}
	}
	return true
}

// skipBackward mirrors skipForward towards the table start.
func (i *TableIterator) skipBackward() bool {
	for i.dataIter == nil || !i.dataIter.Valid() {
		if i.err != nil || (i.dataIter != nil && i.dataIter.Err() != nil) {
			return false
		}
		if !i.indexIter.Valid() {
			i.clearDataBlock()
			return false
		}
		i.indexIter.Prev()
		i.initDataBlock()
		if i.dataIter != nil {
			i.dataIter.Last()
		}
	}
	return true
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p[:cap(p)])
	}
}
