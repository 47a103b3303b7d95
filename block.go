package kvtable

import (
	"encoding/binary"
)

// Block is an immutable, parsed view over the bytes produced by a
// BlockBuilder. Construction only inspects the restart trailer; entries are
// decoded lazily by iterators.
type Block struct {
	data        []byte
	restarts    int // offset of the restart array within data
	numRestarts int
	cmp         Comparator
	err         error
	pooled      bool
}

// NewBlock parses the trailer of a finished block. The data slice is not
// copied and must remain valid for the lifetime of the block and every
// iterator derived from it. A malformed trailer yields a block whose
// iterators immediately report ErrCorrupted.
func NewBlock(data []byte, cmp Comparator) *Block {
	if cmp == nil {
		cmp = BytewiseComparator()
	}
	b := &Block{data: data, cmp: cmp}

	if len(data) < 4 {
		b.err = ErrCorrupted
		return b
	}
	numRestarts := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	if numRestarts < 1 || numRestarts > (len(data)-4)/4 {
		b.err = ErrCorrupted
		return b
	}
	b.numRestarts = numRestarts
	b.restarts = len(data) - (1+numRestarts)*4
	return b
}

// Release returns the block's buffer to the internal pool. The block and
// any iterators over it must not be used afterwards.
func (b *Block) Release() {
	if b.pooled {
		releaseBuffer(b.data)
		b.pooled = false
	}
	b.data = nil
	b.err = errReleased
}

func (b *Block) restartOffset(idx int) int {
	return int(binary.LittleEndian.Uint32(b.data[b.restarts+idx*4:]))
}

// Iterator returns a new unpositioned iterator over the block.
func (b *Block) Iterator() *BlockIterator {
	it := &BlockIterator{block: b, err: b.err}
	it.current = b.restarts
	it.nextOffset = b.restarts
	it.restartIdx = b.numRestarts
	return it
}

// --------------------------------------------------------------------

// BlockIterator is a bidirectional, seekable cursor over a single block.
// It is unpositioned until one of First, Last or Seek is called. Once a
// corrupt entry is encountered the iterator latches the error, becomes
// invalid and stays so; Err exposes the failure.
type BlockIterator struct {
	block *Block

	current    int // offset of the current entry within data
	nextOffset int // offset just past the current entry
	restartIdx int // index of the restart point at or before current
	key        []byte
	value      []byte
	err        error
}

// Valid reports whether the iterator is positioned at an entry.
func (i *BlockIterator) Valid() bool { return i.err == nil && i.current < i.block.restarts }

// Key returns the current key. It is only valid until the next cursor move.
func (i *BlockIterator) Key() []byte { return i.key }

// Value returns the current value. The slice points into the block buffer
// and is only valid while the block is retained.
func (i *BlockIterator) Value() []byte { return i.value }

// Err returns the latched corruption error, if any.
func (i *BlockIterator) Err() error { return i.err }

// First moves to the first entry of the block and reports whether the
// iterator is valid afterwards.
func (i *BlockIterator) First() bool {
	if i.err != nil {
		return false
	}
	i.seekRestart(0)
	return i.parseNext()
}

// Last moves to the final entry of the block.
func (i *BlockIterator) Last() bool {
	if i.err != nil {
		return false
	}
	i.seekRestart(i.block.numRestarts - 1)
	for i.parseNext() && i.nextOffset < i.block.restarts {
	}
	return i.Valid()
}

// Next advances to the entry immediately after the current one.
func (i *BlockIterator) Next() bool {
	if !i.Valid() {
		return false
	}
	return i.parseNext()
}

// Prev moves to the entry immediately before the current one. It reseeks
// to the last restart point below the current offset and replays forward.
func (i *BlockIterator) Prev() bool {
	if !i.Valid() {
		return false
	}

	original := i.current
	for i.block.restartOffset(i.restartIdx) >= original {
		if i.restartIdx == 0 { // no entry before the first one
			i.exhaust()
			return false
		}
		i.restartIdx--
	}

	i.seekRestart(i.restartIdx)
	for i.parseNext() && i.nextOffset < original {
	}
	return i.Valid()
}

// Seek moves to the first entry with key >= target, or exhausts the
// iterator if no such entry exists. It binary-searches the restart points
// for the tightest bracket below target, then scans forward. When the
// cursor is already positioned inside that bracket with a key < target the
// reseek is skipped and the scan continues from the current entry.
func (i *BlockIterator) Seek(target []byte) bool {
	if i.err != nil {
		return false
	}

	left, right := 0, i.block.numRestarts-1
	currentCompare := 0
	if i.Valid() {
		currentCompare = i.block.cmp.Compare(i.key, target)
		switch {
		case currentCompare < 0:
			left = i.restartIdx
		case currentCompare > 0:
			right = i.restartIdx
		default:
			return true
		}
	}

	for left < right {
		mid := (left + right + 1) / 2
		midKey, ok := i.restartKey(mid)
		if !ok {
			return false
		}
		if i.block.cmp.Compare(midKey, target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	// A sequential re-seek within the current bracket can continue the
	// forward scan from the cursor instead of the restart point.
	if !(left == i.restartIdx && currentCompare < 0) {
		i.seekRestart(left)
	}
	for {
		if !i.parseNext() {
			return false
		}
		if i.block.cmp.Compare(i.key, target) >= 0 {
			return true
		}
	}
}

// restartKey decodes the full key stored at a restart point. A non-zero
// shared length there means the block is corrupt.
func (i *BlockIterator) restartKey(idx int) ([]byte, bool) {
	offset := i.block.restartOffset(idx)
	if offset < 0 || offset+12 > i.block.restarts {
		i.corrupt()
		return nil, false
	}
	shared, nonShared, _, n := decodeBlockEntry(i.block.data[offset:i.block.restarts])
	if n == 0 || shared != 0 || offset+n+nonShared > i.block.restarts {
		i.corrupt()
		return nil, false
	}
	return i.block.data[offset+n : offset+n+nonShared], true
}

func (i *BlockIterator) seekRestart(idx int) {
	offset := i.block.restartOffset(idx)
	if offset > i.block.restarts {
		i.corrupt()
		return
	}
	i.key = i.key[:0]
	i.restartIdx = idx
	i.current = offset
	i.nextOffset = offset
}

func (i *BlockIterator) parseNext() bool {
	if i.err != nil {
		return false
	}

	i.current = i.nextOffset
	if i.current >= i.block.restarts {
		i.exhaust()
		return false
	}

	shared, nonShared, valueLen, n := decodeBlockEntry(i.block.data[i.current:i.block.restarts])
	if n == 0 || shared > len(i.key) || i.current+n+nonShared+valueLen > i.block.restarts {
		i.corrupt()
		return false
	}

	p := i.current + n
	i.key = append(i.key[:shared], i.block.data[p:p+nonShared]...)
	i.value = i.block.data[p+nonShared : p+nonShared+valueLen]
	i.nextOffset = p + nonShared + valueLen

	for i.restartIdx+1 < i.block.numRestarts && i.block.restartOffset(i.restartIdx+1) <= i.current {
		i.restartIdx++
	}
	return true
}

func (i *BlockIterator) exhaust() {
	i.current = i.block.restarts
	i.nextOffset = i.block.restarts
	i.restartIdx = i.block.numRestarts
}

func (i *BlockIterator) corrupt() {
	i.err = ErrCorrupted
	i.key = nil
	i.value = nil
	i.exhaust()
}

// decodeBlockEntry decodes the fixed-width header of a block entry,
// returning the header length n, or n == 0 if p is too short to hold it.
func decodeBlockEntry(p []byte) (shared, nonShared, valueLen, n int) {
	if len(p) < 12 {
		return 0, 0, 0, 0
	}
	shared = int(binary.LittleEndian.Uint32(p[0:]))
	nonShared = int(binary.LittleEndian.Uint32(p[4:]))
	valueLen = int(binary.LittleEndian.Uint32(p[8:]))
	return shared, nonShared, valueLen, 12
}
