package kvtable

import (
	"encoding/binary"
	"fmt"
)

// BlockBuilder accumulates sorted key/value pairs into a single block.
//
// Keys are prefix-compressed: each entry stores only the suffix that
// differs from the previous key. Every BlockRestartInterval-th entry is a
// restart point which stores its key in full, so a finished block can be
// binary-searched without decoding it from the start.
//
// Entry layout (all integers little-endian):
//
//	+-----------+---------------+--------------+------------------+-------+
//	| shared 4B | non shared 4B | value len 4B | non shared key   | value |
//	+-----------+---------------+--------------+------------------+-------+
//
// Finish appends the restart trailer:
//
//	+---------------+-------+---------------+-------------------+
//	| restart[0] 4B |  ...  | restart[n] 4B | restart count 4B  |
//	+---------------+-------+---------------+-------------------+
type BlockBuilder struct {
	cmp             Comparator
	restartInterval int

	buf      []byte
	restarts []uint32
	counter  int
	lastKey  []byte
	finished bool
}

// NewBlockBuilder inits a builder. The comparator is only used to assert
// the ordering of added keys.
func NewBlockBuilder(cmp Comparator, restartInterval int) *BlockBuilder {
	if cmp == nil {
		cmp = BytewiseComparator()
	}
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &BlockBuilder{
		cmp:             cmp,
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Add appends an entry to the block. The key must be strictly greater than
// any previously added key and the builder must not be finished; violations
// are programmer errors and panic.
func (b *BlockBuilder) Add(key, value []byte) {
	if b.finished {
		panic("kvtable: BlockBuilder.Add called after Finish")
	}
	if len(b.buf) != 0 && b.cmp.Compare(key, b.lastKey) <= 0 {
		panic(fmt.Sprintf("kvtable: attempted an out-of-order add, %q must be > %q", key, b.lastKey))
	}

	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}
	nonShared := len(key) - shared

	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(shared))
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(nonShared))
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Finish appends the restart trailer and returns the completed block bytes.
// The returned slice remains valid until the next Reset.
func (b *BlockBuilder) Finish() []byte {
	for _, restart := range b.restarts {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, restart)
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(b.restarts)))
	b.finished = true
	return b.buf
}

// SizeEstimate returns the size of the block if it was finished now.
func (b *BlockBuilder) SizeEstimate() int {
	return len(b.buf) + len(b.restarts)*4 + 4
}

// Empty reports whether no entries have been added since the last Reset.
func (b *BlockBuilder) Empty() bool { return len(b.buf) == 0 }

// Reset restores the builder to its initial state so it can build the next
// block.
func (b *BlockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
