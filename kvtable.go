package kvtable

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var magic = []byte{86, 12, 207, 159, 44, 91, 180, 238}

const (
	blockNoCompression     = 0
	blockSnappyCompression = 1
	blockLZ4Compression    = 2
	blockZstdCompression   = 3
)

// blockTrailerLen is the length of the trailer appended to every stored
// block: a 1-byte compression tag followed by a 4-byte checksum.
const blockTrailerLen = 5

// footerLen is the fixed length of the table footer: the filter and index
// block handles padded to 40 bytes, followed by the 8 magic bytes.
const footerLen = 48

// ErrNotFound is returned by the reader when a key cannot be found.
var ErrNotFound = errors.New("kvtable: not found")

// ErrCorrupted is returned when a block's structure is malformed, e.g. its
// restart trailer is inconsistent or an entry cannot be decoded.
var ErrCorrupted = errors.New("kvtable: block corrupted")

var (
	errClosed         = errors.New("kvtable: is closed")
	errBadMagic       = errors.New("kvtable: bad magic byte sequence")
	errBadCompression = errors.New("kvtable: bad compression codec")
	errBadChecksum    = errors.New("kvtable: bad block checksum")
	errBadFooter      = errors.New("kvtable: bad table footer")
	errReleased       = errors.New("kvtable: iterator was released")
)

// --------------------------------------------------------------------

// Compression is the compression codec
type Compression byte

func (c Compression) isValid() bool {
	return c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	LZ4Compression
	ZstdCompression
	unknownCompression
)

// --------------------------------------------------------------------

// Comparator defines a strict total order over byte-string keys.
// Implementations must be safe for concurrent use.
type Comparator interface {
	// Compare returns <0, 0 or >0 if a sorts before, equal to or after b.
	Compare(a, b []byte) int

	// Name identifies the ordering. Tables must be read with a comparator
	// of the same name they were written with.
	Name() string
}

type bytewiseComparator struct{}

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytewiseComparator) Name() string            { return "kvtable.BytewiseComparator" }

// BytewiseComparator returns the default comparator which orders keys
// lexicographically by their raw bytes.
func BytewiseComparator() Comparator { return bytewiseComparator{} }

// --------------------------------------------------------------------

// BlockHandle identifies the byte range of a single block within a table
// file. Size excludes the block trailer.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func (h BlockHandle) zero() bool { return h.Offset == 0 && h.Size == 0 }

// EncodeTo appends the varint encoding of h to dst.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, h.Offset)
	dst = binary.AppendUvarint(dst, h.Size)
	return dst
}

// DecodeBlockHandle decodes a handle from the start of p, returning the
// handle and the number of bytes consumed. It returns n == 0 if p does not
// contain a valid handle encoding.
func DecodeBlockHandle(p []byte) (h BlockHandle, n int) {
	offset, n1 := binary.Uvarint(p)
	if n1 <= 0 {
		return BlockHandle{}, 0
	}
	size, n2 := binary.Uvarint(p[n1:])
	if n2 <= 0 {
		return BlockHandle{}, 0
	}
	return BlockHandle{Offset: offset, Size: size}, n1 + n2
}

// --------------------------------------------------------------------

func encodeFooter(filter, index BlockHandle) []byte {
	buf := make([]byte, 0, footerLen)
	buf = filter.EncodeTo(buf)
	buf = index.EncodeTo(buf)
	buf = append(buf, make([]byte, footerLen-8-len(buf))...)
	return append(buf, magic...)
}

func decodeFooter(p []byte) (filter, index BlockHandle, err error) {
	if len(p) != footerLen || !bytes.Equal(p[footerLen-8:], magic) {
		return BlockHandle{}, BlockHandle{}, errBadMagic
	}

	filter, n := DecodeBlockHandle(p)
	if n == 0 {
		return BlockHandle{}, BlockHandle{}, errBadFooter
	}
	index, n = DecodeBlockHandle(p[n:])
	if n == 0 || index.zero() {
		return BlockHandle{}, BlockHandle{}, errBadFooter
	}
	return filter, index, nil
}
