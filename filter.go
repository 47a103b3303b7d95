package kvtable

import (
	"github.com/zeebo/xxh3"
)

// The filter block holds a single bloom filter covering every key of the
// table. Layout: the filter bits, followed by a 1-byte probe count.
//
// Membership probes use double hashing derived from one 64-bit XXH3 hash
// per key, so only the base hash is retained while keys are collected.

type bloomFilterBuilder struct {
	bitsPerKey int
	hashes     []uint64
}

func newBloomFilterBuilder(bitsPerKey int) *bloomFilterBuilder {
	return &bloomFilterBuilder{bitsPerKey: bitsPerKey}
}

func (b *bloomFilterBuilder) Add(key []byte) {
	b.hashes = append(b.hashes, xxh3.Hash(key))
}

func (b *bloomFilterBuilder) Finish() []byte {
	// k = bitsPerKey * ln(2), clamped to a sane probe count
	k := b.bitsPerKey * 69 / 100
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	bits := len(b.hashes) * b.bitsPerKey
	if bits < 64 { // avoid degenerate filters for tiny tables
		bits = 64
	}
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	data := make([]byte, nBytes+1)
	for _, h := range b.hashes {
		delta := h>>33 | h<<31
		for j := 0; j < k; j++ {
			pos := h % uint64(bits)
			data[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	data[nBytes] = byte(k)
	return data
}

// bloomMayContain probes a finished filter. It returns true on malformed
// filters so that corrupt filter blocks weaken lookups instead of hiding
// entries.
func bloomMayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return true
	}
	nBytes := len(filter) - 1
	bits := uint64(nBytes) * 8

	k := int(filter[nBytes])
	if k < 1 || k > 30 {
		return true
	}

	h := xxh3.Hash(key)
	delta := h>>33 | h<<31
	for j := 0; j < k; j++ {
		pos := h % bits
		if filter[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
