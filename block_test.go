package kvtable_test

import (
	"encoding/binary"
	"fmt"

	"github.com/bsm/kvtable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("BlockBuilder", func() {
	var subject *kvtable.BlockBuilder

	BeforeEach(func() {
		subject = kvtable.NewBlockBuilder(nil, 2)
	})

	It("should encode entries with prefix compression", func() {
		subject.Add([]byte("apple"), []byte("1"))
		subject.Add([]byte("application"), []byte("2"))
		subject.Add([]byte("banana"), []byte("3"))
		data := subject.Finish()

		// entry 0: restart, full key
		Expect(data[0:12]).To(Equal(entryHeader(0, 5, 1)))
		Expect(string(data[12:18])).To(Equal("apple1"))

		// entry 1: shares "appl" with the previous key
		Expect(data[18:30]).To(Equal(entryHeader(4, 7, 1)))
		Expect(string(data[30:38])).To(Equal("ication2"))

		// entry 2: starts a new restart group, full key again
		Expect(data[38:50]).To(Equal(entryHeader(0, 6, 1)))
		Expect(string(data[50:57])).To(Equal("banana3"))

		// trailer: two restart offsets plus the count
		Expect(data[57:]).To(HaveLen(12))
		Expect(binary.LittleEndian.Uint32(data[57:])).To(Equal(uint32(0)))
		Expect(binary.LittleEndian.Uint32(data[61:])).To(Equal(uint32(38)))
		Expect(binary.LittleEndian.Uint32(data[65:])).To(Equal(uint32(2)))
	})

	It("should restart every N-th entry", func() {
		subject = kvtable.NewBlockBuilder(nil, 4)

		var keys [][]byte
		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i*3))
			subject.Add(key, []byte("v"))
			keys = append(keys, key)
		}
		data := subject.Finish()

		offset := 0
		for i, key := range keys {
			shared := int(binary.LittleEndian.Uint32(data[offset:]))
			nonShared := int(binary.LittleEndian.Uint32(data[offset+4:]))
			valueLen := int(binary.LittleEndian.Uint32(data[offset+8:]))

			if i%4 == 0 {
				Expect(shared).To(Equal(0), "entry %d must be a restart point", i)
			} else {
				Expect(shared).To(Equal(commonPrefixLen(keys[i-1], key)), "entry %d", i)
			}
			Expect(shared + nonShared).To(Equal(len(key)), "entry %d", i)
			offset += 12 + nonShared + valueLen
		}
	})

	It("should estimate sizes", func() {
		Expect(subject.SizeEstimate()).To(Equal(8))
		subject.Add([]byte("apple"), []byte("1"))
		Expect(subject.SizeEstimate()).To(Equal(8 + 12 + 5 + 1))
		Expect(subject.Empty()).To(BeFalse())
	})

	It("should produce identical output after a reset", func() {
		subject.Add([]byte("discarded"), []byte("x"))
		subject.Reset()

		subject.Add([]byte("apple"), []byte("1"))
		subject.Add([]byte("application"), []byte("2"))
		recycled := append([]byte(nil), subject.Finish()...)

		fresh := kvtable.NewBlockBuilder(nil, 2)
		fresh.Add([]byte("apple"), []byte("1"))
		fresh.Add([]byte("application"), []byte("2"))
		Expect(recycled).To(Equal(fresh.Finish()))
	})

	It("should reject out-of-order adds", func() {
		subject.Add([]byte("banana"), []byte("1"))
		Expect(func() { subject.Add([]byte("apple"), []byte("2")) }).To(Panic())
		Expect(func() { subject.Add([]byte("banana"), []byte("2")) }).To(Panic())
	})

	It("should reject adds after finish", func() {
		subject.Add([]byte("apple"), []byte("1"))
		subject.Finish()
		Expect(func() { subject.Add([]byte("banana"), []byte("2")) }).To(Panic())
	})
})

// --------------------------------------------------------------------

var _ = Describe("Block", func() {
	var keys, vals [][]byte
	var data []byte

	build := func(restartInterval int) []byte {
		bld := kvtable.NewBlockBuilder(nil, restartInterval)
		keys, vals = keys[:0], vals[:0]
		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i*2))
			val := []byte(fmt.Sprintf("val-%03d", i*2))
			bld.Add(key, val)
			keys, vals = append(keys, key), append(vals, val)
		}
		return append([]byte(nil), bld.Finish()...)
	}

	BeforeEach(func() {
		data = build(8)
	})

	It("should iterate forward", func() {
		iter := kvtable.NewBlock(data, nil).Iterator()

		n := 0
		for ok := iter.First(); ok; ok = iter.Next() {
			Expect(iter.Key()).To(Equal(keys[n]), "entry %d", n)
			Expect(iter.Value()).To(Equal(vals[n]), "entry %d", n)
			n++
		}
		Expect(n).To(Equal(100))
		Expect(iter.Valid()).To(BeFalse())
		Expect(iter.Err()).NotTo(HaveOccurred())
	})

	It("should iterate backward", func() {
		iter := kvtable.NewBlock(data, nil).Iterator()

		n := 99
		for ok := iter.Last(); ok; ok = iter.Prev() {
			Expect(iter.Key()).To(Equal(keys[n]), "entry %d", n)
			Expect(iter.Value()).To(Equal(vals[n]), "entry %d", n)
			n--
		}
		Expect(n).To(Equal(-1))
		Expect(iter.Err()).NotTo(HaveOccurred())
	})

	It("should seek", func() {
		iter := kvtable.NewBlock(data, nil).Iterator()

		for i, key := range keys {
			Expect(iter.Seek(key)).To(BeTrue(), "seek to %s", key)
			Expect(iter.Key()).To(Equal(key))
			Expect(iter.Value()).To(Equal(vals[i]))
		}

		// probes between stored keys land on the next entry
		Expect(iter.Seek([]byte("key-001"))).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-002")))
		Expect(iter.Seek([]byte(""))).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-000")))
		Expect(iter.Seek([]byte("key-198"))).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-198")))

		// past the end
		Expect(iter.Seek([]byte("key-199"))).To(BeFalse())
		Expect(iter.Valid()).To(BeFalse())
		Expect(iter.Err()).NotTo(HaveOccurred())
	})

	It("should seek sequentially without losing position", func() {
		iter := kvtable.NewBlock(data, nil).Iterator()

		// repeated seeks within the same restart bracket reuse the cursor
		Expect(iter.Seek([]byte("key-010"))).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-010")))
		Expect(iter.Seek([]byte("key-011"))).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-012")))
		Expect(iter.Seek([]byte("key-012"))).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-012")))
		Expect(iter.Seek([]byte("key-004"))).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-004")))
	})

	It("should alternate directions", func() {
		iter := kvtable.NewBlock(data, nil).Iterator()

		Expect(iter.Seek([]byte("key-100"))).To(BeTrue())
		Expect(iter.Prev()).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-098")))
		Expect(iter.Next()).To(BeTrue())
		Expect(iter.Key()).To(Equal([]byte("key-100")))

		Expect(iter.First()).To(BeTrue())
		Expect(iter.Prev()).To(BeFalse())
		Expect(iter.Valid()).To(BeFalse())
	})

	It("should handle empty blocks", func() {
		empty := kvtable.NewBlockBuilder(nil, 8).Finish()
		iter := kvtable.NewBlock(empty, nil).Iterator()

		Expect(iter.First()).To(BeFalse())
		Expect(iter.Last()).To(BeFalse())
		Expect(iter.Seek([]byte("key"))).To(BeFalse())
		Expect(iter.Err()).NotTo(HaveOccurred())
	})

	It("should detect truncated blocks", func() {
		iter := kvtable.NewBlock(data[:len(data)-1], nil).Iterator()
		Expect(iter.First()).To(BeFalse())
		Expect(iter.Err()).To(MatchError(kvtable.ErrCorrupted))
	})

	It("should detect bogus trailers", func() {
		iter := kvtable.NewBlock([]byte{1, 2}, nil).Iterator()
		Expect(iter.First()).To(BeFalse())
		Expect(iter.Err()).To(MatchError(kvtable.ErrCorrupted))
	})

	It("should detect corrupted restart offsets", func() {
		numRestarts := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
		restarts := len(data) - 4 - numRestarts*4
		for i := 1; i < numRestarts; i++ {
			binary.LittleEndian.PutUint32(data[restarts+i*4:], uint32(len(data)+1024))
		}

		iter := kvtable.NewBlock(data, nil).Iterator()
		Expect(iter.Seek([]byte("key-180"))).To(BeFalse())
		Expect(iter.Err()).To(MatchError(kvtable.ErrCorrupted))

		iter = kvtable.NewBlock(data, nil).Iterator()
		Expect(iter.Last()).To(BeFalse())
		Expect(iter.Err()).To(MatchError(kvtable.ErrCorrupted))
	})
})

// --------------------------------------------------------------------

func entryHeader(shared, nonShared, valueLen uint32) []byte {
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:], shared)
	binary.LittleEndian.PutUint32(header[4:], nonShared)
	binary.LittleEndian.PutUint32(header[8:], valueLen)
	return header
}

func commonPrefixLen(a, b []byte) int {
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
