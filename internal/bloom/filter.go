// Package bloom implements the MurmurHash3-based bloom filter of spec §4.6
// (C6): a filter sized from an expected key count and target false-positive
// rate, serialized to the fixed wire format tables embed in their meta
// block. The hash construction is hand-rolled rather than built on a
// third-party bloom library (bits-and-blooms/bloom, xxhash) because none of
// those expose the seeded-MurmurHash3-per-slot construction the wire format
// requires — see DESIGN.md.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/keldb/keldb/internal/base"
)

const filterFormatVersion = 1

// Filter is a serializable bloom filter over byte-string keys.
type Filter struct {
	bits          []byte // bitSize bits, packed 8 per byte
	bitSize       uint32
	hashCount     uint32
	elementCount  uint32
	seeds         []uint32
}

// New builds an empty filter sized for expectedKeys entries at the given
// target false-positive rate (e.g. 0.01 for 1%).
func New(expectedKeys int, targetFPR float64) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}
	n := float64(expectedKeys)
	// Standard optimal sizing: m = -n*ln(p) / (ln2)^2, k = (m/n)*ln2.
	m := math.Ceil(-n * math.Log(targetFPR) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	k := int(math.Round((m / n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	bitSize := uint32(m)
	// Round up to a byte boundary.
	bitSize = (bitSize + 7) &^ 7

	seeds := make([]uint32, k)
	for i := range seeds {
		// Fixed, deterministic seed schedule so that two filters built
		// from the same keys in the same order are byte-identical, which
		// keeps table builds reproducible.
		seeds[i] = 0x9747b28c + uint32(i)*0x85ebca6b
	}

	return &Filter{
		bits:      make([]byte, bitSize/8),
		bitSize:   bitSize,
		hashCount: uint32(k),
		seeds:     seeds,
	}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	f.elementCount++
	for _, seed := range f.seeds {
		h := murmur3Sum32(key, seed) % f.bitSize
		f.bits[h/8] |= 1 << (h % 8)
	}
}

// MayContain reports whether key might be present; false is authoritative,
// true is probabilistic (bounded by the configured false-positive rate).
func (f *Filter) MayContain(key []byte) bool {
	if f.bitSize == 0 {
		// An empty meta block (no filter present) is treated as
		// "always may contain" per spec §4.6/§9.
		return true
	}
	for _, seed := range f.seeds {
		h := murmur3Sum32(key, seed) % f.bitSize
		if f.bits[h/8]&(1<<(h%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter per spec §4.6:
// version(4) | bit_size(4) | hash_count(4) | element_count(4) | seeds[k]*4 | bits
func (f *Filter) Encode() []byte {
	buf := make([]byte, 16+4*len(f.seeds)+len(f.bits))
	binary.LittleEndian.PutUint32(buf[0:], filterFormatVersion)
	binary.LittleEndian.PutUint32(buf[4:], f.bitSize)
	binary.LittleEndian.PutUint32(buf[8:], f.hashCount)
	binary.LittleEndian.PutUint32(buf[12:], f.elementCount)
	off := 16
	for _, s := range f.seeds {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	copy(buf[off:], f.bits)
	return buf
}

// Decode parses a filter previously produced by Encode. An empty buf
// decodes to the "always may contain" filter (spec §4.6/§9), since an
// empty meta block is the tolerated encoding of "no filter was built."
func Decode(buf []byte) (*Filter, error) {
	if len(buf) == 0 {
		return &Filter{}, nil
	}
	if len(buf) < 16 {
		return nil, base.CorruptionErrorf("keldb/bloom: filter block too short (%d bytes)", len(buf))
	}
	version := binary.LittleEndian.Uint32(buf[0:])
	if version != filterFormatVersion {
		return nil, base.CorruptionErrorf("keldb/bloom: unsupported filter version %d", version)
	}
	bitSize := binary.LittleEndian.Uint32(buf[4:])
	hashCount := binary.LittleEndian.Uint32(buf[8:])
	elementCount := binary.LittleEndian.Uint32(buf[12:])
	need := 16 + 4*int(hashCount) + int((bitSize+7)/8)
	if len(buf) < need {
		return nil, base.CorruptionErrorf("keldb/bloom: truncated filter block")
	}
	seeds := make([]uint32, hashCount)
	off := 16
	for i := range seeds {
		seeds[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	bits := make([]byte, (bitSize+7)/8)
	copy(bits, buf[off:])
	return &Filter{
		bits:         bits,
		bitSize:      bitSize,
		hashCount:    hashCount,
		elementCount: elementCount,
		seeds:        seeds,
	}, nil
}

// murmur3Sum32 is a standalone MurmurHash3 (x86, 32-bit) implementation,
// seeded per bloom slot per spec §4.6.
func murmur3Sum32(data []byte, seed uint32) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)
	h := seed
	nblocks := len(data) / 4
	for i := 0; i < nblocks; i++ {
		k := binary.LittleEndian.Uint32(data[i*4:])
		k *= c1
		k = (k << 15) | (k >> 17)
		k *= c2
		h ^= k
		h = (h << 13) | (h >> 19)
		h = h*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k uint32
	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(tail[0])
		k *= c1
		k = (k << 15) | (k >> 17)
		k *= c2
		h ^= k
	}

	h ^= uint32(len(data))
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
