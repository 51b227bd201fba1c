// Package sstable implements the immutable on-disk sorted table format of
// spec §4.7–§4.8 (C7, C8): prefix-compressed data blocks with restart
// points, a bloom-filter meta block, an index block, and a fixed 40-byte
// footer. It plays the same role as the teacher's sstable package, but the
// wire format here is the simpler, fixed-width one spec.md §6 mandates
// rather than pebble's own variable-length, multi-version footer.
package sstable

import (
	"encoding/binary"

	"github.com/keldb/keldb/internal/base"
)

// DefaultBlockSize is the target size, in bytes, a data block is built up
// to before the builder rolls to a new block.
const DefaultBlockSize = 4096

// restartInterval is the number of entries between restart points in a
// normal data block (spec §4.7). Index blocks use a restart interval of 1
// (every entry restarts), and so does any block forced into "oversized"
// mode by a single entry larger than the target block size.
const restartInterval = 16

// entryHeaderSize is shared(4) | nonshared(4) | value_len(4).
const entryHeaderSize = 12

// BlockBuilder accumulates a prefix-compressed, restart-pointed data block.
type BlockBuilder struct {
	targetSize      int
	restartInterval int
	baseInterval    int

	buf      []byte
	restarts []uint32
	lastKey  []byte
	entries  int
	oversized bool
}

// NewBlockBuilder creates a builder targeting targetSize bytes per block
// (before the trailing restart array), using the standard restart interval.
// An interval of 1 (as used for index blocks) can be requested directly.
func NewBlockBuilder(targetSize int, interval int) *BlockBuilder {
	if interval <= 0 {
		interval = restartInterval
	}
	return &BlockBuilder{targetSize: targetSize, restartInterval: interval, baseInterval: interval}
}

// EstimatedSize returns the current encoded size, including the restart
// trailer that Finish would append.
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

// Empty reports whether any entry has been added.
func (b *BlockBuilder) Empty() bool { return b.entries == 0 }

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// TryAdd attempts to append (key, value). It returns (false, nil) when
// doing so would exceed the configured target size and the block already
// holds at least one entry — the caller should Finish this block and start
// a fresh one, then retry TryAdd there. If the block is empty and a single
// entry already exceeds the target, the entry is force-added as a restart
// point and the block holds it alone: the next TryAdd is budget-checked
// again and returns false. No minimum block size is imposed on such a
// block (spec §4.7). An out-of-order key is rejected
// with an error; blocks must be built in strictly ascending key order
// (spec §3).
func (b *BlockBuilder) TryAdd(key, value []byte) (bool, error) {
	if b.entries > 0 && base.CompareUserKeys(key, b.lastKey) <= 0 {
		return false, base.InvalidArgumentErrorf("keldb/sstable: out-of-order key in block builder")
	}

	isRestart := b.entries%b.restartInterval == 0
	shared := 0
	if !isRestart {
		shared = sharedPrefixLen(b.lastKey, key)
	}
	nonshared := len(key) - shared
	entryLen := entryHeaderSize + nonshared + len(value)

	projected := len(b.buf) + entryLen
	projectedTotal := projected + 4*(len(b.restarts)+1) + 4
	if b.entries > 0 && !b.oversized && projectedTotal > b.targetSize {
		return false, nil
	}
	triggeringOversized := false
	if b.entries == 0 && projectedTotal > b.targetSize {
		b.oversized = true
		b.restartInterval = 1
		triggeringOversized = true
		isRestart = true
		shared = 0
		nonshared = len(key)
		entryLen = entryHeaderSize + nonshared + len(value)
	}

	if isRestart {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
	}

	entry := make([]byte, entryLen)
	binary.LittleEndian.PutUint32(entry[0:], uint32(shared))
	binary.LittleEndian.PutUint32(entry[4:], uint32(nonshared))
	binary.LittleEndian.PutUint32(entry[8:], uint32(len(value)))
	copy(entry[entryHeaderSize:], key[shared:])
	copy(entry[entryHeaderSize+nonshared:], value)
	b.buf = append(b.buf, entry...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.entries++

	if triggeringOversized {
		// The oversized entry now occupies this block on its own; reset so
		// the next TryAdd is budget-checked again and rolls to a fresh block.
		b.oversized = false
		b.restartInterval = b.baseInterval
	}
	return true, nil
}

// Finish appends the restart-point trailer and returns the complete block.
// The builder must not be reused afterward (construct a new one).
func (b *BlockBuilder) Finish() []byte {
	out := make([]byte, len(b.buf)+4*len(b.restarts)+4)
	n := copy(out, b.buf)
	for _, r := range b.restarts {
		binary.LittleEndian.PutUint32(out[n:], r)
		n += 4
	}
	binary.LittleEndian.PutUint32(out[n:], uint32(len(b.restarts)))
	return out
}

// BlockReader parses a block produced by BlockBuilder.
type BlockReader struct {
	data     []byte
	restarts []uint32
}

// NewBlockReader validates and wraps a block's raw bytes. Negative lengths
// or restart offsets beyond the data region invalidate the block (spec
// §4.7).
func NewBlockReader(block []byte) (*BlockReader, error) {
	if len(block) < 4 {
		return nil, base.CorruptionErrorf("keldb/sstable: block too short")
	}
	numRestarts := int(binary.LittleEndian.Uint32(block[len(block)-4:]))
	trailerLen := 4 + 4*numRestarts
	if trailerLen > len(block) || numRestarts < 0 {
		return nil, base.CorruptionErrorf("keldb/sstable: invalid restart count %d", numRestarts)
	}
	dataLen := len(block) - trailerLen
	restarts := make([]uint32, numRestarts)
	off := dataLen
	for i := 0; i < numRestarts; i++ {
		restarts[i] = binary.LittleEndian.Uint32(block[off:])
		if int(restarts[i]) > dataLen {
			return nil, base.CorruptionErrorf("keldb/sstable: restart offset %d beyond data region", restarts[i])
		}
		off += 4
	}
	return &BlockReader{data: block[:dataLen], restarts: restarts}, nil
}

type blockEntry struct {
	key   []byte
	value []byte
	next  int // offset of the following entry, or len(data)
}

// decodeEntryAt decodes the entry at offset off, given the preceding key
// (empty for a restart point).
func decodeEntryAt(data []byte, off int, prevKey []byte) (blockEntry, error) {
	if off+entryHeaderSize > len(data) {
		return blockEntry{}, base.CorruptionErrorf("keldb/sstable: truncated entry header")
	}
	shared := int(binary.LittleEndian.Uint32(data[off:]))
	nonshared := int(binary.LittleEndian.Uint32(data[off+4:]))
	valueLen := int(binary.LittleEndian.Uint32(data[off+8:]))
	if shared < 0 || nonshared < 0 || valueLen < 0 || shared > len(prevKey) {
		return blockEntry{}, base.CorruptionErrorf("keldb/sstable: invalid entry lengths")
	}
	keyStart := off + entryHeaderSize
	valStart := keyStart + nonshared
	valEnd := valStart + valueLen
	if valEnd > len(data) {
		return blockEntry{}, base.CorruptionErrorf("keldb/sstable: entry beyond block data")
	}
	key := make([]byte, shared+nonshared)
	copy(key, prevKey[:shared])
	copy(key[shared:], data[keyStart:valStart])
	return blockEntry{key: key, value: data[valStart:valEnd], next: valEnd}, nil
}

// BlockIterator walks a block in ascending key order.
type BlockIterator struct {
	r       *BlockReader
	pos     int
	cur     blockEntry
	valid   bool
	lastErr error
}

// Iterator returns a fresh iterator over the block, positioned before the
// first entry.
func (r *BlockReader) Iterator() *BlockIterator {
	return &BlockIterator{r: r}
}

// Err returns the first error encountered, if the block was corrupt.
func (it *BlockIterator) Err() error { return it.lastErr }

// SeekToFirst positions the iterator at the first entry.
func (it *BlockIterator) SeekToFirst() {
	it.pos = 0
	it.cur = blockEntry{}
	it.advanceFrom(0, nil)
}

func (it *BlockIterator) advanceFrom(off int, prevKey []byte) {
	if off >= len(it.r.data) {
		it.valid = false
		return
	}
	e, err := decodeEntryAt(it.r.data, off, prevKey)
	if err != nil {
		it.lastErr = err
		it.valid = false
		return
	}
	it.cur = e
	it.pos = off
	it.valid = true
}

// Next advances to the following entry.
func (it *BlockIterator) Next() {
	if !it.valid {
		return
	}
	it.advanceFrom(it.cur.next, it.cur.key)
}

// Valid reports whether the iterator is positioned at an entry.
func (it *BlockIterator) Valid() bool { return it.valid }

// Key returns the current entry's key.
func (it *BlockIterator) Key() []byte { return it.cur.key }

// Value returns the current entry's value.
func (it *BlockIterator) Value() []byte { return it.cur.value }

// Seek positions the iterator at the first key >= target: binary search
// across restart points to find the containing segment, then a linear
// scan within it (spec §4.7).
func (it *BlockIterator) Seek(target []byte) {
	restarts := it.r.restarts
	if len(restarts) == 0 {
		it.valid = false
		return
	}
	lo, hi := 0, len(restarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		e, err := decodeEntryAt(it.r.data, int(restarts[mid]), nil)
		if err != nil {
			it.lastErr = err
			it.valid = false
			return
		}
		if base.CompareUserKeys(e.key, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	// Linear scan forward from restart point lo until we find a key >=
	// target (restart points always decode with prevKey == nil, since by
	// construction they reset sharing).
	it.advanceFrom(int(restarts[lo]), nil)
	for it.valid && base.CompareUserKeys(it.cur.key, target) < 0 {
		it.Next()
	}
}
