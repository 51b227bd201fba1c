package sstable

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/keldb/keldb/internal/base"
	"github.com/keldb/keldb/internal/bloom"
	"github.com/keldb/keldb/internal/cache"
)

// Magic is the fixed footer magic number.
const Magic uint64 = 0xDB4775248B80FB57

// FooterSize is the exact on-disk footer length:
// meta_offset(8)|meta_size(8)|index_offset(8)|index_size(8)|magic(8).
const FooterSize = 40

const (
	minIndexBlockSize = 64 * 1024
	maxIndexBlockSize = 2 * 1024 * 1024
)

func indexTargetSize(dataBlockSize int) int {
	size := 4 * dataBlockSize
	if size < minIndexBlockSize {
		size = minIndexBlockSize
	}
	if size > maxIndexBlockSize {
		size = maxIndexBlockSize
	}
	return size
}

func encodeHandle(offset, length uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, offset)
	binary.BigEndian.PutUint64(buf[8:], length)
	return buf
}

func decodeHandle(buf []byte) (offset, length uint64, err error) {
	if len(buf) < 16 {
		return 0, 0, base.CorruptionErrorf("keldb/sstable: truncated block handle")
	}
	return binary.BigEndian.Uint64(buf), binary.BigEndian.Uint64(buf[8:]), nil
}

// Writer builds an immutable sorted table: data blocks, a filter meta
// block, an index block mapping last-key-of-block to block handle, and a
// fixed 40-byte footer. Keys must be added in strictly ascending order; a
// nil or empty value marks the entry as a tombstone that must still
// shadow older versions below it in the LSM, mirroring the convention
// internal/memtable uses for stored bytes.
type Writer struct {
	f             *os.File
	dataBlockSize int
	targetFPR     float64

	cur      *BlockBuilder
	indexB   *BlockBuilder
	offset   uint64
	lastKey  []byte
	smallest []byte
	largest  []byte
	keys     [][]byte
	numKeys  int
	closed   bool
}

// NewWriter creates a table writer over f, which must be empty and
// positioned at offset 0.
func NewWriter(f *os.File, dataBlockSize int, targetFPR float64) *Writer {
	if dataBlockSize <= 0 {
		dataBlockSize = DefaultBlockSize
	}
	if targetFPR <= 0 {
		targetFPR = 0.01
	}
	return &Writer{
		f:             f,
		dataBlockSize: dataBlockSize,
		targetFPR:     targetFPR,
		cur:           NewBlockBuilder(dataBlockSize, 0),
		indexB:        NewBlockBuilder(indexTargetSize(dataBlockSize), 1),
	}
}

// Add appends (userKey, value) in ascending key order.
func (w *Writer) Add(userKey, value []byte) error {
	if w.closed {
		return base.InvalidArgumentErrorf("keldb/sstable: write to closed table writer")
	}
	if w.lastKey != nil && base.CompareUserKeys(userKey, w.lastKey) <= 0 {
		return base.InvalidArgumentErrorf("keldb/sstable: out-of-order key in table writer")
	}

	ok, err := w.cur.TryAdd(userKey, value)
	if err != nil {
		return err
	}
	if !ok {
		if err := w.finishDataBlock(); err != nil {
			return err
		}
		w.cur = NewBlockBuilder(w.dataBlockSize, 0)
		ok2, err := w.cur.TryAdd(userKey, value)
		if err != nil {
			return err
		}
		if !ok2 {
			return errors.AssertionFailedf("keldb/sstable: entry does not fit in a fresh block")
		}
	}

	if w.smallest == nil {
		w.smallest = append([]byte(nil), userKey...)
	}
	w.largest = append([]byte(nil), userKey...)
	w.lastKey = append([]byte(nil), userKey...)
	w.keys = append(w.keys, append([]byte(nil), userKey...))
	w.numKeys++
	return nil
}

// finishDataBlock flushes the current data block to disk and records an
// index entry keyed by its last key.
func (w *Writer) finishDataBlock() error {
	if w.cur.Empty() {
		return nil
	}
	block := w.cur.Finish()
	if _, err := w.f.Write(block); err != nil {
		return errors.Wrap(err, "keldb/sstable: write data block")
	}
	handle := encodeHandle(w.offset, uint64(len(block)))
	ok, err := w.indexB.TryAdd(w.lastKey, handle)
	if err != nil {
		return err
	}
	if !ok {
		return errors.AssertionFailedf("keldb/sstable: index block overflow")
	}
	w.offset += uint64(len(block))
	return nil
}

// Result describes the table Finish produced.
type Result struct {
	Size     int64
	Smallest []byte
	Largest  []byte
}

// Finish completes the table: flushes the last data block, writes the
// filter meta block, the index block, and the footer. An empty table
// (no Adds) still produces a valid empty index block and an empty
// (zero-length) filter block, tolerated by Decode as "always may contain".
func (w *Writer) Finish() (Result, error) {
	if w.closed {
		return Result{}, base.InvalidArgumentErrorf("keldb/sstable: Finish called twice")
	}
	w.closed = true

	if err := w.finishDataBlock(); err != nil {
		return Result{}, err
	}

	var metaBytes []byte
	if w.numKeys > 0 {
		f := bloom.New(w.numKeys, w.targetFPR)
		for _, k := range w.keys {
			f.Add(k)
		}
		metaBytes = f.Encode()
	}
	metaOffset := w.offset
	if len(metaBytes) > 0 {
		if _, err := w.f.Write(metaBytes); err != nil {
			return Result{}, errors.Wrap(err, "keldb/sstable: write meta block")
		}
		w.offset += uint64(len(metaBytes))
	}

	indexBytes := w.indexB.Finish()
	indexOffset := w.offset
	if _, err := w.f.Write(indexBytes); err != nil {
		return Result{}, errors.Wrap(err, "keldb/sstable: write index block")
	}
	w.offset += uint64(len(indexBytes))

	footer := make([]byte, FooterSize)
	binary.BigEndian.PutUint64(footer[0:], metaOffset)
	binary.BigEndian.PutUint64(footer[8:], uint64(len(metaBytes)))
	binary.BigEndian.PutUint64(footer[16:], indexOffset)
	binary.BigEndian.PutUint64(footer[24:], uint64(len(indexBytes)))
	binary.BigEndian.PutUint64(footer[32:], Magic)
	if _, err := w.f.Write(footer); err != nil {
		return Result{}, errors.Wrap(err, "keldb/sstable: write footer")
	}
	w.offset += uint64(len(footer))

	if err := w.f.Sync(); err != nil {
		return Result{}, errors.Wrap(err, "keldb/sstable: fsync")
	}
	return Result{Size: int64(w.offset), Smallest: w.smallest, Largest: w.largest}, nil
}

// EstimatedSize returns the approximate bytes written so far, including
// the pending (unflushed) data block — used by compaction to decide when
// to roll to a new output table.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(w.cur.EstimatedSize())
}

// Reader opens an existing table for point lookups and iteration.
type Reader struct {
	f       *os.File
	path    string
	fileNum base.FileNum
	size    int64
	cache   cache.Cache
	version uint64

	filter *bloom.Filter
	index  *BlockReader
}

// OpenReader opens the table at path. c may be nil, in which case an
// internal no-op cache is used.
func OpenReader(path string, fileNum base.FileNum, c cache.Cache, cacheVersion uint64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "keldb/sstable: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "keldb/sstable: stat")
	}
	if c == nil {
		c = cache.NoOp()
	}
	r := &Reader{f: f, path: path, fileNum: fileNum, size: info.Size(), cache: c, version: cacheVersion}
	if err := r.readFooter(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readFooter() error {
	if r.size < FooterSize {
		return base.CorruptionErrorf("keldb/sstable: file %s too small for footer", r.path)
	}
	buf := make([]byte, FooterSize)
	if _, err := r.f.ReadAt(buf, r.size-FooterSize); err != nil {
		return errors.Wrap(err, "keldb/sstable: read footer")
	}
	magic := binary.BigEndian.Uint64(buf[32:])
	if magic != Magic {
		return base.CorruptionErrorf("keldb/sstable: bad magic in %s", r.path)
	}
	metaOffset := binary.BigEndian.Uint64(buf[0:])
	metaSize := binary.BigEndian.Uint64(buf[8:])
	indexOffset := binary.BigEndian.Uint64(buf[16:])
	indexSize := binary.BigEndian.Uint64(buf[24:])
	if int64(metaOffset+metaSize) > r.size || int64(indexOffset+indexSize) > r.size {
		return base.CorruptionErrorf("keldb/sstable: block handle out of bounds in %s", r.path)
	}

	var metaBytes []byte
	if metaSize > 0 {
		b, err := r.readAt(metaOffset, metaSize)
		if err != nil {
			return err
		}
		metaBytes = b
	}
	filter, err := bloom.Decode(metaBytes)
	if err != nil {
		return err
	}
	r.filter = filter

	indexBytes, err := r.readAt(indexOffset, indexSize)
	if err != nil {
		return err
	}
	idx, err := NewBlockReader(indexBytes)
	if err != nil {
		return err
	}
	r.index = idx
	return nil
}

func (r *Reader) readAt(offset, length uint64) ([]byte, error) {
	key := cache.Key{FileNum: uint64(r.fileNum), Offset: offset, Version: r.version}
	return r.cache.GetOrLoad(key, func() ([]byte, error) {
		buf := make([]byte, length)
		if _, err := r.f.ReadAt(buf, int64(offset)); err != nil {
			return nil, errors.Wrapf(err, "keldb/sstable: read block at %d", offset)
		}
		return buf, nil
	})
}

// Get performs a point lookup. found is false if the key is absent;
// tombstone is true if the stored entry is a deletion marker.
func (r *Reader) Get(userKey []byte) (value []byte, found bool, tombstone bool, err error) {
	if !r.filter.MayContain(userKey) {
		return nil, false, false, nil
	}

	idxIt := r.index.Iterator()
	idxIt.Seek(userKey)
	if !idxIt.Valid() {
		if err := idxIt.Err(); err != nil {
			return nil, false, false, err
		}
		return nil, false, false, nil
	}

	offset, length, err := decodeHandle(idxIt.Value())
	if err != nil {
		return nil, false, false, err
	}
	blockBytes, err := r.readAt(offset, length)
	if err != nil {
		return nil, false, false, err
	}
	block, err := NewBlockReader(blockBytes)
	if err != nil {
		return nil, false, false, err
	}
	bIt := block.Iterator()
	bIt.Seek(userKey)
	if !bIt.Valid() || !base.Equal(bIt.Key(), userKey) {
		if err := bIt.Err(); err != nil {
			return nil, false, false, err
		}
		return nil, false, false, nil
	}
	v := bIt.Value()
	if len(v) == 0 {
		return nil, true, true, nil
	}
	return append([]byte(nil), v...), true, false, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return errors.Wrap(r.f.Close(), "keldb/sstable: close")
}

// Iterator returns a full-table iterator in ascending key order, chaining
// index iteration with per-block iteration.
func (r *Reader) Iterator() *TableIterator {
	return &TableIterator{r: r, idx: r.index.Iterator()}
}

// TableIterator walks every (key, value) in a table in ascending order.
type TableIterator struct {
	r       *Reader
	idx     *BlockIterator
	block   *BlockReader
	blockIt *BlockIterator
	err     error
}

func (it *TableIterator) loadBlock() bool {
	if !it.idx.Valid() {
		return false
	}
	offset, length, err := decodeHandle(it.idx.Value())
	if err != nil {
		it.err = err
		return false
	}
	data, err := it.r.readAt(offset, length)
	if err != nil {
		it.err = err
		return false
	}
	block, err := NewBlockReader(data)
	if err != nil {
		it.err = err
		return false
	}
	it.block = block
	it.blockIt = block.Iterator()
	return true
}

// SeekToFirst positions the iterator at the smallest key in the table.
func (it *TableIterator) SeekToFirst() {
	it.idx.SeekToFirst()
	if !it.loadBlock() {
		it.blockIt = nil
		return
	}
	it.blockIt.SeekToFirst()
	for !it.blockIt.Valid() {
		it.idx.Next()
		if !it.loadBlock() {
			it.blockIt = nil
			return
		}
		it.blockIt.SeekToFirst()
	}
}

// Seek positions the iterator at the first key >= target.
func (it *TableIterator) Seek(target []byte) {
	it.idx.Seek(target)
	if !it.loadBlock() {
		it.blockIt = nil
		return
	}
	it.blockIt.Seek(target)
	for !it.blockIt.Valid() {
		it.idx.Next()
		if !it.loadBlock() {
			it.blockIt = nil
			return
		}
		it.blockIt.SeekToFirst()
	}
}

// Next advances to the following entry across block boundaries.
func (it *TableIterator) Next() {
	if it.blockIt == nil {
		return
	}
	it.blockIt.Next()
	for !it.blockIt.Valid() {
		it.idx.Next()
		if !it.loadBlock() {
			it.blockIt = nil
			return
		}
		it.blockIt.SeekToFirst()
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *TableIterator) Valid() bool { return it.blockIt != nil && it.blockIt.Valid() }

// Key returns the current user key.
func (it *TableIterator) Key() []byte { return it.blockIt.Key() }

// Value returns the current stored value (empty/nil for a tombstone).
func (it *TableIterator) Value() []byte { return it.blockIt.Value() }

// Err returns the first error encountered by the iterator, if any.
func (it *TableIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.idx != nil {
		if err := it.idx.Err(); err != nil {
			return err
		}
	}
	if it.blockIt != nil {
		return it.blockIt.Err()
	}
	return nil
}
