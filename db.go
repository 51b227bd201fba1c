// Package keldb implements the embedded LSM-tree storage engine: a
// write-ahead log feeding a memtable, periodic flushes to sstables, a
// versioned file catalog, and leveled background compaction (spec §1-§9).
package keldb

import (
	"math"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/keldb/keldb/internal/base"
	"github.com/keldb/keldb/internal/cache"
	"github.com/keldb/keldb/internal/manifest"
	"github.com/keldb/keldb/internal/memtable"
	"github.com/keldb/keldb/internal/metrics"
	"github.com/keldb/keldb/internal/wal"
	"github.com/keldb/keldb/sstable"
	"golang.org/x/sync/errgroup"
)

// DB is the engine facade (spec §6, C13): it owns the write-ahead log, the
// active and immutable memtables, the version set, and the background
// worker that turns switches into flushes and flushes into compactions.
type DB struct {
	dirname string
	opts    *Options
	cache   cache.Cache
	vset    *manifest.VersionSet
	metrics *metrics.Metrics
	limiter *compactionLimiter
	worker  *backgroundWorker

	writeMu sync.Mutex // serializes Write/switchMemtable/Flush

	mu     sync.Mutex // protects mem, imm, logw, logNum, closed
	mem    *memtable.Memtable
	imm    *memtable.Memtable
	logNum base.FileNum
	logw   *wal.Writer
	closed bool
}

// Open recovers (or creates) the database at dirname.
func Open(dirname string, opts *Options) (*DB, error) {
	o := opts.ensureDefaults()

	if _, err := os.Stat(dirname); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "keldb: stat %s", dirname)
		}
		if !o.CreateIfMissing {
			return nil, base.InvalidArgumentErrorf("keldb: directory %s does not exist", dirname)
		}
		if err := os.MkdirAll(dirname, 0755); err != nil {
			return nil, errors.Wrapf(err, "keldb: mkdir %s", dirname)
		}
	}

	var c cache.Cache
	if o.CacheSize > 0 {
		c = cache.New(o.CacheShards)
	} else {
		c = cache.NoOp()
	}

	vset, err := manifest.Open(dirname, o.MaxLevels, c, o.Logger)
	if err != nil {
		return nil, err
	}

	db := &DB{
		dirname: dirname,
		opts:    o,
		cache:   c,
		vset:    vset,
		metrics: metrics.New(o.MetricsRegisterer),
		limiter: newCompactionLimiter(o.CompactionBytesPerSec),
		mem:     memtable.New(),
	}
	db.worker = newBackgroundWorker(db.doBackgroundWork)

	logNum := vset.NewFileNumber()
	logw, err := wal.Create(base.MakeFilename(dirname, base.FileTypeLog, logNum), logNum)
	if err != nil {
		_ = vset.Close()
		return nil, err
	}
	db.logNum = logNum
	db.logw = logw
	if err := syncDir(dirname); err != nil {
		_ = logw.Close()
		_ = vset.Close()
		return nil, errors.Wrapf(err, "keldb: sync %s", dirname)
	}

	if err := db.recover(); err != nil {
		_ = logw.Close()
		_ = vset.Close()
		return nil, err
	}

	db.worker.start()
	return db, nil
}

// recover replays every stale WAL file left behind by a prior run (there is
// normally at most one, but a crash between switchMemtable's new-WAL-create
// and the retired WAL's deletion can leave two), applies their batches into
// a fresh memtable in file-number order, restores the sequence counter, and
// -- if anything was recovered -- flushes it to an L0 table synchronously
// before returning, so the stale logs can be deleted without risking data
// loss if Open crashes again immediately after.
func (db *DB) recover() error {
	allLogNums, err := listLogFiles(db.dirname)
	if err != nil {
		return err
	}
	logNums := allLogNums[:0:0]
	for _, num := range allLogNums {
		if num != db.logNum {
			logNums = append(logNums, num)
		}
	}
	if len(logNums) == 0 {
		return nil
	}

	recovered := memtable.New()
	var maxSeq uint64
	for _, num := range logNums {
		path := base.MakeFilename(db.dirname, base.FileTypeLog, num)
		batches, _, _, err := wal.Recover(path, db.opts.Logger)
		if err != nil {
			return err
		}
		for _, b := range batches {
			applyBatchToMemtable(recovered, b.StartSeq, b.Ops)
			end := b.StartSeq + uint64(len(b.Ops))
			if end > 0 && end-1 > maxSeq {
				maxSeq = end - 1
			}
		}
	}
	db.vset.BumpSequence(maxSeq)

	if !recovered.IsEmpty() {
		db.mu.Lock()
		db.imm = recovered
		err := db.flushImmutableLocked()
		db.mu.Unlock()
		if err != nil {
			return err
		}
	}

	for _, num := range logNums {
		_ = os.Remove(base.MakeFilename(db.dirname, base.FileTypeLog, num))
	}
	return nil
}

func listLogFiles(dirname string) ([]base.FileNum, error) {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "keldb: read dir %s", dirname)
	}
	var nums []base.FileNum
	for _, e := range entries {
		if ft, num, ok := base.ParseFilename(e.Name()); ok && ft == base.FileTypeLog {
			nums = append(nums, num)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func applyBatchToMemtable(mem *memtable.Memtable, startSeq uint64, ops []base.BatchOp) {
	seq := startSeq
	for _, op := range ops {
		mem.Put(op.Key, op.Value, seq, op.Kind)
		seq++
	}
}

// Put stages and applies a single PUT as a one-entry batch.
func (db *DB) Put(key, value []byte) error {
	b := NewBatch()
	if err := b.Put(key, value); err != nil {
		return err
	}
	return db.Write(b)
}

// Delete stages and applies a single DELETE as a one-entry batch.
func (db *DB) Delete(key []byte) error {
	b := NewBatch()
	if err := b.Delete(key); err != nil {
		return err
	}
	return db.Write(b)
}

// Write applies b atomically (spec §4.13): it allocates a contiguous
// sequence range, appends and flushes a single WAL record, then applies
// every operation to the active memtable in order. Writers are serialized
// by writeMu, so sequence allocation order and WAL order always agree.
func (db *DB) Write(b *Batch) error {
	if b.Empty() {
		return nil
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return base.ErrClosed
	}
	logw := db.logw
	db.mu.Unlock()

	startSeq := db.vset.AllocateSeqRange(len(b.ops))
	if err := logw.Append(startSeq, b.ops); err != nil {
		return err
	}
	if err := logw.Flush(); err != nil {
		return err
	}

	db.mu.Lock()
	applyBatchToMemtable(db.mem, startSeq, b.ops)
	needSwitch := db.mem.ApproximateSize() >= db.opts.MemtableSize
	db.mu.Unlock()

	for _, op := range b.ops {
		if op.Kind == base.InternalKeyKindDelete {
			db.metrics.RecordDelete()
		} else {
			db.metrics.RecordPut(len(op.Key) + len(op.Value))
		}
	}
	db.metrics.RecordBatch()

	if needSwitch {
		return db.switchMemtable()
	}
	return nil
}

// switchMemtable implements spec §4.13's switch: flush any existing
// immutable memtable first, then rotate the active memtable out and open a
// fresh WAL for the new active memtable. Called with writeMu held.
func (db *DB) switchMemtable() error {
	db.mu.Lock()
	if db.imm != nil {
		if err := db.flushImmutableLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
		db.pruneObsoleteLogsLocked()
	}

	newLogNum := db.vset.NewFileNumber()
	path := base.MakeFilename(db.dirname, base.FileTypeLog, newLogNum)
	newWriter, err := wal.Create(path, newLogNum)
	if err != nil {
		db.mu.Unlock()
		return err
	}

	if err := syncDir(db.dirname); err != nil {
		_ = newWriter.Close()
		db.mu.Unlock()
		return errors.Wrapf(err, "keldb: sync %s", db.dirname)
	}

	oldWriter := db.logw
	db.imm = db.mem
	db.mem = memtable.New()
	db.logw = newWriter
	db.logNum = newLogNum
	db.mu.Unlock()

	if err := oldWriter.Close(); err != nil {
		db.opts.Logger.Errorf("closing retired WAL: %v", err)
	}

	db.worker.request()
	return nil
}

// flushImmutableLocked writes db.imm to a new L0 table and installs a
// version edit advancing the manifest's log number past it (spec §4.13's
// flush). Called with db.mu held; clears db.imm on success.
//
// It walks the immutable memtable's raw internal-key entries directly
// (rather than through UserKeyIterator) because it needs each entry's Kind
// to skip tombstones and to recognize -- via the skip list's
// sequence-descending ordering for a repeated user key -- which entries are
// older versions already shadowed by one just written.
func (db *DB) flushImmutableLocked() error {
	imm := db.imm
	if imm == nil {
		return nil
	}

	logNum := uint64(db.logNum)
	if imm.IsEmpty() {
		db.imm = nil
		return db.vset.LogAndApply(&manifest.VersionEdit{LogNumber: &logNum})
	}

	fileNum := db.vset.NewFileNumber()
	path := base.MakeFilename(db.dirname, base.FileTypeTable, fileNum)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "keldb: create %s", path)
	}
	w := sstable.NewWriter(f, sstable.DefaultBlockSize, 0.01)

	var lastUser []byte
	have := false
	wrote := false
	it := imm.Iterate()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		ikey, derr := base.DecodeInternalKey(it.Key())
		if derr != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return derr
		}
		if have && base.Equal(ikey.UserKey, lastUser) {
			continue // older version of a user key already written/skipped
		}
		have = true
		lastUser = append(lastUser[:0], ikey.UserKey...)
		if ikey.Kind == base.InternalKeyKindDelete {
			continue
		}
		if err := w.Add(ikey.UserKey, it.Value()); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return err
		}
		wrote = true
	}

	if !wrote {
		_ = f.Close()
		_ = os.Remove(path)
		db.imm = nil
		return db.vset.LogAndApply(&manifest.VersionEdit{LogNumber: &logNum})
	}

	res, err := w.Finish()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "keldb: close %s", path)
	}
	if err := syncDir(db.dirname); err != nil {
		return errors.Wrapf(err, "keldb: sync %s", db.dirname)
	}

	meta := manifest.NewFileMetaData(fileNum, uint64(res.Size), res.Smallest, res.Largest)
	edit := &manifest.VersionEdit{
		LogNumber: &logNum,
		NewFiles:  []manifest.NewFileEntry{{Level: 0, Meta: meta}},
	}
	if err := db.vset.LogAndApply(edit); err != nil {
		return err
	}
	db.imm = nil
	db.metrics.RecordFlush()
	db.metrics.RecordBytesWritten(int(res.Size))
	db.publishLevelMetrics()
	return nil
}

// publishLevelMetrics refreshes the per-level file-count/byte-size gauges
// from the current version, called after every manifest edit that can
// change a level's contents (flush or compaction).
func (db *DB) publishLevelMetrics() {
	v := db.vset.Current()
	defer v.Unref()
	for level := 0; level < v.NumLevels(); level++ {
		db.metrics.SetLevelStats(level, v.NumFiles(level), v.LevelSize(level))
	}
}

// pruneObsoleteLogsLocked deletes WAL files made obsolete by the manifest's
// current log number. Called with db.mu held.
func (db *DB) pruneObsoleteLogsLocked() {
	cutoff := db.vset.LogNumber()
	entries, err := os.ReadDir(db.dirname)
	if err != nil {
		return
	}
	for _, e := range entries {
		ft, num, ok := base.ParseFilename(e.Name())
		if !ok || ft != base.FileTypeLog || num >= cutoff {
			continue
		}
		_ = os.Remove(base.MakeFilename(db.dirname, base.FileTypeLog, num))
	}
}

// Get looks up key, checking the active memtable, the immutable memtable
// (if any), then the current version, in that order -- stopping as soon as
// any layer reports the key present, whether as a live value or a
// tombstone, since a tombstone in a newer layer must shadow whatever an
// older layer holds (spec §4.13).
func (db *DB) Get(key []byte) ([]byte, error) {
	if err := base.ValidateKey(key); err != nil {
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, base.ErrClosed
	}
	if v, found, tomb := db.mem.Lookup(key); found {
		db.mu.Unlock()
		if tomb {
			return nil, base.ErrNotFound
		}
		db.metrics.RecordBytesRead(len(v))
		return v, nil
	}
	if db.imm != nil {
		if v, found, tomb := db.imm.Lookup(key); found {
			db.mu.Unlock()
			if tomb {
				return nil, base.ErrNotFound
			}
			db.metrics.RecordBytesRead(len(v))
			return v, nil
		}
	}
	db.mu.Unlock()

	cur := db.vset.Current()
	defer cur.Unref()
	val, found, err := cur.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, base.ErrNotFound
	}
	db.metrics.RecordBytesRead(len(val))
	return val, nil
}

// Flush forces the active memtable (and any pending immutable memtable) to
// an sstable synchronously, regardless of its size.
func (db *DB) Flush() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.mu.Lock()
	nothingToDo := db.mem.IsEmpty() && db.imm == nil
	db.mu.Unlock()
	if nothingToDo {
		return nil
	}

	if err := db.switchMemtable(); err != nil {
		return err
	}

	db.mu.Lock()
	err := db.flushImmutableLocked()
	if err == nil {
		db.pruneObsoleteLogsLocked()
	}
	db.mu.Unlock()
	return err
}

// CompactRange runs compactions synchronously until no level has files
// overlapping [begin, end] that still need merging downward. A nil begin or
// end is unbounded on that side.
func (db *DB) CompactRange(begin, end []byte) error {
	for {
		v := db.vset.Current()
		task := pickCompactionForRange(v, begin, end)
		v.Unref()
		if task == nil {
			return nil
		}
		if err := db.runCompaction(task); err != nil {
			return err
		}
	}
}

func (db *DB) runCompaction(task *compactionTask) error {
	edit, err := task.execute(db.dirname, db.cache, db.vset.Generation(), db.opts.MaxLevels, db.vset.NewFileNumber, db.limiter, func(n int) {
		db.metrics.RecordTombstoneDropped(n)
	})
	if err != nil {
		return err
	}
	if len(edit.NewFiles) > 0 {
		if err := syncDir(db.dirname); err != nil {
			return errors.Wrapf(err, "keldb: sync %s", db.dirname)
		}
	}
	if err := db.vset.LogAndApply(edit); err != nil {
		return err
	}
	db.metrics.RecordCompaction()
	db.publishLevelMetrics()
	return nil
}

// doBackgroundWork is the worker's single unit of work: flush a pending
// immutable memtable if there is one, otherwise run one compaction if the
// current version needs it. Either branch re-requests itself on success so
// the worker keeps draining until there's nothing left to do.
func (db *DB) doBackgroundWork() {
	db.mu.Lock()
	needFlush := db.imm != nil
	db.mu.Unlock()

	if needFlush {
		db.mu.Lock()
		err := db.flushImmutableLocked()
		if err == nil {
			db.pruneObsoleteLogsLocked()
		}
		db.mu.Unlock()
		if err != nil {
			db.opts.Logger.Errorf("background flush failed: %v", err)
			return
		}
		db.worker.request()
		return
	}

	v := db.vset.Current()
	need := needCompaction(v)
	v.Unref()
	if !need {
		return
	}

	v = db.vset.Current()
	task := pickCompaction(v)
	v.Unref()
	if task == nil {
		return
	}
	if err := db.runCompaction(task); err != nil {
		db.opts.Logger.Errorf("background compaction failed: %v", err)
		return
	}
	db.worker.request()
}

// PauseCompactions suspends the background worker after any in-flight work
// completes (spec §4.12's scheduler control surface).
func (db *DB) PauseCompactions() { db.worker.pause() }

// ResumeCompactions re-enables the background worker.
func (db *DB) ResumeCompactions() { db.worker.resume() }

// Metrics returns a point-in-time snapshot of the engine's counters and
// latency histograms.
func (db *DB) Metrics() metrics.Snapshot { return db.metrics.Snapshot() }

// FileInfo describes one sstable in the current version, for manifest
// introspection tooling (keldbctl's "manifest" subcommand).
type FileInfo struct {
	Level           int
	FileNum         base.FileNum
	Size            uint64
	Smallest, Largest []byte
}

// Levels returns a snapshot of every file in the current version, grouped
// by ascending level; L0 files are in arrival order, files of deeper levels
// in smallest-key order.
func (db *DB) Levels() []FileInfo {
	v := db.vset.Current()
	defer v.Unref()

	var out []FileInfo
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			out = append(out, FileInfo{
				Level:    level,
				FileNum:  f.FileNum,
				Size:     f.Size,
				Smallest: f.Smallest,
				Largest:  f.Largest,
			})
		}
	}
	return out
}

// Close stops the background worker, flushes any pending immutable
// memtable, and closes the WAL and version set. It does not flush the
// active memtable -- Flush() must be called first if that data needs to
// survive the process exiting without a clean WAL replay on next Open (it
// will still be recovered from the WAL, just not as quickly).
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return base.ErrClosed
	}
	db.closed = true
	db.mu.Unlock()

	db.worker.stop(db.opts.CloseTimeout)

	db.mu.Lock()
	flushErr := db.flushImmutableLocked()
	db.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { return db.logw.Close() })
	g.Go(func() error { return db.vset.Close() })
	closeErr := g.Wait()

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// NewIterator returns an iterator over every key currently visible in the
// database (active memtable, immutable memtable, and every sstable in the
// current version), newest version winning per spec §4.11. The returned
// version and any opened table readers are held until Close is called.
func (db *DB) NewIterator() (*Iterator, error) {
	db.mu.Lock()
	mem := db.mem
	imm := db.imm
	db.mu.Unlock()

	v := db.vset.Current()

	sources := []MergeSource{{Iter: memtable.NewUserKeyIterator(mem), Priority: math.MaxUint64}}
	if imm != nil {
		sources = append(sources, MergeSource{Iter: memtable.NewUserKeyIterator(imm), Priority: math.MaxUint64 - 1})
	}

	var readers []*sstable.Reader
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			path := base.MakeFilename(db.dirname, base.FileTypeTable, f.FileNum)
			r, err := sstable.OpenReader(path, f.FileNum, db.cache, db.vset.Generation())
			if err != nil {
				for _, r := range readers {
					_ = r.Close()
				}
				v.Unref()
				return nil, errors.Wrapf(err, "keldb: open %s", path)
			}
			readers = append(readers, r)
			sources = append(sources, MergeSource{Iter: r.Iterator(), Priority: uint64(f.FileNum)})
		}
	}

	return &Iterator{mi: newMergingIterator(sources), version: v, readers: readers}, nil
}

// Iterator walks every live key-value pair in ascending key order,
// transparently skipping tombstones (spec §4.11's merging iterator, with
// the one addition that the public surface never exposes a deleted key).
type Iterator struct {
	mi      *mergingIterator
	version *manifest.Version
	readers []*sstable.Reader
	closed  bool
}

func (it *Iterator) skipTombstones() {
	for it.mi.Valid() && len(it.mi.Value()) == 0 {
		it.mi.Next()
	}
}

// SeekToFirst repositions at the smallest live key.
func (it *Iterator) SeekToFirst() {
	it.mi.SeekToFirst()
	it.skipTombstones()
}

// Seek repositions at the smallest live key >= target.
func (it *Iterator) Seek(target []byte) {
	it.mi.Seek(target)
	it.skipTombstones()
}

// Next advances to the next live key.
func (it *Iterator) Next() {
	it.mi.Next()
	it.skipTombstones()
}

// Valid reports whether the iterator is positioned at a live entry.
func (it *Iterator) Valid() bool { return it.mi.Valid() }

// Key returns the current entry's key.
func (it *Iterator) Key() []byte { return it.mi.Key() }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.mi.Value() }

// Err reports any error raised while iterating.
func (it *Iterator) Err() error { return it.mi.Err() }

// Close releases the sstable readers and version reference this iterator
// holds. It must be called exactly once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	var firstErr error
	for _, r := range it.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	it.version.Unref()
	return firstErr
}

// pickCompactionForRange is CompactRange's picker: unlike pickCompaction,
// which only fires once a level crosses its automatic trigger, this scans
// every non-terminal level for files overlapping [begin, end] so an
// explicit user request compacts on demand even when no level has crossed
// its threshold.
func pickCompactionForRange(v *manifest.Version, begin, end []byte) *compactionTask {
	for level := 0; level < v.NumLevels()-1; level++ {
		files := v.OverlappingInputs(level, begin, end)
		if len(files) == 0 {
			continue
		}
		if level == 0 {
			return pickLevelCompaction(v, 0)
		}
		outputLevel := level + 1
		smallest, largest := unionRange(files)
		inputsNext := v.OverlappingInputs(outputLevel, smallest, largest)
		return &compactionTask{
			level:       level,
			outputLevel: outputLevel,
			inputs:      files,
			inputsNext:  inputsNext,
			trivialMove: len(files) == 1 && len(inputsNext) == 0,
		}
	}
	return nil
}
