package manifest

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/keldb/keldb/internal/base"
	"github.com/keldb/keldb/internal/cache"
)

// Logger receives manifest recovery and obsolete-file-deletion diagnostics.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// pendingVersion records which files become obsolete once its Version is
// fully dereferenced, per C14: a version's files are only scheduled for
// physical deletion once nothing could still be reading them.
type pendingVersion struct {
	*Version
	toDelete []base.FileNum
}

// VersionSet owns the current Version, the file-number allocator, the
// last-assigned sequence number, and the manifest log (spec §4.10).
type VersionSet struct {
	dirname   string
	maxLevels int
	cache     cache.Cache
	logger    Logger

	mu      sync.Mutex
	current atomic.Pointer[Version]

	nextFileNum atomic.Uint64
	lastSeq     atomic.Uint64
	logNumber   atomic.Uint64
	generation  atomic.Uint64

	manifestFileNum base.FileNum
	manifest        *manifestWriter

	pendingDeletion *swiss.Map[base.FileNum, struct{}]
	obsolete        map[*Version][]base.FileNum
}

// Open recovers (or creates) the version set rooted at dirname. It
// replays the latest manifest; on manifest corruption it falls back to a
// directory scan and starts from an empty version, per spec §4.10.
func Open(dirname string, maxLevels int, c cache.Cache, logger Logger) (*VersionSet, error) {
	if c == nil {
		c = cache.NoOp()
	}
	vs := &VersionSet{
		dirname:         dirname,
		maxLevels:       maxLevels,
		cache:           c,
		logger:          logger,
		pendingDeletion: swiss.New[base.FileNum, struct{}](16),
		obsolete:        make(map[*Version][]base.FileNum),
	}

	manifestNum, found, err := latestManifest(dirname)
	if err != nil {
		return nil, err
	}
	if found {
		if err := vs.recoverFromManifest(manifestNum); err == nil {
			return vs, nil
		} else if logger != nil {
			logger.Errorf("keldb/manifest: MANIFEST-%06d corrupt, falling back to directory scan: %v", manifestNum, err)
		}
	}
	return vs, vs.recoverFromDirectoryScan()
}

func latestManifest(dirname string) (base.FileNum, bool, error) {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "keldb/manifest: read dir %s", dirname)
	}
	var max base.FileNum
	found := false
	for _, e := range entries {
		if ft, num, ok := base.ParseFilename(e.Name()); ok && ft == base.FileTypeManifest {
			if !found || num > max {
				max, found = num, true
			}
		}
	}
	return max, found, nil
}

func (vs *VersionSet) recoverFromManifest(num base.FileNum) error {
	path := base.MakeFilename(vs.dirname, base.FileTypeManifest, num)
	edits, err := readManifest(path)
	if err != nil {
		return err
	}
	v := newVersion(vs, vs.maxLevels)
	var nextFileNum, lastSeq, logNumber uint64
	for _, e := range edits {
		applyEdit(v, e)
		if e.NextFileNumber != nil {
			nextFileNum = *e.NextFileNumber
		}
		if e.LastSequence != nil {
			lastSeq = *e.LastSequence
		}
		if e.LogNumber != nil {
			logNumber = *e.LogNumber
		}
	}
	if nextFileNum <= uint64(num) {
		nextFileNum = uint64(num) + 1
	}
	// Numbers allocated after the last logged edit (the live WAL, for one)
	// exist only as files; start past them so none is handed out twice.
	if entries, err := os.ReadDir(vs.dirname); err == nil {
		for _, e := range entries {
			if _, n, ok := base.ParseFilename(e.Name()); ok && uint64(n) >= nextFileNum {
				nextFileNum = uint64(n) + 1
			}
		}
	}
	w, err := openManifestForAppend(path)
	if err != nil {
		return err
	}
	vs.manifestFileNum = num
	vs.manifest = w
	vs.nextFileNum.Store(nextFileNum)
	vs.lastSeq.Store(lastSeq)
	vs.logNumber.Store(logNumber)
	v.Ref()
	vs.current.Store(v)
	return nil
}

// recoverFromDirectoryScan implements spec §4.10's corruption fallback:
// find the maximum numeric file name in the directory, start numbering
// past it, reset the sequence counter, and begin an empty version backed
// by a fresh manifest.
func (vs *VersionSet) recoverFromDirectoryScan() error {
	entries, err := os.ReadDir(vs.dirname)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "keldb/manifest: read dir %s", vs.dirname)
	}
	var maxNum base.FileNum
	for _, e := range entries {
		if _, num, ok := base.ParseFilename(e.Name()); ok && num > maxNum {
			maxNum = num
		}
	}
	if err := os.MkdirAll(vs.dirname, 0755); err != nil {
		return errors.Wrap(err, "keldb/manifest: mkdir")
	}

	manifestNum := maxNum + 1
	nextFileNum := uint64(manifestNum) + 1
	path := base.MakeFilename(vs.dirname, base.FileTypeManifest, manifestNum)
	w, err := createManifest(path)
	if err != nil {
		return err
	}
	comparer := "keldb.bytewise"
	seed := &VersionEdit{ComparerName: &comparer}
	seedNext := nextFileNum
	seed.NextFileNumber = &seedNext
	var zero uint64
	seed.LastSequence = &zero
	if err := w.append(seed); err != nil {
		return err
	}
	if err := w.sync(); err != nil {
		return err
	}

	vs.manifestFileNum = manifestNum
	vs.manifest = w
	vs.nextFileNum.Store(nextFileNum)
	vs.lastSeq.Store(0)
	vs.logNumber.Store(0)
	v := newVersion(vs, vs.maxLevels)
	v.Ref()
	vs.current.Store(v)
	return nil
}

func applyEdit(v *Version, e *VersionEdit) {
	for _, df := range e.DeletedFiles {
		v.RemoveFile(df.Level, df.FileNum)
	}
	for _, nf := range e.NewFiles {
		v.AddFile(nf.Level, nf.Meta)
	}
}

// NewFileNumber allocates and returns the next monotonic file number.
func (vs *VersionSet) NewFileNumber() base.FileNum {
	return base.FileNum(vs.nextFileNum.Add(1) - 1)
}

// LastSequence returns the last sequence number assigned.
func (vs *VersionSet) LastSequence() uint64 { return vs.lastSeq.Load() }

// AllocateSeqRange reserves n consecutive sequence numbers and returns the
// first one (spec §4.13's write path: "allocate [startSeq,
// startSeq+batch.size)").
func (vs *VersionSet) AllocateSeqRange(n int) uint64 {
	return vs.lastSeq.Add(uint64(n)) - uint64(n) + 1
}

// LogNumber returns the smallest WAL file number not yet fully flushed.
func (vs *VersionSet) LogNumber() base.FileNum { return base.FileNum(vs.logNumber.Load()) }

// Generation returns a counter incremented by every LogAndApply call, used
// as the block cache's version-invalidation axis (SPEC_FULL.md's cache
// data model): a cache entry keyed by a stale generation is never looked
// up again once a newer version has been published, without needing to
// scan and evict it explicitly.
func (vs *VersionSet) Generation() uint64 { return vs.generation.Load() }

// BumpSequence raises the last-assigned sequence number to at least seq,
// used after WAL recovery replays batches that were never reflected in the
// manifest's LastSequence (the crash happened between WAL append and the
// next LogAndApply).
func (vs *VersionSet) BumpSequence(seq uint64) {
	for {
		cur := vs.lastSeq.Load()
		if seq <= cur {
			return
		}
		if vs.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Current returns the current version with its reference count already
// incremented; the caller must Unref it.
func (vs *VersionSet) Current() *Version {
	v := vs.current.Load()
	v.Ref()
	return v
}

// Dirname returns the database directory.
func (vs *VersionSet) Dirname() string { return vs.dirname }

// LogAndApply is the sole entry point that publishes a new version (spec
// §4.10): clone current, apply removals then additions, persist the edit,
// schedule obsolete files for deletion once safe, and atomically publish.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) error {
	vs.mu.Lock()

	old := vs.current.Load()
	nv := old.clone()
	applyEdit(nv, edit)

	nextFileNum := vs.nextFileNum.Load()
	edit.NextFileNumber = &nextFileNum
	lastSeq := vs.lastSeq.Load()
	edit.LastSequence = &lastSeq

	if err := vs.manifest.append(edit); err != nil {
		vs.mu.Unlock()
		return err
	}
	if err := vs.manifest.sync(); err != nil {
		vs.mu.Unlock()
		return err
	}
	if edit.LogNumber != nil {
		vs.logNumber.Store(*edit.LogNumber)
	}

	newFileNums := make(map[base.FileNum]bool, len(edit.NewFiles))
	for _, nf := range edit.NewFiles {
		newFileNums[nf.Meta.FileNum] = true
	}
	var obsolete []base.FileNum
	for _, df := range edit.DeletedFiles {
		if !newFileNums[df.FileNum] {
			obsolete = append(obsolete, df.FileNum)
		}
	}
	if len(obsolete) > 0 {
		vs.obsolete[old] = append(vs.obsolete[old], obsolete...)
	}

	nv.Ref()
	vs.current.Store(nv)
	vs.generation.Add(1)
	vs.mu.Unlock()

	old.Unref()
	return nil
}

// retire is called by Version.Unref when a version's refcount reaches
// zero. Files scheduled as obsolete against this version (because a
// later edit removed them and they weren't reintroduced) are now safe to
// delete: nothing can still be reading them through this or any newer
// version.
func (vs *VersionSet) retire(v *Version) {
	vs.mu.Lock()
	toDelete := vs.obsolete[v]
	delete(vs.obsolete, v)
	vs.mu.Unlock()

	for _, num := range toDelete {
		vs.deleteObsoleteFile(num)
	}
}

func (vs *VersionSet) deleteObsoleteFile(num base.FileNum) {
	if _, already := vs.pendingDeletion.Get(num); already {
		return
	}
	vs.pendingDeletion.Put(num, struct{}{})
	path := base.MakeFilename(vs.dirname, base.FileTypeTable, num)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		if vs.logger != nil {
			vs.logger.Errorf("keldb/manifest: failed to delete obsolete table %s: %v", filepath.Base(path), err)
		}
		return
	}
	if vs.logger != nil {
		vs.logger.Infof("keldb/manifest: deleted obsolete table %s", filepath.Base(path))
	}
}

// Close flushes and closes the manifest file.
func (vs *VersionSet) Close() error {
	if vs.manifest == nil {
		return nil
	}
	return vs.manifest.close()
}
