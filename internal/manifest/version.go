// Package manifest implements the versioned file catalog (C9) and its
// persisted log of edits (C10): the current set of sstables at each
// level, how a point lookup walks them, and how edits are applied,
// logged, and recovered.
package manifest

import (
	"sort"
	"sync/atomic"

	"github.com/keldb/keldb/internal/base"
	"github.com/keldb/keldb/internal/cache"
	"github.com/keldb/keldb/sstable"
)

// FileMetaData describes one immutable sstable. It is immutable after
// construction except for AllowedSeeks, an atomic counter decremented on
// every point lookup that has to open this file; LevelDB-style
// seek-triggered compaction scheduling reads it, though the compaction
// picker here only acts on the two triggers spec.md names explicitly
// (L0 file count and per-level byte budgets).
type FileMetaData struct {
	FileNum  base.FileNum
	Size     uint64
	Smallest []byte
	Largest  []byte

	AllowedSeeks atomic.Int32
}

// NewFileMetaData constructs file metadata with a default seek budget.
func NewFileMetaData(num base.FileNum, size uint64, smallest, largest []byte) *FileMetaData {
	f := &FileMetaData{FileNum: num, Size: size, Smallest: smallest, Largest: largest}
	f.AllowedSeeks.Store(1 << 20)
	return f
}

// contains reports whether userKey falls within [Smallest, Largest].
func (f *FileMetaData) contains(userKey []byte) bool {
	return base.CompareUserKeys(userKey, f.Smallest) >= 0 && base.CompareUserKeys(userKey, f.Largest) <= 0
}

// overlaps reports whether f's key range intersects [begin, end]. A nil
// bound means unbounded on that side.
func (f *FileMetaData) overlaps(begin, end []byte) bool {
	if end != nil && base.CompareUserKeys(f.Smallest, end) > 0 {
		return false
	}
	if begin != nil && base.CompareUserKeys(f.Largest, begin) < 0 {
		return false
	}
	return true
}

// Version is an immutable snapshot of the database's file organization:
// a list of sstables per level. New versions are produced by applying a
// VersionEdit to a clone of the current one; they are never mutated in
// place once published (spec §4.9, §5).
type Version struct {
	vset   *VersionSet
	levels [][]*FileMetaData

	refs atomic.Int32

	prev, next *Version
}

func newVersion(vset *VersionSet, maxLevels int) *Version {
	return &Version{vset: vset, levels: make([][]*FileMetaData, maxLevels)}
}

// clone produces a new Version with its own copy of each per-level file
// slice; the *FileMetaData pointers are shared (FileMetaData is immutable).
// The caller mutates the clone's levels, never the slices of an already
// published Version.
func (v *Version) clone() *Version {
	nv := newVersion(v.vset, len(v.levels))
	for i, files := range v.levels {
		nv.levels[i] = append([]*FileMetaData(nil), files...)
	}
	return nv
}

// Ref increments the reference count.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref decrements the reference count, retiring the version to the
// version set's obsolete list when it reaches zero.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 {
		v.vset.retire(v)
	}
}

// NumLevels returns the configured number of levels.
func (v *Version) NumLevels() int { return len(v.levels) }

// Files returns the file list at level, in the version's canonical order
// (insertion order at L0, smallest-key order at Lk>0).
func (v *Version) Files(level int) []*FileMetaData {
	if level < 0 || level >= len(v.levels) {
		return nil
	}
	return v.levels[level]
}

// NumFiles returns the number of files at level.
func (v *Version) NumFiles(level int) int { return len(v.Files(level)) }

// LevelSize returns the total size in bytes of files at level.
func (v *Version) LevelSize(level int) uint64 {
	var size uint64
	for _, f := range v.Files(level) {
		size += f.Size
	}
	return size
}

// AddFile inserts f into level, maintaining the invariant that levels
// above 0 stay sorted by smallest key and pairwise non-overlapping (spec
// §8 property 7). L0 files are simply appended, preserving arrival order
// so Get can probe them newest-first.
func (v *Version) AddFile(level int, f *FileMetaData) {
	if level == 0 {
		v.levels[0] = append(v.levels[0], f)
		return
	}
	files := v.levels[level]
	pos := sort.Search(len(files), func(i int) bool {
		return base.CompareUserKeys(files[i].Smallest, f.Smallest) >= 0
	})
	files = append(files, nil)
	copy(files[pos+1:], files[pos:])
	files[pos] = f
	v.levels[level] = files
}

// RemoveFile deletes the file numbered fileNum from level, if present.
func (v *Version) RemoveFile(level int, fileNum base.FileNum) {
	files := v.levels[level]
	for i, f := range files {
		if f.FileNum == fileNum {
			v.levels[level] = append(files[:i], files[i+1:]...)
			return
		}
	}
}

// OverlappingInputs returns the files at level whose range intersects
// [begin, end] (nil bounds are unbounded).
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*FileMetaData {
	var out []*FileMetaData
	for _, f := range v.Files(level) {
		if f.overlaps(begin, end) {
			out = append(out, f)
		}
	}
	return out
}

func (v *Version) openTable(f *FileMetaData, c cache.Cache) (*sstable.Reader, error) {
	path := base.MakeFilename(v.vset.dirname, base.FileTypeTable, f.FileNum)
	return sstable.OpenReader(path, f.FileNum, c, v.vset.Generation())
}

// Get performs a point lookup (spec §4.9): L0 is probed newest-first (any
// file may hold the key since L0 files can overlap); L1+ is probed via
// binary search for the unique candidate whose range contains the key,
// since those levels are disjoint. The first file that actually contains
// an entry for userKey wins, even if that entry is a tombstone — a
// tombstone ends the search with found=false and a nil value.
func (v *Version) Get(userKey []byte) (value []byte, found bool, err error) {
	l0 := v.levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if !f.contains(userKey) {
			continue
		}
		f.AllowedSeeks.Add(-1)
		val, ok, tomb, err := v.probe(f, userKey)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if tomb {
				return nil, false, nil
			}
			return val, true, nil
		}
	}

	for level := 1; level < len(v.levels); level++ {
		files := v.levels[level]
		idx := sort.Search(len(files), func(i int) bool {
			return base.CompareUserKeys(files[i].Largest, userKey) >= 0
		})
		if idx >= len(files) || !files[idx].contains(userKey) {
			continue
		}
		f := files[idx]
		f.AllowedSeeks.Add(-1)
		val, ok, tomb, err := v.probe(f, userKey)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if tomb {
				return nil, false, nil
			}
			return val, true, nil
		}
	}
	return nil, false, nil
}

func (v *Version) probe(f *FileMetaData, userKey []byte) (value []byte, found, tombstone bool, err error) {
	r, err := v.openTable(f, v.vset.cache)
	if err != nil {
		return nil, false, false, err
	}
	defer r.Close()
	return r.Get(userKey)
}
