package keldb

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
	"github.com/keldb/keldb/internal/base"
	"github.com/keldb/keldb/internal/cache"
	"github.com/keldb/keldb/internal/manifest"
	"github.com/keldb/keldb/sstable"
)

// Leveled compaction constants (spec §4.12): L0 triggers a compaction once
// it accumulates l0CompactionTrigger files; Lk (k>=1) triggers once its
// total byte size exceeds l1MaxBytes * levelSizeMultiplier^(k-1).
// maxOutputTableSize bounds a single compaction output file.
const (
	l0CompactionTrigger  = 4
	l1MaxBytes           = 10 << 20
	levelSizeMultiplier  = 10
	maxOutputTableSize   = 2 << 20
)

func levelByteBudget(level int) uint64 {
	budget := uint64(l1MaxBytes)
	for i := 1; i < level; i++ {
		budget *= levelSizeMultiplier
	}
	return budget
}

// needCompaction implements spec §4.12's need_compaction(v): true when L0
// has reached the file-count trigger or any non-terminal level exceeds its
// byte budget. The terminal level (maxLevels-1) has no level+1 to compact
// into, so it is never a compaction source here.
func needCompaction(v *manifest.Version) bool {
	if v.NumFiles(0) >= l0CompactionTrigger {
		return true
	}
	for level := 1; level < v.NumLevels()-1; level++ {
		if v.LevelSize(level) > levelByteBudget(level) {
			return true
		}
	}
	return false
}

// compactionTask describes one unit of compaction work: the chosen level,
// its selected input files, any overlapping files from level+1, and
// whether the task degenerates into a trivial move (spec §4.12).
type compactionTask struct {
	level       int
	outputLevel int
	inputs      []*manifest.FileMetaData
	inputsNext  []*manifest.FileMetaData
	trivialMove bool
}

func unionRange(files []*manifest.FileMetaData) (smallest, largest []byte) {
	for _, f := range files {
		if smallest == nil || base.CompareUserKeys(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || base.CompareUserKeys(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// pickCompaction implements spec §4.12's pick_compaction(v): L0 has
// priority whenever it has reached its trigger; otherwise the most
// overflowed level (by ratio of actual size to budget) is chosen.
func pickCompaction(v *manifest.Version) *compactionTask {
	if v.NumFiles(0) >= l0CompactionTrigger {
		return pickLevelCompaction(v, 0)
	}

	bestLevel := -1
	var bestRatio float64
	for level := 1; level < v.NumLevels()-1; level++ {
		budget := levelByteBudget(level)
		ratio := float64(v.LevelSize(level)) / float64(budget)
		if ratio > 1 && ratio > bestRatio {
			bestRatio = ratio
			bestLevel = level
		}
	}
	if bestLevel < 0 {
		return nil
	}
	return pickLevelCompaction(v, bestLevel)
}

// pickLevelCompaction selects the input files at level and their
// overlapping counterparts at level+1. L0 takes every L0 file, since L0
// files may overlap arbitrarily and only compacting all of them guarantees
// L0's count actually drops (spec §8 scenario E); L1+ levels are disjoint,
// so a single file -- the largest, to relieve the most overflow -- is
// enough to pick a well-formed task.
func pickLevelCompaction(v *manifest.Version, level int) *compactionTask {
	var inputs []*manifest.FileMetaData
	if level == 0 {
		inputs = append(inputs, v.Files(0)...)
	} else {
		files := v.Files(level)
		if len(files) == 0 {
			return nil
		}
		best := files[0]
		for _, f := range files[1:] {
			if f.Size > best.Size {
				best = f
			}
		}
		inputs = []*manifest.FileMetaData{best}
	}
	if len(inputs) == 0 {
		return nil
	}

	outputLevel := level + 1
	smallest, largest := unionRange(inputs)
	inputsNext := v.OverlappingInputs(outputLevel, smallest, largest)

	return &compactionTask{
		level:       level,
		outputLevel: outputLevel,
		inputs:      inputs,
		inputsNext:  inputsNext,
		trivialMove: len(inputs) == 1 && len(inputsNext) == 0,
	}
}

// compactionLimiter paces the byte rate of compaction output writes (spec
// SPEC_FULL.md §4.19, A8). A nil *compactionLimiter imposes no limit.
type compactionLimiter struct {
	tb *tokenbucket.TokenBucket
}

func newCompactionLimiter(bytesPerSec uint64) *compactionLimiter {
	if bytesPerSec == 0 {
		return nil
	}
	tb := &tokenbucket.TokenBucket{}
	tb.Init(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(bytesPerSec))
	return &compactionLimiter{tb: tb}
}

func (l *compactionLimiter) wait(ctx context.Context, n int) {
	if l == nil {
		return
	}
	_ = l.tb.Wait(ctx, tokenbucket.Tokens(n))
}

// execute runs a compaction task (spec §4.12). A trivial move only emits a
// version edit relocating the file's level; otherwise it builds a merging
// iterator over every input file, writes deduplicated, non-tombstone-at-
// the-max-level output tables, and returns an edit removing the inputs and
// adding the outputs. On any I/O error, partial output files are removed,
// the inputs are left untouched, and the error is returned; the caller
// must not install the returned (nil) edit (spec §4.12 "Failure").
func (t *compactionTask) execute(
	dirname string,
	c cache.Cache,
	generation uint64,
	maxLevels int,
	nextFileNum func() base.FileNum,
	limiter *compactionLimiter,
	tombstonesDropped func(int),
) (*manifest.VersionEdit, error) {
	edit := &manifest.VersionEdit{}
	for _, f := range t.inputs {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{Level: t.level, FileNum: f.FileNum})
	}

	if t.trivialMove {
		f := t.inputs[0]
		edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{Level: t.outputLevel, Meta: f})
		return edit, nil
	}

	allInputs := make([]*manifest.FileMetaData, 0, len(t.inputs)+len(t.inputsNext))
	allInputs = append(allInputs, t.inputs...)
	allInputs = append(allInputs, t.inputsNext...)

	var readers []*sstable.Reader
	closeReaders := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	sources := make([]MergeSource, 0, len(allInputs))
	for _, f := range allInputs {
		path := base.MakeFilename(dirname, base.FileTypeTable, f.FileNum)
		r, err := sstable.OpenReader(path, f.FileNum, c, generation)
		if err != nil {
			closeReaders()
			return nil, errors.Wrapf(err, "keldb: open compaction input %s", path)
		}
		readers = append(readers, r)
		sources = append(sources, MergeSource{Iter: r.Iterator(), Priority: uint64(f.FileNum)})
	}
	defer closeReaders()

	mi := newMergingIterator(sources)
	mi.SeekToFirst()

	isMaxLevel := t.outputLevel == maxLevels-1

	var (
		builder    *sstable.Writer
		outFile    *os.File
		outNum     base.FileNum
		outputs    []manifest.NewFileEntry
		dropped    int
	)

	removeOutputs := func() {
		if builder != nil && outFile != nil {
			_ = outFile.Close()
			_ = os.Remove(outFile.Name())
		}
		for _, o := range outputs {
			_ = os.Remove(base.MakeFilename(dirname, base.FileTypeTable, o.Meta.FileNum))
		}
	}

	finishCurrent := func() error {
		if builder == nil {
			return nil
		}
		res, err := builder.Finish()
		builder = nil
		if err != nil {
			_ = outFile.Close()
			_ = os.Remove(outFile.Name())
			return err
		}
		if err := outFile.Close(); err != nil {
			return err
		}
		meta := manifest.NewFileMetaData(outNum, uint64(res.Size), res.Smallest, res.Largest)
		outputs = append(outputs, manifest.NewFileEntry{Level: t.outputLevel, Meta: meta})
		return nil
	}

	for mi.Valid() {
		key := append([]byte(nil), mi.Key()...)
		value := mi.Value()

		if len(value) == 0 && isMaxLevel {
			dropped++
			mi.Next()
			continue
		}

		if builder == nil {
			outNum = nextFileNum()
			path := base.MakeFilename(dirname, base.FileTypeTable, outNum)
			f, err := os.Create(path)
			if err != nil {
				removeOutputs()
				return nil, errors.Wrapf(err, "keldb: create compaction output %s", path)
			}
			outFile = f
			builder = sstable.NewWriter(f, sstable.DefaultBlockSize, 0.01)
		}

		limiter.wait(context.Background(), len(key)+len(value))

		if err := builder.Add(key, value); err != nil {
			removeOutputs()
			return nil, err
		}

		if builder.EstimatedSize() >= maxOutputTableSize {
			if err := finishCurrent(); err != nil {
				removeOutputs()
				return nil, err
			}
		}

		mi.Next()
	}
	if err := mi.Err(); err != nil {
		removeOutputs()
		return nil, err
	}
	if err := finishCurrent(); err != nil {
		removeOutputs()
		return nil, err
	}

	if tombstonesDropped != nil && dropped > 0 {
		tombstonesDropped(dropped)
	}

	edit.NewFiles = append(edit.NewFiles, outputs...)
	for _, f := range t.inputsNext {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{Level: t.outputLevel, FileNum: f.FileNum})
	}
	return edit, nil
}
