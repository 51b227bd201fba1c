package keldb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/keldb/keldb/internal/base"
	"github.com/keldb/keldb/internal/cache"
	"github.com/keldb/keldb/internal/manifest"
	"github.com/keldb/keldb/sstable"
	"github.com/stretchr/testify/require"
)

func writeCompactionTable(t *testing.T, dir string, fileNum base.FileNum, pairs [][2]string) *manifest.FileMetaData {
	t.Helper()
	path := base.MakeFilename(dir, base.FileTypeTable, fileNum)
	f, err := os.Create(path)
	require.NoError(t, err)
	w := sstable.NewWriter(f, sstable.DefaultBlockSize, 0.01)
	for _, kv := range pairs {
		require.NoError(t, w.Add([]byte(kv[0]), []byte(kv[1])))
	}
	res, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return manifest.NewFileMetaData(fileNum, uint64(res.Size), res.Smallest, res.Largest)
}

func TestNeedCompactionL0Trigger(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, 7, cache.NoOp(), nil)
	require.NoError(t, err)
	defer vs.Close()

	edit := &manifest.VersionEdit{}
	for i := 0; i < l0CompactionTrigger; i++ {
		meta := writeCompactionTable(t, dir, vs.NewFileNumber(), [][2]string{{"a", "1"}})
		edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{Level: 0, Meta: meta})
	}
	require.NoError(t, vs.LogAndApply(edit))

	v := vs.Current()
	defer v.Unref()
	require.True(t, needCompaction(v))
}

func TestPickCompactionTrivialMove(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.Open(dir, 7, cache.NoOp(), nil)
	require.NoError(t, err)
	defer vs.Close()

	meta := writeCompactionTable(t, dir, vs.NewFileNumber(), [][2]string{{"a", "1"}, {"b", "2"}})
	require.NoError(t, vs.LogAndApply(&manifest.VersionEdit{NewFiles: []manifest.NewFileEntry{{Level: 1, Meta: meta}}}))

	v := vs.Current()
	defer v.Unref()
	task := pickLevelCompaction(v, 1)
	require.NotNil(t, task)
	require.True(t, task.trivialMove)
	require.Equal(t, 2, task.outputLevel)
}

func TestCompactionMergeDropsTombstoneAtMaxLevel(t *testing.T) {
	dir := t.TempDir()
	maxLevels := 2 // level 1 is the terminal level

	f1 := writeCompactionTable(t, dir, base.FileNum(1), [][2]string{{"a", "old"}, {"b", "1"}})
	f2 := writeCompactionTable(t, dir, base.FileNum(2), [][2]string{{"a", ""}}) // tombstone, newer

	task := &compactionTask{
		level:       0,
		outputLevel: 1,
		inputs:      []*manifest.FileMetaData{f2, f1}, // f2 newer: higher file number wins ties
		trivialMove: false,
	}

	nextNum := base.FileNum(3)
	nextFileNum := func() base.FileNum { n := nextNum; nextNum++; return n }

	var dropped int
	edit, err := task.execute(dir, cache.NoOp(), 0, maxLevels, nextFileNum, nil, func(n int) { dropped = n })
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	require.Len(t, edit.NewFiles, 1)
	require.Equal(t, 1, edit.NewFiles[0].Level)

	r, err := sstable.OpenReader(base.MakeFilename(dir, base.FileTypeTable, edit.NewFiles[0].Meta.FileNum), edit.NewFiles[0].Meta.FileNum, cache.NoOp(), 0)
	require.NoError(t, err)
	defer r.Close()

	_, found, _, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found, "tombstone dropped at the terminal level must leave no trace of the key")

	v, found, tomb, err := r.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, tomb)
	require.Equal(t, []byte("1"), v)
}

func TestCompactionMergeKeepsTombstoneAtNonMaxLevel(t *testing.T) {
	dir := t.TempDir()
	maxLevels := 7 // level 1 is not terminal

	f1 := writeCompactionTable(t, dir, base.FileNum(1), [][2]string{{"a", "old"}})
	f2 := writeCompactionTable(t, dir, base.FileNum(2), [][2]string{{"a", ""}})

	task := &compactionTask{level: 0, outputLevel: 1, inputs: []*manifest.FileMetaData{f2, f1}, trivialMove: false}
	nextNum := base.FileNum(3)
	edit, err := task.execute(dir, cache.NoOp(), 0, maxLevels, func() base.FileNum { n := nextNum; nextNum++; return n }, nil, nil)
	require.NoError(t, err)
	require.Len(t, edit.NewFiles, 1)

	r, err := sstable.OpenReader(base.MakeFilename(dir, base.FileTypeTable, edit.NewFiles[0].Meta.FileNum), edit.NewFiles[0].Meta.FileNum, cache.NoOp(), 0)
	require.NoError(t, err)
	defer r.Close()

	_, found, tomb, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, tomb)
}

func TestCompactionFailureLeavesInputsUntouched(t *testing.T) {
	dir := t.TempDir()
	missing := manifest.NewFileMetaData(base.FileNum(99), 100, []byte("a"), []byte("z"))
	task := &compactionTask{level: 0, outputLevel: 1, inputs: []*manifest.FileMetaData{missing}, trivialMove: false}

	_, err := task.execute(dir, cache.NoOp(), 0, 7, func() base.FileNum { return 100 }, nil, nil)
	require.Error(t, err)

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		require.NotEqual(t, filepath.Base(base.MakeFilename(dir, base.FileTypeTable, 100)), e.Name())
	}
}
