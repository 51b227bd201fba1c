package keldb

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/keldb/keldb/internal/base"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	dir := t.TempDir()
	if opts == nil {
		opts = &Options{}
	}
	opts.CreateIfMissing = true
	db, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestBasicPutGetDelete covers spec §8 scenario A.
func TestBasicPutGetDelete(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	v, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, db.Delete([]byte("a")))
	_, err = db.Get([]byte("a"))
	require.True(t, errors.Is(err, base.ErrNotFound))

	_, err = db.Get([]byte("never-written"))
	require.True(t, errors.Is(err, base.ErrNotFound))
}

func TestPutRejectsEmptyValue(t *testing.T) {
	db := openTestDB(t, nil)
	err := db.Put([]byte("k"), []byte{})
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}

func TestPutRejectsOversizedKey(t *testing.T) {
	db := openTestDB(t, nil)
	big := make([]byte, base.MaxKeyLength+1)
	err := db.Put(big, []byte("v"))
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}

// TestRecoveryReplaysWAL covers spec §8 scenario B: a DB reopened against
// the same directory after writes (without an explicit Flush) sees all of
// them via WAL replay.
func TestRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{CreateIfMissing: true}

	db, err := Open(dir, opts)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i))))
	}
	require.NoError(t, db.Put([]byte("deleted"), []byte("x")))
	require.NoError(t, db.Delete([]byte("deleted")))
	require.NoError(t, db.Close())

	db2, err := Open(dir, opts)
	require.NoError(t, err)
	defer db2.Close()

	for i := 0; i < 50; i++ {
		v, err := db2.Get([]byte(fmt.Sprintf("k%03d", i)))
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("v%03d", i)), v)
	}
	_, err = db2.Get([]byte("deleted"))
	require.True(t, errors.Is(err, base.ErrNotFound))
}

// TestMemtableSwitchOnSize covers spec §8 scenario C: writes past
// MemtableSize trigger a switch and eventually a flushed L0 table.
func TestMemtableSwitchOnSize(t *testing.T) {
	db := openTestDB(t, &Options{MemtableSize: 256})

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d-xxxxxxxxxx", i))
		require.NoError(t, db.Put(key, val))
	}
	require.NoError(t, db.Flush())

	v := db.vset.Current()
	defer v.Unref()
	require.Greater(t, v.NumFiles(0), 0)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val, err := db.Get(key)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("value-%04d-xxxxxxxxxx", i)), val)
	}
}

// TestFlushProducesL0File covers spec §8 scenario C's minimal form.
func TestFlushProducesL0File(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Flush())

	v := db.vset.Current()
	defer v.Unref()
	require.Equal(t, 1, v.NumFiles(0))
}

// TestCompactionMergesL0Overlap covers spec §8 scenarios D/E: repeated
// flushes accumulate L0 files past the trigger, and with the background
// worker paused, CompactRange merges them.
func TestCompactionMergesL0Overlap(t *testing.T) {
	db := openTestDB(t, nil)
	db.PauseCompactions() // drive compaction deterministically via CompactRange below

	for i := 0; i < l0CompactionTrigger+2; i++ {
		require.NoError(t, db.Put([]byte("k"), []byte(fmt.Sprintf("v%d", i))))
		require.NoError(t, db.Flush())
	}

	require.NoError(t, db.CompactRange(nil, nil))

	v := db.vset.Current()
	defer v.Unref()
	require.Less(t, v.NumFiles(0), l0CompactionTrigger)

	val, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("v%d", l0CompactionTrigger+1), string(val))
}

// TestNewIteratorNewestWins covers spec §8 scenario F across memtable and
// sstable layers via the public Iterator facade.
func TestNewIteratorNewestWins(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.Put([]byte("a"), []byte("old")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("a"), []byte("new")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))

	it, err := db.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	var got [][2]string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	require.Equal(t, [][2]string{{"a", "new"}, {"b", "2"}}, got)
}

func TestIteratorSkipsTombstones(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Delete([]byte("a")))

	it, err := db.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, "b", string(it.Key()))
	it.Next()
	require.False(t, it.Valid())
}

// TestBatchIsAtomic covers spec §6's write_batch: every op in a batch
// becomes visible together.
func TestBatchIsAtomic(t *testing.T) {
	db := openTestDB(t, nil)

	b := NewBatch()
	require.NoError(t, b.Put([]byte("x"), []byte("1")))
	require.NoError(t, b.Put([]byte("y"), []byte("2")))
	require.NoError(t, b.Delete([]byte("z")))
	require.NoError(t, db.Write(b))

	vx, err := db.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), vx)
	vy, err := db.Get([]byte("y"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), vy)
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	first := db.vset.LastSequence()
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	second := db.vset.LastSequence()
	require.Greater(t, second, first)
}

func TestCloseThenOperationFails(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, &Options{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = db.Put([]byte("a"), []byte("1"))
	require.True(t, errors.Is(err, base.ErrClosed))

	err = db.Close()
	require.True(t, errors.Is(err, base.ErrClosed))
}

func TestOpenWithoutCreateIfMissingFails(t *testing.T) {
	dir := t.TempDir() + "/does-not-exist"
	_, err := Open(dir, &Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}

func TestStatusFromError(t *testing.T) {
	require.Equal(t, StatusOK, StatusFromError(nil))
	require.Equal(t, StatusNotFound, StatusFromError(base.ErrNotFound))
	require.Equal(t, StatusCorruption, StatusFromError(base.ErrCorruption))
	require.Equal(t, StatusInvalidArgument, StatusFromError(base.ErrInvalidArgument))
	require.Equal(t, StatusInvalidArgument, StatusFromError(base.ErrClosed))
	require.Equal(t, StatusIOError, StatusFromError(errors.New("disk on fire")))
}
