package wal

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/keldb/keldb/internal/base"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ lines []string }

func (l *testLogger) Infof(format string, args ...interface{})  { l.lines = append(l.lines, format) }
func (l *testLogger) Errorf(format string, args ...interface{}) { l.lines = append(l.lines, format) }

func TestWALRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")

	w, err := Create(path, 1)
	require.NoError(t, err)

	batches := [][]base.BatchOp{
		{{Kind: base.InternalKeyKindValue, Key: []byte("a"), Value: []byte("1")}},
		{
			{Kind: base.InternalKeyKindValue, Key: []byte("b"), Value: []byte("2")},
			{Kind: base.InternalKeyKindDelete, Key: []byte("a")},
		},
	}
	seq := uint64(1)
	for _, ops := range batches {
		require.NoError(t, w.Append(seq, ops))
		seq += uint64(len(ops))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	recovered, good, bad, err := Recover(path, nil)
	require.NoError(t, err)
	require.Equal(t, 2, good)
	require.Equal(t, 0, bad)
	require.Len(t, recovered, 2)
	require.Equal(t, uint64(1), recovered[0].StartSeq)
	require.Equal(t, uint64(2), recovered[1].StartSeq)
	require.Equal(t, batches[0], recovered[0].Ops)
	require.Equal(t, batches[1], recovered[1].Ops)
}

func TestWALRecoverMissingFile(t *testing.T) {
	recovered, good, bad, err := Recover(filepath.Join(t.TempDir(), "missing.log"), nil)
	require.NoError(t, err)
	require.Nil(t, recovered)
	require.Equal(t, 0, good)
	require.Equal(t, 0, bad)
}

func TestWALRecoverSkipsCorruptTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")
	w, err := Create(path, 1)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, []base.BatchOp{{Kind: base.InternalKeyKindValue, Key: []byte("a"), Value: []byte("1")}}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	// Corrupt a byte inside the payload region (after the 7-byte header).
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	log := &testLogger{}
	recovered, good, bad, err := Recover(path, log)
	require.NoError(t, err)
	require.Equal(t, 0, good)
	require.Equal(t, 1, bad)
	require.Empty(t, recovered)
	require.NotEmpty(t, log.lines)
}

func TestWALRecoverRepairsSentinelZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")
	w, err := Create(path, 1)
	require.NoError(t, err)

	require.NoError(t, w.Append(1, []base.BatchOp{{Kind: base.InternalKeyKindValue, Key: []byte("a"), Value: []byte("1")}}))
	// Simulate the encoding bug: a second batch's start sequence was
	// written as the sentinel 0 instead of its real value (2).
	require.NoError(t, w.Append(0, []base.BatchOp{{Kind: base.InternalKeyKindValue, Key: []byte("b"), Value: []byte("2")}}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	log := &testLogger{}
	recovered, good, bad, err := Recover(path, log)
	require.NoError(t, err)
	require.Equal(t, 2, good)
	require.Equal(t, 0, bad)
	require.Len(t, recovered, 2)
	require.Equal(t, uint64(1), recovered[0].StartSeq)
	require.Equal(t, uint64(2), recovered[1].StartSeq, "sentinel 0 must be repaired from position")
	require.NotEmpty(t, log.lines)
}

func TestWALRecoverRepairsSentinelMaxUint64(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")
	w, err := Create(path, 1)
	require.NoError(t, err)

	require.NoError(t, w.Append(5, []base.BatchOp{
		{Kind: base.InternalKeyKindValue, Key: []byte("a"), Value: []byte("1")},
		{Kind: base.InternalKeyKindValue, Key: []byte("b"), Value: []byte("2")},
	}))
	// Simulate the encoding bug's -1 variant: the wire sentinel for -1 is
	// math.MaxUint64.
	require.NoError(t, w.Append(math.MaxUint64, []base.BatchOp{{Kind: base.InternalKeyKindDelete, Key: []byte("a")}}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	log := &testLogger{}
	recovered, good, bad, err := Recover(path, log)
	require.NoError(t, err)
	require.Equal(t, 2, good)
	require.Equal(t, 0, bad)
	require.Len(t, recovered, 2)
	require.Equal(t, uint64(5), recovered[0].StartSeq)
	require.Equal(t, uint64(7), recovered[1].StartSeq, "sentinel MaxUint64 must be repaired from position")
	require.NotEmpty(t, log.lines)
}
