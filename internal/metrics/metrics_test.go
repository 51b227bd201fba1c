package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New(nil)
	m.RecordPut(10)
	m.RecordPut(5)
	m.RecordDelete()
	m.RecordBatch()
	m.RecordFlush()
	m.RecordCompaction()
	m.RecordTombstoneDropped(2)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.Puts)
	require.Equal(t, uint64(1), snap.Deletes)
	require.Equal(t, uint64(1), snap.Batches)
	require.Equal(t, uint64(1), snap.Flushes)
	require.Equal(t, uint64(1), snap.Compactions)
	require.Equal(t, uint64(15), snap.BytesWritten)
	require.Equal(t, uint64(2), snap.TombstonesDropped)
}

func TestMetricsLatencyQuantile(t *testing.T) {
	m := New(nil)
	for i := 1; i <= 100; i++ {
		m.RecordLatency(OpGet, time.Duration(i)*time.Millisecond)
	}
	snap := m.Snapshot()
	require.Greater(t, snap.GetLatencyP99, 90*time.Millisecond)
}

func TestMetricsLevelStatsDoesNotPanicWithoutRegisterer(t *testing.T) {
	m := New(nil)
	require.NotPanics(t, func() { m.SetLevelStats(0, 3, 1024) })
}
