// Package metrics collects the counters and per-level gauges the engine
// facade updates at its existing write, flush, and compaction call sites
// (SPEC_FULL.md §4.16, A2). It also holds one latency histogram per
// operation class, filled only through RecordLatency, which the facade does
// not call; the histograms are not registered with Prometheus. It adds
// observation only: nothing here participates in write-path or compaction
// control flow.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// OpClass distinguishes the three latency histograms tracked per spec.
type OpClass int

const (
	OpWrite OpClass = iota
	OpGet
	OpSeek
	numOpClasses
)

func (c OpClass) String() string {
	switch c {
	case OpWrite:
		return "write"
	case OpGet:
		return "get"
	case OpSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// Latency histograms record microseconds from 1us to 10s at 3 significant
// figures -- enough resolution for a cache hit and a compaction-stalled
// read alike.
const (
	latencyMinUs  = 1
	latencyMaxUs  = 10_000_000
	latencySigFig = 3
)

type histogram struct {
	mu sync.Mutex
	h  *hdrhistogram.Histogram
}

func (h *histogram) record(d time.Duration) {
	us := d.Microseconds()
	if us < latencyMinUs {
		us = latencyMinUs
	}
	h.mu.Lock()
	_ = h.h.RecordValue(us)
	h.mu.Unlock()
}

func (h *histogram) valueAtQuantile(q float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.h.ValueAtQuantile(q)
}

// Metrics holds live counters plus the Prometheus collectors that export
// them. It is safe for concurrent use; the facade calls the record*
// methods from the write path, the background worker, and reader
// goroutines without additional locking.
type Metrics struct {
	puts              atomic.Uint64
	deletes           atomic.Uint64
	batches           atomic.Uint64
	flushes           atomic.Uint64
	compactions       atomic.Uint64
	bytesWritten      atomic.Uint64
	bytesRead         atomic.Uint64
	tombstonesDropped atomic.Uint64

	hist [numOpClasses]*histogram

	cPuts, cDeletes, cBatches, cFlushes, cCompactions prometheus.Counter
	cBytesWritten, cBytesRead, cTombstones             prometheus.Counter
	gLevelFiles, gLevelBytes                           *prometheus.GaugeVec
}

// New constructs a Metrics instance. If reg is non-nil, its collectors are
// registered against it (SPEC_FULL.md's Options.MetricsRegisterer); a nil
// registerer still computes metrics, it just doesn't export them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	for i := range m.hist {
		m.hist[i] = &histogram{h: hdrhistogram.New(latencyMinUs, latencyMaxUs, latencySigFig)}
	}

	m.cPuts = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "puts_total"})
	m.cDeletes = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "deletes_total"})
	m.cBatches = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "batches_total"})
	m.cFlushes = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "flushes_total"})
	m.cCompactions = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "compactions_total"})
	m.cBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "bytes_written_total"})
	m.cBytesRead = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "bytes_read_total"})
	m.cTombstones = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "keldb", Name: "tombstones_dropped_total"})
	m.gLevelFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "keldb", Name: "level_files"}, []string{"level"})
	m.gLevelBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "keldb", Name: "level_bytes"}, []string{"level"})

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.cPuts, m.cDeletes, m.cBatches, m.cFlushes, m.cCompactions,
			m.cBytesWritten, m.cBytesRead, m.cTombstones, m.gLevelFiles, m.gLevelBytes,
		} {
			_ = reg.Register(c)
		}
	}
	return m
}

func (m *Metrics) RecordPut(n int)    { m.puts.Add(1); m.cPuts.Inc(); m.RecordBytesWritten(n) }
func (m *Metrics) RecordDelete()      { m.deletes.Add(1); m.cDeletes.Inc() }
func (m *Metrics) RecordBatch()       { m.batches.Add(1); m.cBatches.Inc() }
func (m *Metrics) RecordFlush()       { m.flushes.Add(1); m.cFlushes.Inc() }
func (m *Metrics) RecordCompaction()  { m.compactions.Add(1); m.cCompactions.Inc() }
func (m *Metrics) RecordTombstoneDropped(n int) {
	m.tombstonesDropped.Add(uint64(n))
	m.cTombstones.Add(float64(n))
}

func (m *Metrics) RecordBytesWritten(n int) {
	m.bytesWritten.Add(uint64(n))
	m.cBytesWritten.Add(float64(n))
}

func (m *Metrics) RecordBytesRead(n int) {
	m.bytesRead.Add(uint64(n))
	m.cBytesRead.Add(float64(n))
}

// RecordLatency records how long an operation of the given class took.
func (m *Metrics) RecordLatency(class OpClass, d time.Duration) {
	if class < 0 || class >= numOpClasses {
		return
	}
	m.hist[class].record(d)
}

// SetLevelStats updates the per-level file-count/byte-size gauges. Called
// by the facade each time a new Version is published.
func (m *Metrics) SetLevelStats(level int, numFiles int, numBytes uint64) {
	label := levelLabel(level)
	m.gLevelFiles.WithLabelValues(label).Set(float64(numFiles))
	m.gLevelBytes.WithLabelValues(label).Set(float64(numBytes))
}

func levelLabel(level int) string {
	return strconv.Itoa(level)
}

// Snapshot is a read-only point-in-time view returned by DB.Metrics().
type Snapshot struct {
	Puts, Deletes, Batches, Flushes, Compactions uint64
	BytesWritten, BytesRead, TombstonesDropped    uint64
	WriteLatencyP99, GetLatencyP99, SeekLatencyP99 time.Duration
}

// Snapshot computes a Snapshot from the live counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Puts:              m.puts.Load(),
		Deletes:           m.deletes.Load(),
		Batches:           m.batches.Load(),
		Flushes:           m.flushes.Load(),
		Compactions:       m.compactions.Load(),
		BytesWritten:      m.bytesWritten.Load(),
		BytesRead:         m.bytesRead.Load(),
		TombstonesDropped: m.tombstonesDropped.Load(),
		WriteLatencyP99:   time.Duration(m.hist[OpWrite].valueAtQuantile(99)) * time.Microsecond,
		GetLatencyP99:     time.Duration(m.hist[OpGet].valueAtQuantile(99)) * time.Microsecond,
		SeekLatencyP99:    time.Duration(m.hist[OpSeek].valueAtQuantile(99)) * time.Microsecond,
	}
}
