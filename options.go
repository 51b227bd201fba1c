package keldb

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Logger receives the engine's operational log lines (recovery diagnostics,
// background flush/compaction failures). It matches the minimal surface
// internal/wal.Logger and internal/manifest.Logger already expose.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type defaultLogger struct{}

func (defaultLogger) Infof(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "keldb: "+format+"\n", args...)
}

func (defaultLogger) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "keldb: "+format+"\n", args...)
}

// Options configures Open (spec §6 plus SPEC_FULL.md's ambient-stack
// additions).
type Options struct {
	// CreateIfMissing causes Open to create dirname if it does not exist.
	// Default: false, matching Go's usual zero-value-is-conservative
	// convention (a typo'd path fails loudly instead of silently creating a
	// new empty database).
	CreateIfMissing bool

	// MaxLevels is the number of levels in the version's file catalog,
	// including L0. Default: 7.
	MaxLevels int

	// MemtableSize is the ApproximateSize threshold (bytes) that triggers
	// switching the active memtable to immutable (spec §4.13). Default: 4MB.
	MemtableSize int64

	// CacheSize, if zero, disables the block cache entirely (internal/cache
	// NoOp). A nonzero value merely enables the cache; the cache itself has
	// no byte-accounted eviction (spec's block cache is explicitly
	// unsophisticated -- see internal/cache's package doc), so this is a
	// boolean in practice.
	CacheSize int64

	// CacheShards is the number of shards internal/cache.New partitions
	// across. Zero selects a GOMAXPROCS-based default.
	CacheShards int

	// CompactionBytesPerSec throttles compaction output write rate via
	// cockroachdb/tokenbucket (SPEC_FULL.md §4.19, A8). Zero disables
	// throttling.
	CompactionBytesPerSec uint64

	// MetricsRegisterer, if non-nil, receives the engine's Prometheus
	// collectors (SPEC_FULL.md §4.16, A2). A nil registerer still computes
	// metrics; DB.Metrics() works either way.
	MetricsRegisterer prometheus.Registerer

	// Logger receives recovery and background-worker diagnostics. Defaults
	// to a logger writing to os.Stderr.
	Logger Logger

	// CloseTimeout bounds how long Close waits for the background worker to
	// exit before giving up (spec §5). Default: 5s.
	CloseTimeout time.Duration
}

func (o *Options) ensureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	out := *o
	if out.MaxLevels <= 0 {
		out.MaxLevels = 7
	}
	if out.MemtableSize <= 0 {
		out.MemtableSize = 4 << 20
	}
	if out.Logger == nil {
		out.Logger = defaultLogger{}
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = 5 * time.Second
	}
	return &out
}
