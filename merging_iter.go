package keldb

import (
	"container/heap"

	"github.com/keldb/keldb/internal/base"
)

// LevelIterator is the common shape a mergingIterator merges over: an
// sstable.TableIterator, a memtable.UserKeyIterator, or any other source
// that walks user keys in ascending order with an empty Value meaning a
// tombstone (spec §4.11).
type LevelIterator interface {
	SeekToFirst()
	Seek(target []byte)
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Err() error
}

// mergeSource pairs a LevelIterator with the priority used to break ties
// when two sources hold the same user key: the source with the higher
// priority is newer and wins. The active memtable gets the highest
// priority, the immutable memtable the next, then each sstable its own
// file number (newer files have larger numbers, and within L0 files can
// overlap, so file number is the only correct tiebreaker; in L1+ files
// never overlap and ties never arise in practice).
type mergeSource struct {
	iter     LevelIterator
	priority uint64
}

// MergeSource is the input describing one iterator fed into a
// mergingIterator, alongside its recency priority.
type MergeSource struct {
	Iter     LevelIterator
	Priority uint64
}

// sourceHeap is a min-heap over mergeSources ordered by (user_key
// ascending, priority descending): the front of the heap is always the
// next entry the merging iterator should surface.
type sourceHeap []*mergeSource

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	c := base.CompareUserKeys(h[i].iter.Key(), h[j].iter.Key())
	if c != 0 {
		return c < 0
	}
	return h[i].priority > h[j].priority
}
func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }
func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// mergingIterator implements the k-way merge of spec §4.11: among any
// sources presenting the same user key, the newest-priority source wins
// and the rest are silently advanced past it. It is positioned only by
// SeekToFirst or Seek and walks forward from there; it is not
// restartable by any other means.
type mergingIterator struct {
	sources []*mergeSource
	h       sourceHeap
	err     error
}

// newMergingIterator builds a merging iterator over sources. The slice is
// retained; callers must not mutate it afterward.
func newMergingIterator(sources []MergeSource) *mergingIterator {
	m := &mergingIterator{sources: make([]*mergeSource, len(sources))}
	for i, s := range sources {
		m.sources[i] = &mergeSource{iter: s.Iter, priority: s.Priority}
	}
	return m
}

func (m *mergingIterator) rebuild(reposition func(LevelIterator)) {
	m.h = m.h[:0]
	m.err = nil
	for _, s := range m.sources {
		reposition(s.iter)
		if err := s.iter.Err(); err != nil {
			m.err = err
			return
		}
		if s.iter.Valid() {
			m.h = append(m.h, s)
		}
	}
	heap.Init(&m.h)
}

// SeekToFirst repositions every source at its smallest key and rebuilds
// the heap, landing on the overall smallest surviving user key.
func (m *mergingIterator) SeekToFirst() {
	m.rebuild(func(it LevelIterator) { it.SeekToFirst() })
}

// Seek rebuilds the heap by seeking each underlying source to target.
func (m *mergingIterator) Seek(target []byte) {
	m.rebuild(func(it LevelIterator) { it.Seek(target) })
}

// Next pops the current winner, advances it, then advances and skips any
// remaining sources that still present the same user key the winner just
// held -- they are older versions shadowed by the one just consumed.
func (m *mergingIterator) Next() {
	if m.err != nil || len(m.h) == 0 {
		return
	}
	top := heap.Pop(&m.h).(*mergeSource)
	curKey := top.iter.Key()
	top.iter.Next()
	if err := top.iter.Err(); err != nil {
		m.err = err
		return
	}
	if top.iter.Valid() {
		heap.Push(&m.h, top)
	}

	for len(m.h) > 0 && base.CompareUserKeys(m.h[0].iter.Key(), curKey) == 0 {
		dup := heap.Pop(&m.h).(*mergeSource)
		dup.iter.Next()
		if err := dup.iter.Err(); err != nil {
			m.err = err
			return
		}
		if dup.iter.Valid() {
			heap.Push(&m.h, dup)
		}
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (m *mergingIterator) Valid() bool { return m.err == nil && len(m.h) > 0 }

// Key returns the current entry's user key.
func (m *mergingIterator) Key() []byte { return m.h[0].iter.Key() }

// Value returns the current entry's value, nil/empty for a tombstone.
func (m *mergingIterator) Value() []byte { return m.h[0].iter.Value() }

// Err reports the first error raised by any underlying source.
func (m *mergingIterator) Err() error { return m.err }
