// Package memtable implements the in-memory ordered structure writes land
// in before they are flushed to an SST: a concurrent skip list (spec §4.3,
// C3) keyed by encoded internal key, wrapped by Memtable (spec §4.4, C4)
// with tombstone and size-accounting semantics.
package memtable

import (
	"math/rand"
	"sync/atomic"
)

const (
	maxHeight         = 12
	branchProbability = 0.5
)

// node is a single skip list entry. Once linked into the list, key and
// value are never mutated; only next pointers are ever written, and only
// ever to extend the list forward. That append-only discipline is what
// lets Iterate (below) walk a list concurrently with Put without a lock:
// a reader that started before a concurrent insert may or may not observe
// it, but never observes a torn or inconsistent node, matching the
// single-writer/multi-reader model spec §4.3/§5 describes.
type node struct {
	key   []byte
	value []byte
	next  []atomic.Pointer[node]
}

func newNode(key, value []byte, height int) *node {
	return &node{key: key, value: value, next: make([]atomic.Pointer[node], height)}
}

func (n *node) loadNext(level int) *node {
	if n == nil || level >= len(n.next) {
		return nil
	}
	return n.next[level].Load()
}

func (n *node) storeNext(level int, next *node) {
	n.next[level].Store(next)
}

// Comparator orders two encoded keys.
type Comparator func(a, b []byte) int

// SkipList is a concurrent ordered map from encoded internal key to stored
// value bytes. It assumes a single writer at a time (enforced by the
// memtable's caller, per spec §5) and any number of concurrent readers.
type SkipList struct {
	cmp    Comparator
	head   *node
	height atomic.Int32
	rnd    *rand.Rand
	size   atomic.Int64
}

// NewSkipList creates an empty skip list ordered by cmp.
func NewSkipList(cmp Comparator) *SkipList {
	sl := &SkipList{
		cmp:  cmp,
		head: newNode(nil, nil, maxHeight),
		rnd:  rand.New(rand.NewSource(0xda7aba5e)),
	}
	sl.height.Store(1)
	return sl
}

func (s *SkipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Float64() < branchProbability {
		h++
	}
	return h
}

// findGreaterOrEqual walks the list, filling prev (if non-nil) with the
// last node at each level whose key is < target, and returns the first
// node whose key is >= target (or nil).
func (s *SkipList) findGreaterOrEqual(target []byte, prev []*node) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.loadNext(level)
		if next != nil && s.cmp(next.key, target) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// Put inserts key/value. Keys are never replaced in place (spec §4.4):
// multiple internal keys sharing a user key coexist, distinguished by
// sequence number, so insertion is always a fresh node.
func (s *SkipList) Put(key, value []byte) {
	var prev [maxHeight]*node
	s.findGreaterOrEqual(key, prev[:])

	height := s.randomHeight()
	if height > int(s.height.Load()) {
		for i := int(s.height.Load()); i < height; i++ {
			prev[i] = s.head
		}
		s.height.Store(int32(height))
	}

	n := newNode(key, value, height)
	for i := 0; i < height; i++ {
		n.storeNext(i, prev[i].loadNext(i))
		prev[i].storeNext(i, n)
	}
	s.size.Add(int64(len(key) + len(value)))
}

// Get returns the value stored for the exact encoded key, if present.
func (s *SkipList) Get(key []byte) ([]byte, bool) {
	n := s.findGreaterOrEqual(key, nil)
	if n != nil && s.cmp(n.key, key) == 0 {
		return n.value, true
	}
	return nil, false
}

// FindGreaterOrEqual returns the first entry whose key is >= target.
func (s *SkipList) FindGreaterOrEqual(target []byte) (key, value []byte, ok bool) {
	n := s.findGreaterOrEqual(target, nil)
	if n == nil {
		return nil, nil, false
	}
	return n.key, n.value, true
}

// ApproximateMemoryUsage returns the cumulative key+value byte count of
// everything ever inserted (spec's size accounting, C4).
func (s *SkipList) ApproximateMemoryUsage() int64 {
	return s.size.Load()
}

// Iterator walks the skip list in ascending key order. It is created over
// a live list and is forward-only and non-restartable except via SeekToFirst
// or Seek, matching the memtable's own iterator contract (spec §4.4/§4.11).
type Iterator struct {
	list *SkipList
	cur  *node
}

// NewIterator returns an iterator positioned before the first entry.
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// SeekToFirst repositions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.cur = it.list.head.loadNext(0)
}

// Seek repositions the iterator at the first key >= target.
func (it *Iterator) Seek(target []byte) {
	it.cur = it.list.findGreaterOrEqual(target, nil)
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.cur != nil }

// Next advances the iterator.
func (it *Iterator) Next() {
	it.cur = it.cur.loadNext(0)
}

// Key returns the current entry's key. Valid must be true.
func (it *Iterator) Key() []byte { return it.cur.key }

// Value returns the current entry's value. Valid must be true.
func (it *Iterator) Value() []byte { return it.cur.value }
