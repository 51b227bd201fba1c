package memtable

import (
	"github.com/keldb/keldb/internal/base"
)

// Memtable wraps a skip list keyed by encoded internal key, implementing
// the tombstone and size-accounting semantics of spec §4.4.
type Memtable struct {
	list *SkipList
}

// New creates an empty memtable, ordered by the internal key comparator.
func New() *Memtable {
	return &Memtable{list: NewSkipList(base.Compare)}
}

// Put inserts a new internal-key entry. DELETION entries store an empty
// value payload regardless of what the caller passes as value.
func (m *Memtable) Put(userKey, value []byte, seqNum uint64, kind base.InternalKeyKind) {
	ikey := base.MakeInternalKey(userKey, seqNum, kind)
	encoded := ikey.EncodeToBytes()
	if kind == base.InternalKeyKindDelete {
		value = nil
	}
	m.list.Put(encoded, append([]byte(nil), value...))
}

// Get locates the smallest internal key >= (userKey, MaxSeqNum, Value) per
// spec §4.4: if its user key differs, the key is absent; if its kind is a
// tombstone, the key is deleted; otherwise its value is returned.
func (m *Memtable) Get(userKey []byte) (value []byte, found bool) {
	v, found, tombstone := m.Lookup(userKey)
	if tombstone {
		return nil, false
	}
	return v, found
}

// Lookup is Get's tombstone-aware counterpart: it distinguishes "absent
// from this memtable" (found=false) from "deleted by this memtable"
// (found=true, tombstone=true) so a caller layering this memtable under an
// immutable memtable or a Version (spec §4.13's Get) can stop at a
// tombstone instead of incorrectly falling through to an older value
// underneath.
func (m *Memtable) Lookup(userKey []byte) (value []byte, found bool, tombstone bool) {
	seek := base.MakeInternalKey(userKey, base.MaxSeqNum, base.InternalKeyKindValue)
	key, val, ok := m.list.FindGreaterOrEqual(seek.EncodeToBytes())
	if !ok {
		return nil, false, false
	}
	ikey, err := base.DecodeInternalKey(key)
	if err != nil || !base.Equal(ikey.UserKey, userKey) {
		return nil, false, false
	}
	if ikey.Kind == base.InternalKeyKindDelete {
		return nil, true, true
	}
	return val, true, false
}

// ApproximateSize returns the cumulative byte count of everything inserted
// (internal key bytes + value bytes), used to decide when to switch the
// active memtable (spec §4.13).
func (m *Memtable) ApproximateSize() int64 {
	return m.list.ApproximateMemoryUsage()
}

// Size returns the number of entries, including tombstones and multiple
// versions of the same user key.
func (m *Memtable) Size() int {
	n := 0
	it := m.list.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// IsEmpty reports whether the memtable holds no entries.
func (m *Memtable) IsEmpty() bool {
	it := m.list.NewIterator()
	it.SeekToFirst()
	return !it.Valid()
}

// Iterate returns an iterator over internal-key-encoded entries in
// ascending internal-key order (user key ascending, sequence descending).
func (m *Memtable) Iterate() *Iterator {
	return m.list.NewIterator()
}
