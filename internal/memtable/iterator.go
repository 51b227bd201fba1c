package memtable

import "github.com/keldb/keldb/internal/base"

// UserKeyIterator adapts the skip list's internal-key-encoded Iterator to
// the plain user-key view the merging iterator (spec §4.11) expects of
// every source it merges: Key returns a bare user key and Value returns
// nil for a tombstone, exactly like an sstable iterator. Because the skip
// list orders by user key ascending then sequence descending, multiple
// versions of one user key already surface newest-first from a single
// UserKeyIterator; the merging iterator's own duplicate-skipping handles
// collapsing them (and collapsing duplicates against other sources).
type UserKeyIterator struct {
	it  *Iterator
	key []byte
	err error
}

// NewUserKeyIterator wraps m's skip list for merged iteration.
func NewUserKeyIterator(m *Memtable) *UserKeyIterator {
	return &UserKeyIterator{it: m.list.NewIterator()}
}

func (u *UserKeyIterator) decode() {
	if !u.it.Valid() {
		u.key = nil
		return
	}
	ikey, err := base.DecodeInternalKey(u.it.Key())
	if err != nil {
		u.err = err
		u.key = nil
		return
	}
	u.key = ikey.UserKey
}

// SeekToFirst repositions at the smallest user key.
func (u *UserKeyIterator) SeekToFirst() {
	u.it.SeekToFirst()
	u.decode()
}

// Seek repositions at the first entry whose user key is >= target, landing
// on the newest version of target if one is present.
func (u *UserKeyIterator) Seek(target []byte) {
	seek := base.MakeInternalKey(target, base.MaxSeqNum, base.InternalKeyKindValue)
	u.it.Seek(seek.EncodeToBytes())
	u.decode()
}

// Next advances to the next internal key, which may repeat the same user
// key (an older version) or move to the next one.
func (u *UserKeyIterator) Next() {
	u.it.Next()
	u.decode()
}

// Valid reports whether the iterator is positioned at an entry.
func (u *UserKeyIterator) Valid() bool { return u.err == nil && u.key != nil }

// Key returns the current entry's user key.
func (u *UserKeyIterator) Key() []byte { return u.key }

// Value returns the current entry's stored value, nil for a tombstone.
func (u *UserKeyIterator) Value() []byte { return u.it.Value() }

// Err reports any internal-key decoding error encountered.
func (u *UserKeyIterator) Err() error { return u.err }
