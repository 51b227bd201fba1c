package memtable

import (
	"fmt"
	"testing"

	"github.com/keldb/keldb/internal/base"
	"github.com/stretchr/testify/require"
)

func TestMemtablePutGet(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1, base.InternalKeyKindValue)
	m.Put([]byte("b"), []byte("2"), 2, base.InternalKeyKindValue)

	v, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestMemtableNewestWins(t *testing.T) {
	m := New()
	m.Put([]byte("k"), []byte("old"), 1, base.InternalKeyKindValue)
	m.Put([]byte("k"), []byte("new"), 2, base.InternalKeyKindValue)

	v, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("new"), v)
}

func TestMemtableTombstone(t *testing.T) {
	m := New()
	m.Put([]byte("k"), []byte("v"), 1, base.InternalKeyKindValue)
	m.Put([]byte("k"), nil, 2, base.InternalKeyKindDelete)

	_, ok := m.Get([]byte("k"))
	require.False(t, ok)
}

func TestMemtableIterateOrder(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		m.Put([]byte(fmt.Sprintf("key-%03d", 99-i)), []byte("v"), uint64(i+1), base.InternalKeyKindValue)
	}

	it := m.Iterate()
	var prev []byte
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		ikey, err := base.DecodeInternalKey(it.Key())
		require.NoError(t, err)
		if prev != nil {
			require.LessOrEqual(t, base.CompareUserKeys(prev, ikey.UserKey), 0)
		}
		prev = ikey.UserKey
		count++
	}
	require.Equal(t, 100, count)
}

func TestMemtableIsEmptyAndSize(t *testing.T) {
	m := New()
	require.True(t, m.IsEmpty())
	m.Put([]byte("a"), []byte("1"), 1, base.InternalKeyKindValue)
	require.False(t, m.IsEmpty())
	require.Equal(t, 1, m.Size())
	require.Greater(t, m.ApproximateSize(), int64(0))
}
