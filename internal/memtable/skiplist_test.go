package memtable

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func bytewise(a, b []byte) int { return bytes.Compare(a, b) }

func TestSkipListPutGet(t *testing.T) {
	sl := NewSkipList(bytewise)
	sl.Put([]byte("b"), []byte("2"))
	sl.Put([]byte("a"), []byte("1"))
	sl.Put([]byte("c"), []byte("3"))

	v, ok := sl.Get([]byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok = sl.Get([]byte("z"))
	require.False(t, ok)
}

func TestSkipListFindGreaterOrEqual(t *testing.T) {
	sl := NewSkipList(bytewise)
	for _, k := range []string{"b", "d", "f"} {
		sl.Put([]byte(k), []byte(k))
	}
	key, _, ok := sl.FindGreaterOrEqual([]byte("c"))
	require.True(t, ok)
	require.Equal(t, []byte("d"), key)

	_, _, ok = sl.FindGreaterOrEqual([]byte("z"))
	require.False(t, ok)
}

func TestSkipListIterateAscending(t *testing.T) {
	sl := NewSkipList(bytewise)
	keys := make([]string, 500)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%05d", i)
	}
	rand.New(rand.NewSource(1)).Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		sl.Put([]byte(k), []byte(k))
	}

	it := sl.NewIterator()
	var prev []byte
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil {
			require.Less(t, bytes.Compare(prev, it.Key()), 0)
		}
		prev = append([]byte(nil), it.Key()...)
		n++
	}
	require.Equal(t, 500, n)
}
