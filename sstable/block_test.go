package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildBlock(t *testing.T, targetSize int, pairs [][2]string) []byte {
	t.Helper()
	b := NewBlockBuilder(targetSize, 0)
	for _, kv := range pairs {
		ok, err := b.TryAdd([]byte(kv[0]), []byte(kv[1]))
		require.NoError(t, err)
		require.True(t, ok, "entry %q should fit", kv[0])
	}
	return b.Finish()
}

func TestBlockRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"apple", "red"},
		{"banana", "yellow"},
		{"cherry", "red"},
		{"cherryade", "pink"},
		{"date", "brown"},
	}
	block := buildBlock(t, DefaultBlockSize, pairs)

	r, err := NewBlockReader(block)
	require.NoError(t, err)
	it := r.Iterator()
	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		require.Equal(t, pairs[i][0], string(it.Key()))
		require.Equal(t, pairs[i][1], string(it.Value()))
		i++
	}
	require.NoError(t, it.Err())
	require.Equal(t, len(pairs), i)
}

func TestBlockSeekBoundaries(t *testing.T) {
	var pairs [][2]string
	for i := 0; i < 50; i++ {
		pairs = append(pairs, [2]string{fmt.Sprintf("k%03d", i), fmt.Sprintf("v%03d", i)})
	}
	block := buildBlock(t, DefaultBlockSize, pairs)
	r, err := NewBlockReader(block)
	require.NoError(t, err)

	cases := []struct {
		seek string
		want string // expected key found, or "" for not-found
	}{
		{"k000", "k000"},   // first
		{"k049", "k049"},   // last
		{"k025", "k025"},   // middle, exact
		{"k024a", "k025"},  // middle, between
		{"k999", ""},       // past end
		{"", "k000"},       // before beginning
	}
	for _, c := range cases {
		it := r.Iterator()
		it.Seek([]byte(c.seek))
		if c.want == "" {
			require.Falsef(t, it.Valid(), "seek(%q)", c.seek)
		} else {
			require.Truef(t, it.Valid(), "seek(%q)", c.seek)
			require.Equal(t, c.want, string(it.Key()))
		}
	}
}

func TestBlockBuilderRejectsOutOfOrder(t *testing.T) {
	b := NewBlockBuilder(DefaultBlockSize, 0)
	ok, err := b.TryAdd([]byte("b"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)
	_, err = b.TryAdd([]byte("a"), []byte("1"))
	require.Error(t, err)
}

func TestBlockBuilderRollsOverAtTargetSize(t *testing.T) {
	b := NewBlockBuilder(64, 0)
	added := 0
	for i := 0; i < 1000; i++ {
		ok, err := b.TryAdd([]byte(fmt.Sprintf("key-%04d", i)), []byte("0123456789"))
		require.NoError(t, err)
		if !ok {
			break
		}
		added++
	}
	require.Greater(t, added, 0)
	require.Less(t, added, 1000)
}

func TestBlockBuilderForcesOversizedEntry(t *testing.T) {
	b := NewBlockBuilder(16, 0)
	big := make([]byte, 1000)
	ok, err := b.TryAdd([]byte("k"), big)
	require.NoError(t, err)
	require.True(t, ok, "a lone oversized entry must be force-added")

	block := b.Finish()
	r, err := NewBlockReader(block)
	require.NoError(t, err)
	it := r.Iterator()
	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, "k", string(it.Key()))
	require.Equal(t, big, it.Value())
}

func TestBlockBuilderResetsAfterOversizedEntry(t *testing.T) {
	b := NewBlockBuilder(16, 0)
	big := make([]byte, 1000)
	ok, err := b.TryAdd([]byte("k1"), big)
	require.NoError(t, err)
	require.True(t, ok, "a lone oversized entry must be force-added")

	ok, err = b.TryAdd([]byte("k2"), []byte("small"))
	require.NoError(t, err)
	require.False(t, ok, "a normal entry after an oversized one must be rejected into a fresh block")
}
