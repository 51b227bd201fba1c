package keldb

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/keldb/keldb/internal/base"
	"github.com/stretchr/testify/require"
)

func TestBatchPutDeleteAccumulate(t *testing.T) {
	b := NewBatch()
	require.True(t, b.Empty())

	require.NoError(t, b.Put([]byte("a"), []byte("1")))
	require.NoError(t, b.Delete([]byte("b")))
	require.Equal(t, 2, b.Len())
	require.False(t, b.Empty())
}

func TestBatchPutRejectsEmptyValue(t *testing.T) {
	b := NewBatch()
	err := b.Put([]byte("a"), []byte{})
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
	require.Equal(t, 0, b.Len())
}

func TestBatchPutRejectsNilValue(t *testing.T) {
	b := NewBatch()
	err := b.Put([]byte("a"), nil)
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}

func TestBatchRejectsOversizedKey(t *testing.T) {
	b := NewBatch()
	big := make([]byte, base.MaxKeyLength+1)
	err := b.Put(big, []byte("v"))
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}

func TestBatchRejectsEmptyKey(t *testing.T) {
	b := NewBatch()
	err := b.Put(nil, []byte("v"))
	require.Error(t, err)
	err = b.Delete([]byte{})
	require.Error(t, err)
}

func TestBatchRejectsOversizedBatch(t *testing.T) {
	b := NewBatch()
	big := strings.Repeat("x", 1<<20)
	var err error
	for i := 0; i < 64; i++ {
		err = b.Put([]byte("k"), []byte(big))
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}

func TestBatchFailedOpDoesNotPartiallyStage(t *testing.T) {
	b := NewBatch()
	require.NoError(t, b.Put([]byte("good"), []byte("1")))
	before := b.Len()

	err := b.Put([]byte("bad"), nil)
	require.Error(t, err)
	require.Equal(t, before, b.Len(), "a rejected op must not be staged")
}
