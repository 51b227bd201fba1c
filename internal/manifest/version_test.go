package manifest

import (
	"testing"

	"github.com/keldb/keldb/internal/base"
	"github.com/stretchr/testify/require"
)

func TestVersionAddFileOrdering(t *testing.T) {
	v := newVersion(nil, 7)
	v.AddFile(1, NewFileMetaData(3, 10, []byte("m"), []byte("p")))
	v.AddFile(1, NewFileMetaData(1, 10, []byte("a"), []byte("c")))
	v.AddFile(1, NewFileMetaData(2, 10, []byte("f"), []byte("h")))

	files := v.Files(1)
	require.Len(t, files, 3)
	require.Equal(t, base.FileNum(1), files[0].FileNum)
	require.Equal(t, base.FileNum(2), files[1].FileNum)
	require.Equal(t, base.FileNum(3), files[2].FileNum)
}

func TestVersionAddFileL0AppendsInArrivalOrder(t *testing.T) {
	v := newVersion(nil, 7)
	v.AddFile(0, NewFileMetaData(2, 10, []byte("a"), []byte("z")))
	v.AddFile(0, NewFileMetaData(1, 10, []byte("b"), []byte("y")))

	files := v.Files(0)
	require.Equal(t, base.FileNum(2), files[0].FileNum)
	require.Equal(t, base.FileNum(1), files[1].FileNum)
}

func TestVersionRemoveFile(t *testing.T) {
	v := newVersion(nil, 7)
	v.AddFile(1, NewFileMetaData(1, 10, []byte("a"), []byte("c")))
	v.AddFile(1, NewFileMetaData(2, 10, []byte("d"), []byte("f")))
	v.RemoveFile(1, 1)

	files := v.Files(1)
	require.Len(t, files, 1)
	require.Equal(t, base.FileNum(2), files[0].FileNum)
}

func TestVersionOverlappingInputs(t *testing.T) {
	v := newVersion(nil, 7)
	v.AddFile(1, NewFileMetaData(1, 10, []byte("a"), []byte("c")))
	v.AddFile(1, NewFileMetaData(2, 10, []byte("d"), []byte("f")))
	v.AddFile(1, NewFileMetaData(3, 10, []byte("g"), []byte("k")))

	got := v.OverlappingInputs(1, []byte("b"), []byte("e"))
	require.Len(t, got, 2)
	require.Equal(t, base.FileNum(1), got[0].FileNum)
	require.Equal(t, base.FileNum(2), got[1].FileNum)
}

func TestVersionCloneIsIndependent(t *testing.T) {
	v := newVersion(nil, 7)
	v.AddFile(1, NewFileMetaData(1, 10, []byte("a"), []byte("c")))
	nv := v.clone()
	nv.AddFile(1, NewFileMetaData(2, 10, []byte("d"), []byte("f")))

	require.Len(t, v.Files(1), 1)
	require.Len(t, nv.Files(1), 2)
}
