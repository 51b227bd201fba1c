package manifest

import (
	"testing"

	"github.com/keldb/keldb/internal/base"
	"github.com/stretchr/testify/require"
)

func u64p(v uint64) *uint64 { return &v }

func TestVersionEditEncodeDecodeRoundTrip(t *testing.T) {
	name := "keldb.bytewise"
	edit := &VersionEdit{
		ComparerName:   &name,
		LogNumber:      u64p(3),
		NextFileNumber: u64p(10),
		LastSequence:   u64p(42),
		NewFiles: []NewFileEntry{
			{Level: 0, Meta: NewFileMetaData(5, 100, []byte("a"), []byte("m"))},
			{Level: 1, Meta: NewFileMetaData(6, 200, []byte("n"), []byte("z"))},
		},
		DeletedFiles: []DeletedFileEntry{
			{Level: 0, FileNum: 2},
		},
	}

	encoded := append(edit.Encode(), tagTerminator)
	decoded, err := DecodeVersionEdit(encoded)
	require.NoError(t, err)

	require.Equal(t, name, *decoded.ComparerName)
	require.Equal(t, uint64(3), *decoded.LogNumber)
	require.Equal(t, uint64(10), *decoded.NextFileNumber)
	require.Equal(t, uint64(42), *decoded.LastSequence)
	require.Len(t, decoded.NewFiles, 2)
	require.Equal(t, base.FileNum(5), decoded.NewFiles[0].Meta.FileNum)
	require.Equal(t, "a", string(decoded.NewFiles[0].Meta.Smallest))
	require.Equal(t, "m", string(decoded.NewFiles[0].Meta.Largest))
	require.Equal(t, uint64(100), decoded.NewFiles[0].Meta.Size)
	require.Len(t, decoded.DeletedFiles, 1)
	require.Equal(t, base.FileNum(2), decoded.DeletedFiles[0].FileNum)
}

func TestVersionEditRejectsUnknownTag(t *testing.T) {
	_, err := DecodeVersionEdit([]byte{99, tagTerminator})
	require.Error(t, err)
}

func TestVersionEditRejectsMissingTerminator(t *testing.T) {
	name := "x"
	edit := &VersionEdit{ComparerName: &name}
	_, err := DecodeVersionEdit(edit.Encode())
	require.Error(t, err)
}
