package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	records := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte("x"), BlockSize*2+137), // spans several blocks
		[]byte("tail"),
	}
	for _, rec := range records {
		require.NoError(t, w.WriteRecord(rec))
	}
	require.NoError(t, w.Flush())

	r := NewReader(&buf, nil)
	for i, want := range records {
		got, err := r.Next()
		require.NoErrorf(t, err, "record %d", i)
		require.Equal(t, want, got, "record %d", i)
	}
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsCorruptRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteRecord([]byte("good-1")))
	require.NoError(t, w.WriteRecord([]byte("good-2")))
	require.NoError(t, w.Flush())

	raw := buf.Bytes()
	// Flip a bit in the payload of the second record to break its CRC.
	raw[headerSize+len("good-1")+headerSize+1] ^= 0xff

	var reasons []string
	r := NewReader(bytes.NewReader(raw), func(reason string) { reasons = append(reasons, reason) })
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("good-1"), got)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NotEmpty(t, reasons)
}

func TestWriterPadsShortBlockTail(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	// Fill a block to within 6 bytes of the boundary, forcing the next
	// record to pad and roll over per spec §4.2.
	filler := bytes.Repeat([]byte("a"), BlockSize-headerSize-6)
	require.NoError(t, w.WriteRecord(filler))
	require.NoError(t, w.WriteRecord([]byte("rolled")))
	require.NoError(t, w.Flush())

	r := NewReader(&buf, nil)
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, filler, got)
	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("rolled"), got)
}
