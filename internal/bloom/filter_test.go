package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	keys := make([][]byte, 2000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%06d", i))
	}
	f := New(len(keys), 0.01)
	for _, k := range keys {
		f.Add(k)
	}
	for _, k := range keys {
		require.True(t, f.MayContain(k))
	}
}

func TestFilterFalsePositiveRateBounded(t *testing.T) {
	const n = 5000
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("present-%06d", i))
	}
	f := New(n, 0.01)
	for _, k := range keys {
		f.Add(k)
	}

	falsePositives := 0
	const trials = 20000
	for i := 0; i < trials; i++ {
		k := []byte(fmt.Sprintf("absent-%06d", i))
		if f.MayContain(k) {
			falsePositives++
		}
	}
	// Generous slack over the 1% target to keep the test non-flaky.
	require.Less(t, float64(falsePositives)/trials, 0.05)
}

func TestFilterEncodeDecodeRoundTrip(t *testing.T) {
	f := New(100, 0.02)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	enc := f.Encode()
	decoded, err := Decode(enc)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.True(t, decoded.MayContain([]byte(fmt.Sprintf("k%d", i))))
	}
	require.Equal(t, enc, decoded.Encode())
}

func TestEmptyFilterAlwaysMayContain(t *testing.T) {
	f, err := Decode(nil)
	require.NoError(t, err)
	require.True(t, f.MayContain([]byte("anything")))
}
