package compress

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, algo Algorithm, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(algo, &buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(algo, &buf)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	return got
}

func TestRoundTripFast(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 4096)
	require.Equal(t, data, roundTrip(t, Fast, data))
}

func TestRoundTripRatio(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 4096)
	require.Equal(t, data, roundTrip(t, Ratio, data))
}

func TestRoundTripNone(t *testing.T) {
	data := []byte("pass-through")
	require.Equal(t, data, roundTrip(t, None, data))
}

func TestProbeCompressibleDetectsRepetition(t *testing.T) {
	require.True(t, ProbeCompressible(bytes.Repeat([]byte{0}, 8192)))
}

func TestProbeCompressibleRejectsRandom(t *testing.T) {
	random := make([]byte, 8192)
	rand.New(rand.NewSource(1)).Read(random)
	require.False(t, ProbeCompressible(random))
}

func TestProbeCompressibleEmpty(t *testing.T) {
	require.False(t, ProbeCompressible(nil))
}
