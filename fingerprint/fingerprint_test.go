package fingerprint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("syncd"), 4096)

	for _, kind := range []Kind{KindFast, KindCryptographic} {
		a, err := Sum(kind, bytes.NewReader(data))
		require.NoError(t, err)
		b, err := Sum(kind, bytes.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, a, b, "kind %s not deterministic", kind)
	}
}

func TestSumDiffersByKind(t *testing.T) {
	data := []byte("some content")
	fast, err := Sum(KindFast, bytes.NewReader(data))
	require.NoError(t, err)
	crypto, err := Sum(KindCryptographic, bytes.NewReader(data))
	require.NoError(t, err)
	require.NotEqual(t, fast, crypto)
}

func TestTreeMatchesSingleThreaded(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10*1024*1024+37)

	single, err := Tree(bytes.NewReader(data), 1<<20, 1)
	require.NoError(t, err)

	parallel, err := Tree(bytes.NewReader(data), 1<<20, 8)
	require.NoError(t, err)

	require.Equal(t, single, parallel)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "fast", KindFast.String())
	require.Equal(t, "cryptographic", KindCryptographic.String())
	require.Equal(t, "unknown", Kind(99).String())
}
