package fsprobe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeAndSameDevice(t *testing.T) {
	Reset()
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("y"), 0o644))

	same, err := SameDevice(a, b)
	require.NoError(t, err)
	require.True(t, same)

	_, err = Probe(a)
	require.NoError(t, err)
}

func TestLinkCount(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))

	n, err := LinkCount(a)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, uint64(1))
}

func TestZeroBlockRegionsSkipsZeroRuns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sparse")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]byte, 256*1024)
	copy(data[64*1024:64*1024+10], []byte("hello data"))
	_, err = f.Write(data)
	require.NoError(t, err)

	regions, err := ZeroBlockRegions(f, int64(len(data)), 64*1024)
	require.NoError(t, err)
	require.NotEmpty(t, regions)
	for _, r := range regions {
		require.Less(t, r.Offset, int64(len(data)))
	}
}
