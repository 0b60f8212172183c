package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "fp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetMissOnEmptyCache(t *testing.T) {
	c := openTest(t)
	_, ok := c.Get("a.txt", 10, time.Unix(100, 0))
	require.False(t, ok)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := openTest(t)
	mtime := time.Unix(1000, 0)
	want := Fingerprint{Kind: 1, Bytes: []byte{0xde, 0xad, 0xbe, 0xef}}
	c.Put("a.txt", 10, mtime, want)

	got, ok := c.Get("a.txt", 10, mtime)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestGetMissesWhenSizeOrMtimeChange(t *testing.T) {
	c := openTest(t)
	mtime := time.Unix(1000, 0)
	c.Put("a.txt", 10, mtime, Fingerprint{Kind: 1, Bytes: []byte{1, 2, 3}})

	_, ok := c.Get("a.txt", 11, mtime)
	require.False(t, ok)

	_, ok = c.Get("a.txt", 10, mtime.Add(time.Second))
	require.False(t, ok)
}

func TestPruneRemovesMissingPaths(t *testing.T) {
	c := openTest(t)
	mtime := time.Unix(1000, 0)
	c.Put("keep.txt", 10, mtime, Fingerprint{Kind: 1, Bytes: []byte{1}})
	c.Put("gone.txt", 10, mtime, Fingerprint{Kind: 1, Bytes: []byte{2}})

	require.NoError(t, c.Prune(map[string]bool{"keep.txt": true}))

	_, ok := c.Get("keep.txt", 10, mtime)
	require.True(t, ok)
	_, ok = c.Get("gone.txt", 10, mtime)
	require.False(t, ok)
}

func TestClearRemovesEverything(t *testing.T) {
	c := openTest(t)
	mtime := time.Unix(1000, 0)
	c.Put("a.txt", 10, mtime, Fingerprint{Kind: 1, Bytes: []byte{1}})
	require.NoError(t, c.Clear())

	_, ok := c.Get("a.txt", 10, mtime)
	require.False(t, ok)
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c := openTest(t)
	mtime := time.Unix(1000, 0)
	c.Put("a.txt", 10, mtime, Fingerprint{Kind: 1, Bytes: []byte{1}})

	c.Get("a.txt", 10, mtime)
	c.Get("missing.txt", 1, mtime)

	s := c.Stats()
	require.EqualValues(t, 1, s.Hits)
	require.EqualValues(t, 1, s.Misses)
}
