package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/filter"
)

func newTestFilter(patterns []string) (*filter.Filter, error) {
	return filter.New([][]string{patterns})
}

func collect(t *testing.T, root string, opts Options) ([]*entry.Entry, []error) {
	t.Helper()
	return collectCtx(t, context.Background(), root, opts)
}

func collectCtx(t *testing.T, ctx context.Context, root string, opts Options) ([]*entry.Entry, []error) {
	t.Helper()
	var entries []*entry.Entry
	var errs []error
	for res := range Scan(ctx, root, opts) {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		entries = append(entries, res.Entry)
	}
	return entries, errs
}

func TestScanBasicTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o644))

	entries, errs := collect(t, dir, Options{})
	require.Empty(t, errs)

	paths := map[string]*entry.Entry{}
	for _, e := range entries {
		paths[e.Path] = e
	}

	require.Contains(t, paths, "a.txt")
	require.Contains(t, paths, "sub")
	require.Contains(t, paths, "sub/b.txt")
	require.Equal(t, entry.KindDirectory, paths["sub"].Kind)
	require.Equal(t, entry.KindRegular, paths["a.txt"].Kind)
	require.EqualValues(t, 5, paths["a.txt"].Size)
}

func TestScanSymlinkCyclePreserveMode(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "dir")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.Symlink("../dir", filepath.Join(sub, "link")))

	entries, errs := collect(t, dir, Options{SymlinkMode: Preserve})
	require.Empty(t, errs)

	var link *entry.Entry
	for _, e := range entries {
		if e.Path == "dir/link" {
			link = e
		}
	}
	require.NotNil(t, link)
	require.Equal(t, entry.KindSymlink, link.Kind)
	require.Equal(t, "../dir", link.SymlinkTarget)

	// No infinite recursion: entries count must be finite and small.
	require.Less(t, len(entries), 10)
}

func TestScanHonorsFilter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.log"), []byte("x"), 0o644))

	f, err := newTestFilter([]string{"*.log"})
	require.NoError(t, err)

	entries, errs := collect(t, dir, Options{Filter: f})
	require.Empty(t, errs)
	require.Len(t, entries, 1)
	require.Equal(t, "keep.go", entries[0].Path)
}

func TestScanCancellation(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 50; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i%26))+".txt"), []byte("x"), 0o644))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries, _ := collectCtx(t, ctx, dir, Options{})
	require.LessOrEqual(t, len(entries), 50)
}
