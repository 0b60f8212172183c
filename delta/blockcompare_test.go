package delta

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openRW(t *testing.T, dir, name string, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestBlockCompareApplyAppliesSmallEdit(t *testing.T) {
	dir := t.TempDir()
	dst := bytes.Repeat([]byte("y"), 10000)
	src := append([]byte(nil), dst...)
	copy(src[5000:5010], []byte("CHANGEDCHA"))

	clone := openRW(t, dir, "clone", dst)
	require.NoError(t, BlockCompareApply(bytes.NewReader(src), clone, 1024))

	got := make([]byte, len(src))
	_, err := clone.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, src, got)
}

func TestBlockCompareApplyTruncatesWhenShorter(t *testing.T) {
	dir := t.TempDir()
	dst := bytes.Repeat([]byte("z"), 5000)
	src := dst[:1234]

	clone := openRW(t, dir, "clone2", dst)
	require.NoError(t, BlockCompareApply(bytes.NewReader(src), clone, 512))

	info, err := clone.Stat()
	require.NoError(t, err)
	require.EqualValues(t, len(src), info.Size())
}

func TestBlockCompareApplyExtendsWhenLonger(t *testing.T) {
	dir := t.TempDir()
	dst := bytes.Repeat([]byte("w"), 100)
	src := bytes.Repeat([]byte("w"), 5000)

	clone := openRW(t, dir, "clone3", dst)
	require.NoError(t, BlockCompareApply(bytes.NewReader(src), clone, 512))

	info, err := clone.Stat()
	require.NoError(t, err)
	require.EqualValues(t, len(src), info.Size())
}

func TestWriteSparseCopiesDataAndSetsLength(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("d"), 8000)
	srcPath := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))
	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	dstPath := filepath.Join(dir, "dst")
	dst, err := os.Create(dstPath)
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, WriteSparse(src, dst, int64(len(content))))

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
