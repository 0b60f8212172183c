package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c4milo/syncd/transport"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(b)
}

func newDirs(t *testing.T) (src, dst string) {
	t.Helper()
	return t.TempDir(), t.TempDir()
}

func TestRunCopiesNewFiles(t *testing.T) {
	src, dst := newDirs(t)
	writeFile(t, src, "a.txt", "hello")
	writeFile(t, src, "sub/b.txt", "world")

	e := New(transport.NewLocal(src), transport.NewLocal(dst), DefaultConfig(), "")
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, report.ExitCode)
	require.Empty(t, report.Errors)

	require.Equal(t, "hello", readFile(t, dst, "a.txt"))
	require.Equal(t, "world", readFile(t, dst, "sub/b.txt"))
}

func TestRunIsIdempotent(t *testing.T) {
	src, dst := newDirs(t)
	writeFile(t, src, "a.txt", "hello")

	cfg := DefaultConfig()
	e := New(transport.NewLocal(src), transport.NewLocal(dst), cfg, "")
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, report.ExitCode)
	require.Equal(t, 0, report.Succeeded)
	require.Equal(t, 1, report.Skipped)
}

func TestRunHonorsDeleteEnabled(t *testing.T) {
	src, dst := newDirs(t)
	writeFile(t, src, "keep.txt", "keep")
	writeFile(t, dst, "stale.txt", "stale")

	cfg := DefaultConfig()
	cfg.DeleteEnabled = true
	cfg.ConfirmBeyondGate = true
	e := New(transport.NewLocal(src), transport.NewLocal(dst), cfg, "")
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, report.ExitCode)

	_, statErr := os.Stat(filepath.Join(dst, "stale.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestRunAppliesSizeFilter(t *testing.T) {
	src, dst := newDirs(t)
	writeFile(t, src, "small.txt", "x")
	writeFile(t, src, "big.txt", "this content is longer than the min size bound")

	cfg := DefaultConfig()
	cfg.MinSize = 10
	e := New(transport.NewLocal(src), transport.NewLocal(dst), cfg, "")
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dst, "small.txt"))
	require.True(t, os.IsNotExist(statErr))
	require.FileExists(t, filepath.Join(dst, "big.txt"))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	src, dst := newDirs(t)
	cfg := DefaultConfig()
	cfg.DeleteThresholdPct = 150

	e := New(transport.NewLocal(src), transport.NewLocal(dst), cfg, "")
	report, err := e.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExitAborted, report.ExitCode)
}

func TestRunRemovesJournalAfterCleanRun(t *testing.T) {
	src, dst := newDirs(t)
	writeFile(t, src, "a.txt", "hello")
	writeFile(t, src, "b.txt", "world")
	journalDir := t.TempDir()

	cfg := DefaultConfig()
	e := New(transport.NewLocal(src), transport.NewLocal(dst), cfg, journalDir)
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, report.ExitCode)
	require.Equal(t, 2, report.Succeeded)

	require.NoFileExists(t, filepath.Join(journalDir, "syncd-state.json"))
}

func TestUnsafeSymlinkTargetDetection(t *testing.T) {
	require.True(t, unsafeSymlinkTarget("/etc/passwd"))
	require.True(t, unsafeSymlinkTarget("../outside"))
	require.True(t, unsafeSymlinkTarget("a/../../outside"))
	require.False(t, unsafeSymlinkTarget("sibling.txt"))
	require.False(t, unsafeSymlinkTarget("sub/sibling.txt"))
}
