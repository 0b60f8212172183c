package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExplicitExcludeWins(t *testing.T) {
	f, err := New([][]string{{"*.log", "!important.log"}})
	require.NoError(t, err)

	require.False(t, f.Accept("debug.log", false, 10))
	require.True(t, f.Accept("important.log", false, 10))
	require.True(t, f.Accept("main.go", false, 10))
}

func TestPrecedenceFirstGroupWins(t *testing.T) {
	// Explicit group re-includes what the tree-ignore-file group excludes.
	f, err := New([][]string{
		{"!vendor/keep.go"},
		{"vendor/"},
	})
	require.NoError(t, err)

	require.True(t, f.Accept("vendor/keep.go", false, 1))
	require.False(t, f.Accept("vendor/other.go", false, 1))
}

func TestDirectoryPatternExcludesSubtree(t *testing.T) {
	f, err := New([][]string{{"node_modules/"}})
	require.NoError(t, err)

	require.False(t, f.Accept("node_modules/pkg/index.js", false, 1))
}

func TestSizeBounds(t *testing.T) {
	f, err := New(nil, WithSizeBounds(100, 1000))
	require.NoError(t, err)

	require.False(t, f.Accept("tiny", false, 10))
	require.True(t, f.Accept("ok", false, 500))
	require.False(t, f.Accept("huge", false, 10000))
}

func TestLoadIgnoreFileMissingIsNotError(t *testing.T) {
	lines, err := LoadIgnoreFile("/nonexistent/path/.gitignore")
	require.NoError(t, err)
	require.Nil(t, lines)
}
