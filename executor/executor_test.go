package executor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c4milo/syncd/delta"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/metrics"
	"github.com/c4milo/syncd/plan"
	"github.com/c4milo/syncd/syncerr"
	"github.com/c4milo/syncd/transport"
)

func itemsChan(items ...plan.WorkItem) <-chan plan.WorkItem {
	ch := make(chan plan.WorkItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func writeFile(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func readFile(t *testing.T, root, path string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, path))
	require.NoError(t, err)
	return string(b)
}

func newFixture(t *testing.T) (srcRoot, dstRoot string, src, dst *transport.Local) {
	t.Helper()
	srcRoot = t.TempDir()
	dstRoot = t.TempDir()
	return srcRoot, dstRoot, transport.NewLocal(srcRoot), transport.NewLocal(dstRoot)
}

func TestRunFullCopyCreatesFile(t *testing.T) {
	srcRoot, dstRoot, src, dst := newFixture(t)
	writeFile(t, srcRoot, "a.txt", "hello world")

	m := metrics.New()
	ex := New(src, dst, nil, nil, m, nil, DefaultConfig())

	item := plan.WorkItem{
		Path:     "a.txt",
		Action:   plan.ActionCreate,
		Strategy: plan.StrategyFullCopy,
		Src:      &entry.Entry{Path: "a.txt", Size: 11, Mode: 0o644},
	}
	res, err := ex.Run(context.Background(), itemsChan(item))
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Empty(t, res.Errors)
	require.Equal(t, "hello world", readFile(t, dstRoot, "a.txt"))
	require.EqualValues(t, 1, m.FilesCreated.Load())
	require.EqualValues(t, 11, m.BytesWritten.Load())
}

func TestRunDirectoryAndSymlink(t *testing.T) {
	srcRoot, dstRoot, src, dst := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub"), 0o755))
	require.NoError(t, os.Symlink("target", filepath.Join(srcRoot, "link")))

	ex := New(src, dst, nil, nil, metrics.New(), nil, DefaultConfig())

	items := itemsChan(
		plan.WorkItem{Path: "sub", Action: plan.ActionCreate, Strategy: plan.StrategyDirectoryCreate,
			Src: &entry.Entry{Path: "sub", Kind: entry.KindDirectory, Mode: 0o755}},
		plan.WorkItem{Path: "link", Action: plan.ActionCreate, Strategy: plan.StrategySymlinkReplace,
			Src: &entry.Entry{Path: "link", Kind: entry.KindSymlink, SymlinkTarget: "target"}},
	)
	res, err := ex.Run(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded)

	info, err := os.Stat(filepath.Join(dstRoot, "sub"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	target, err := os.Readlink(filepath.Join(dstRoot, "link"))
	require.NoError(t, err)
	require.Equal(t, "target", target)
}

func TestRunDeleteRemovesFile(t *testing.T) {
	_, dstRoot, src, dst := newFixture(t)
	writeFile(t, dstRoot, "gone.txt", "bye")

	ex := New(src, dst, nil, nil, metrics.New(), nil, DefaultConfig())
	res, err := ex.Run(context.Background(), itemsChan(plan.WorkItem{Path: "gone.txt", Action: plan.ActionDelete}))
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	_, statErr := os.Stat(filepath.Join(dstRoot, "gone.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestRunSkipItemCountsAsSkipped(t *testing.T) {
	src, dst := transport.NewLocal(t.TempDir()), transport.NewLocal(t.TempDir())
	m := metrics.New()
	ex := New(src, dst, nil, nil, m, nil, DefaultConfig())

	res, err := ex.Run(context.Background(), itemsChan(plan.WorkItem{Path: "noop.txt", Action: plan.ActionSkip}))
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.EqualValues(t, 1, m.FilesSkipped.Load())
}

// failingTransport wraps a real transport and fails the named method a
// fixed number of times before delegating to the wrapped implementation,
// simulating the transient transport disconnects spec §4.12 describes.
type failingTransport struct {
	transport.Transport
	failWrites  int
	failRemoves int
	err         func() error
}

func (f *failingTransport) Write(ctx context.Context, path string, r io.Reader, size int64, mode uint32) error {
	if f.failWrites > 0 {
		f.failWrites--
		io.Copy(io.Discard, r)
		return f.err()
	}
	return f.Transport.Write(ctx, path, r, size, mode)
}

func (f *failingTransport) Remove(ctx context.Context, path string) error {
	if f.failRemoves > 0 {
		f.failRemoves--
		return f.err()
	}
	return f.Transport.Remove(ctx, path)
}

func TestRetryableSucceedsAfterTransientFailures(t *testing.T) {
	srcRoot, dstRoot, src, realDst := newFixture(t)
	writeFile(t, srcRoot, "a.txt", "retry me")

	dst := &failingTransport{Transport: realDst, failWrites: 2, err: func() error {
		return syncerr.New(syncerr.KindTransport, "write", "a.txt", io.ErrClosedPipe)
	}}

	m := metrics.New()
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	ex := New(src, dst, nil, nil, m, nil, cfg)

	item := plan.WorkItem{Path: "a.txt", Action: plan.ActionCreate, Strategy: plan.StrategyFullCopy,
		Src: &entry.Entry{Path: "a.txt", Size: 8, Mode: 0o644}}
	res, err := ex.Run(context.Background(), itemsChan(item))
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Empty(t, res.Errors)
	require.Equal(t, "retry me", readFile(t, dstRoot, "a.txt"))
	require.EqualValues(t, 2, m.Retries.Load())
}

func TestRetryExhaustedRecordsError(t *testing.T) {
	srcRoot, _, src, realDst := newFixture(t)
	writeFile(t, srcRoot, "a.txt", "never lands")

	dst := &failingTransport{Transport: realDst, failWrites: 100, err: func() error {
		return syncerr.New(syncerr.KindTransport, "write", "a.txt", io.ErrClosedPipe)
	}}

	cfg := DefaultConfig()
	cfg.RetryLimit = 2
	cfg.RetryBackoff = time.Millisecond
	ex := New(src, dst, nil, nil, metrics.New(), nil, cfg)

	item := plan.WorkItem{Path: "a.txt", Action: plan.ActionCreate, Strategy: plan.StrategyFullCopy,
		Src: &entry.Entry{Path: "a.txt", Size: 11, Mode: 0o644}}
	res, err := ex.Run(context.Background(), itemsChan(item))
	require.NoError(t, err)
	require.Equal(t, 0, res.Succeeded)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "a.txt", res.Errors[0].Path)
}

func TestRunStopsSchedulingAfterMaxErrors(t *testing.T) {
	_, _, src, realDst := newFixture(t)
	dst := &failingTransport{Transport: realDst, failRemoves: 100, err: func() error {
		return syncerr.New(syncerr.KindPermission, "remove", "x", os.ErrPermission)
	}}

	cfg := DefaultConfig()
	cfg.MaxErrors = 2
	cfg.RetryBackoff = time.Millisecond
	ex := New(src, dst, nil, nil, metrics.New(), nil, cfg)

	var items []plan.WorkItem
	for i := 0; i < 10; i++ {
		items = append(items, plan.WorkItem{Path: "f.txt", Action: plan.ActionDelete})
	}
	res, err := ex.Run(context.Background(), itemsChan(items...))
	require.NoError(t, err)
	require.True(t, res.ErrorsExceeded)
	require.GreaterOrEqual(t, len(res.Errors), 2)
}

// checksumFailTransport fails Checksums once, simulating the block-sum
// round trip failure that should trigger the rolling-delta-to-full-copy
// fallback described in spec §4.12.
type checksumFailTransport struct {
	transport.Transport
}

func (c *checksumFailTransport) Checksums(ctx context.Context, path string, blockSize int, kind fingerprint.Kind) ([]delta.Checksum, error) {
	return nil, syncerr.New(syncerr.KindTransport, "checksums", path, io.ErrUnexpectedEOF)
}

func TestRollingDeltaFallsBackToFullCopyOnChecksumFailure(t *testing.T) {
	srcRoot, dstRoot, src, realDst := newFixture(t)
	writeFile(t, srcRoot, "big.txt", "new content replacing the old one")
	writeFile(t, dstRoot, "big.txt", "old content that will be replaced")

	dst := &checksumFailTransport{Transport: realDst}
	ex := New(src, dst, nil, nil, metrics.New(), nil, DefaultConfig())

	item := plan.WorkItem{Path: "big.txt", Action: plan.ActionUpdate, Strategy: plan.StrategyRollingDelta,
		Src: &entry.Entry{Path: "big.txt", Size: 34, Mode: 0o644}}
	res, err := ex.Run(context.Background(), itemsChan(item))
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Empty(t, res.Errors)
	require.Equal(t, "new content replacing the old one", readFile(t, dstRoot, "big.txt"))
}

// mismatchFingerprintTransport always returns a fixed fingerprint distinct
// from whatever the source reports, so verify mode's post-transfer
// comparison is guaranteed to fail.
type mismatchFingerprintTransport struct {
	transport.Transport
}

func (m *mismatchFingerprintTransport) Fingerprint(ctx context.Context, path string, kind fingerprint.Kind) ([]byte, error) {
	return []byte("not-the-real-fingerprint"), nil
}

func TestVerifyModeDetectsFingerprintMismatch(t *testing.T) {
	srcRoot, _, src, realDst := newFixture(t)
	writeFile(t, srcRoot, "a.txt", "content")

	dst := &mismatchFingerprintTransport{Transport: realDst}
	cfg := DefaultConfig()
	cfg.Mode = ModeVerify
	ex := New(src, dst, nil, nil, metrics.New(), nil, cfg)

	item := plan.WorkItem{Path: "a.txt", Action: plan.ActionCreate, Strategy: plan.StrategyFullCopy,
		Src: &entry.Entry{Path: "a.txt", Size: 7, Mode: 0o644}}
	res, err := ex.Run(context.Background(), itemsChan(item))
	require.NoError(t, err)
	require.Equal(t, 0, res.Succeeded)
	require.Len(t, res.Errors, 1)
	require.True(t, syncerr.Is(res.Errors[0].Err, syncerr.KindIntegrity))
}

func TestReflinkCloneOrFallbackProducesCorrectContent(t *testing.T) {
	srcRoot, dstRoot, src, dst := newFixture(t)
	writeFile(t, srcRoot, "new.txt", "brand new local file")

	cfg := DefaultConfig()
	ex := New(src, dst, nil, nil, metrics.New(), nil, cfg)

	item := plan.WorkItem{Path: "new.txt", Action: plan.ActionCreate, Strategy: plan.StrategyReflinkClone,
		Src: &entry.Entry{Path: "new.txt", Size: 21, Mode: 0o644}}
	res, err := ex.Run(context.Background(), itemsChan(item))
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, "brand new local file", readFile(t, dstRoot, "new.txt"))
}

func TestPacedReaderPassthroughWithoutLimiter(t *testing.T) {
	pr := &pacedReader{ctx: context.Background(), r: newStringReader("hello")}
	buf := make([]byte, 5)
	n, err := pr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestPacedReaderInvokesOnRead(t *testing.T) {
	var total int
	pr := &pacedReader{ctx: context.Background(), r: newStringReader("hello"), onRead: func(n int) { total += n }}
	buf := make([]byte, 5)
	_, err := pr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, total)
}

func newStringReader(s string) io.Reader { return &stringReaderImpl{s: s} }

type stringReaderImpl struct {
	s string
	i int
}

func (r *stringReaderImpl) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}
