// Package executor implements the parallel dispatch stage described in spec
// §4.10: a bounded worker pool that drains the planner's work-item stream,
// carries out each item's Strategy against the source and destination
// transports, paces write-side bytes through a shared token-bucket limiter,
// and accumulates per-item errors up to a configurable threshold. The pool
// shape (semaphore channel + sync.WaitGroup + buffered result/error
// channels) follows freightliner's copier.go copyLayers and the
// ticker-driven checkpoint loop in tree/resume.go.
package executor

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/c4milo/syncd/cache"
	"github.com/c4milo/syncd/delta"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/fsprobe"
	"github.com/c4milo/syncd/journal"
	"github.com/c4milo/syncd/metrics"
	"github.com/c4milo/syncd/plan"
	"github.com/c4milo/syncd/synclog"
	"github.com/c4milo/syncd/syncerr"
	"github.com/c4milo/syncd/transport"
)

// Mode is the integrity-verification mode described in spec §6.4.
type Mode int

const (
	ModeFast Mode = iota
	ModeStandard
	ModeVerify
	ModeParanoid
)

func (m Mode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeVerify:
		return "verify"
	case ModeParanoid:
		return "paranoid"
	default:
		return "standard"
	}
}

// Preserve selects which metadata categories applyMetadata carries over to
// the destination after a successful write, per spec §6.4's "preserve
// flags: {mode, mtime, owner, xattrs, acls, platform_flags, hard_links}".
// Hard-link topology itself is a planner-level concern (see plan.go's
// linkCountSafe); this struct covers the per-file metadata categories the
// executor applies directly.
type Preserve struct {
	Mode          bool
	Mtime         bool
	Owner         bool
	Xattrs        bool
	ACLs          bool
	PlatformFlags bool
}

// DefaultPreserve preserves every category, matching spec §6.4's implied
// default of carrying metadata over unless told otherwise.
func DefaultPreserve() Preserve {
	return Preserve{Mode: true, Mtime: true, Owner: true, Xattrs: true, ACLs: true, PlatformFlags: true}
}

// Config models the executor-relevant subset of spec §6.4's configuration
// surface.
type Config struct {
	Workers      int
	BandwidthBps int64 // 0 = unlimited

	MaxErrors int

	Mode Mode

	Preserve Preserve

	FingerprintKind fingerprint.Kind

	MinBlockSize int
	MaxBlockSize int

	RetryLimit   int
	RetryBackoff time.Duration
}

// DefaultConfig matches spec.md's stated defaults plus this expansion's
// ambient retry/backoff policy.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		MaxErrors:       20,
		Mode:            ModeStandard,
		Preserve:        DefaultPreserve(),
		FingerprintKind: fingerprint.KindFast,
		MinBlockSize:    delta.MinBlockSize,
		MaxBlockSize:    delta.MaxBlockSize,
		RetryLimit:      3,
		RetryBackoff:    200 * time.Millisecond,
	}
}

// ItemError is one failed work item, per spec §4.10's error-policy
// accumulator: "(path, action, error)".
type ItemError struct {
	Path   string
	Action plan.Action
	Err    error
}

func (e ItemError) Error() string {
	return e.Path + ": " + e.Action.String() + ": " + e.Err.Error()
}

// Result summarizes a completed (or threshold-aborted) Run.
type Result struct {
	Succeeded int
	Skipped   int
	Errors    []ItemError

	// ErrorsExceeded is true if MaxErrors was reached, in which case Run
	// stopped scheduling new items and returned once in-flight ones
	// finished.
	ErrorsExceeded bool

	// Cancelled is true if ctx was cancelled mid-run.
	Cancelled bool
}

// Executor dispatches plan.WorkItems against a source and destination
// transport. Src is read-only from the executor's perspective; Dst is where
// every mutation lands.
type Executor struct {
	Src, Dst transport.Transport
	Cache    *cache.Cache // optional; nil disables fingerprint-cache updates
	Journal  *journal.Journal
	Metrics  *metrics.Counters
	Log      synclog.Logger

	Cfg Config

	limiter *rate.Limiter

	mu          sync.Mutex
	errs        []ItemError
	errExceeded bool
	succeeded   int64
	skipped     int64
}

// New builds an Executor ready for Run. log may be nil, in which case
// synclog.Noop() is used.
func New(src, dst transport.Transport, c *cache.Cache, j *journal.Journal, m *metrics.Counters, log synclog.Logger, cfg Config) *Executor {
	if log == nil {
		log = synclog.Noop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	var limiter *rate.Limiter
	if cfg.BandwidthBps > 0 {
		// Burst must cover the largest single WaitN call the paced reader
		// will make (bounded by its caller's read buffer size, typically
		// tens of KiB); undersizing it relative to the rate makes WaitN
		// reject any read larger than the configured bytes/s.
		burst := int(cfg.BandwidthBps)
		if burst < 1<<20 {
			burst = 1 << 20
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthBps), burst)
	}
	return &Executor{
		Src: src, Dst: dst, Cache: c, Journal: j, Metrics: m, Log: log,
		Cfg:     cfg,
		limiter: limiter,
	}
}

// Run drains items, dispatching up to Cfg.Workers concurrently. Files are
// the unit of parallelism (spec §4.10); all operations on a single path
// happen within one worker call, so they are totally ordered relative to
// each other (spec §5).
func (e *Executor) Run(ctx context.Context, items <-chan plan.WorkItem) (*Result, error) {
	sem := make(chan struct{}, e.Cfg.Workers)
	var wg sync.WaitGroup

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

drain:
	for {
		select {
		case <-runCtx.Done():
			break drain
		case item, ok := <-items:
			if !ok {
				break drain
			}
			if e.thresholdExceeded() {
				break drain
			}

			wg.Add(1)
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				wg.Done()
				break drain
			}
			go func(it plan.WorkItem) {
				defer wg.Done()
				defer func() { <-sem }()
				e.runItem(runCtx, it)
			}(item)
		}
	}

	wg.Wait()

	e.mu.Lock()
	res := &Result{
		Succeeded:      int(e.succeeded),
		Skipped:        int(e.skipped),
		Errors:         append([]ItemError(nil), e.errs...),
		ErrorsExceeded: e.errExceeded,
		Cancelled:      ctx.Err() != nil,
	}
	e.mu.Unlock()

	return res, nil
}

func (e *Executor) thresholdExceeded() bool {
	if e.Cfg.MaxErrors <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs) >= e.Cfg.MaxErrors
}

func (e *Executor) recordError(path string, action plan.Action, err error) {
	e.mu.Lock()
	e.errs = append(e.errs, ItemError{Path: path, Action: action, Err: err})
	if e.Cfg.MaxErrors > 0 && len(e.errs) >= e.Cfg.MaxErrors {
		e.errExceeded = true
	}
	e.mu.Unlock()
	if e.Metrics != nil {
		e.Metrics.RecordError(syncerr.KindOf(err))
	}
	e.Log.Warn("item failed", "path", path, "action", action.String(), "err", err.Error())
}

func (e *Executor) recordSuccess(item plan.WorkItem) {
	atomic.AddInt64(&e.succeeded, 1)
	if e.Metrics != nil {
		switch item.Action {
		case plan.ActionCreate:
			e.Metrics.FilesCreated.Add(1)
		case plan.ActionUpdate:
			e.Metrics.FilesUpdated.Add(1)
		case plan.ActionDelete:
			e.Metrics.FilesDeleted.Add(1)
		}
	}
	if e.Journal == nil {
		return
	}
	var size int64
	if item.Src != nil {
		size = item.Src.Size
	}
	e.Journal.Post(journal.Record{
		Action:          item.Action.String(),
		Path:            item.Path,
		Size:            size,
		CompletedAtUnix: time.Now().Unix(),
	})
}

func (e *Executor) recordSkip() {
	atomic.AddInt64(&e.skipped, 1)
	if e.Metrics != nil {
		e.Metrics.FilesSkipped.Add(1)
	}
}

// runItem executes one work item, dispatching by Action and Strategy. It
// never returns an error directly: failures are recorded into the shared
// accumulator so one bad item never aborts the pool.
func (e *Executor) runItem(ctx context.Context, item plan.WorkItem) {
	if item.Action == plan.ActionSkip {
		e.recordSkip()
		return
	}

	var err error
	switch {
	case item.Action == plan.ActionDelete:
		err = e.retryable(ctx, item, func() error {
			return e.Dst.Remove(ctx, item.Path)
		})
	case item.Strategy == plan.StrategyDirectoryCreate:
		err = e.retryable(ctx, item, func() error { return e.execDirectory(ctx, item) })
	case item.Strategy == plan.StrategySymlinkReplace:
		err = e.retryable(ctx, item, func() error { return e.execSymlink(ctx, item) })
	case item.Strategy == plan.StrategyReflinkClone:
		err = e.execReflinkClone(ctx, item)
	case item.Strategy == plan.StrategyLocalBlockCompare:
		err = e.execLocalBlockCompare(ctx, item)
	case item.Strategy == plan.StrategyRollingDelta:
		err = e.execRollingDelta(ctx, item)
	case item.Strategy == plan.StrategyFullCopy:
		err = e.retryable(ctx, item, func() error { return e.execFullCopy(ctx, item) })
	default:
		err = syncerr.New(syncerr.KindInternal, "dispatch", item.Path,
			errors.Errorf("executor: no handler for strategy %s", item.Strategy))
	}

	if err != nil {
		e.recordError(item.Path, item.Action, err)
		return
	}

	if item.Action != plan.ActionDelete {
		e.applyMetadata(ctx, item)
	}
	e.recordSuccess(item)
}

// retryable retries op a bounded number of times with exponential backoff
// when the failure is classified as a retryable transport error, per spec
// §4.12 "transport disconnects surface as TransportError; retried up to a
// small limit with exponential backoff; final failure is recorded."
func (e *Executor) retryable(ctx context.Context, item plan.WorkItem, op func() error) error {
	backoff := e.Cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultConfig().RetryBackoff
	}
	limit := e.Cfg.RetryLimit
	if limit <= 0 {
		limit = DefaultConfig().RetryLimit
	}

	var lastErr error
	for attempt := 0; attempt <= limit; attempt++ {
		if ctx.Err() != nil {
			return syncerr.New(syncerr.KindCancelled, "retry", item.Path, ctx.Err())
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !syncerr.Retryable(lastErr) {
			return lastErr
		}
		if e.Metrics != nil {
			e.Metrics.Retries.Add(1)
		}
		select {
		case <-time.After(backoff * time.Duration(1<<uint(attempt))):
		case <-ctx.Done():
			return syncerr.New(syncerr.KindCancelled, "retry", item.Path, ctx.Err())
		}
	}
	return lastErr
}

func (e *Executor) execDirectory(ctx context.Context, item plan.WorkItem) error {
	mode := uint32(0o755)
	if item.Src != nil {
		mode = item.Src.Mode
	}
	return e.Dst.MkdirAll(ctx, item.Path, mode)
}

func (e *Executor) execSymlink(ctx context.Context, item plan.WorkItem) error {
	return e.Dst.Symlink(ctx, item.Path, item.Src.SymlinkTarget)
}

// execFullCopy streams item's content from Src to Dst, optionally paced by
// the shared bandwidth limiter and, over a remote transport, probed for
// compressibility before being wrapped in the fast compressor.
func (e *Executor) execFullCopy(ctx context.Context, item plan.WorkItem) error {
	r, err := e.Src.Read(ctx, item.Path, 0, -1)
	if err != nil {
		return err
	}
	defer r.Close()

	pr := &pacedReader{ctx: ctx, r: r, limiter: e.limiter, onRead: e.recordBytesRead}
	var body io.Reader = pr

	if err := e.Dst.Write(ctx, item.Path, body, item.Src.Size, item.Src.Mode); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.BytesWritten.Add(uint64(item.Src.Size))
	}

	if e.Cfg.Mode == ModeVerify || e.Cfg.Mode == ModeParanoid {
		return e.verify(ctx, item)
	}
	return nil
}

// execRollingDelta reconstructs item's destination content from the
// source's bytes and the destination's existing block checksums, following
// the classical rsync algorithm (spec §4.8.1). On strong-hash mismatch
// during application, it abandons the delta and falls back to FullCopy,
// per spec §4.12; a second failure is recorded as non-retryable.
func (e *Executor) execRollingDelta(ctx context.Context, item plan.WorkItem) error {
	blockSize := e.blockSize(item.Src.Size)
	sums, err := e.Dst.Checksums(ctx, item.Path, blockSize, e.Cfg.FingerprintKind)
	if err != nil {
		return e.fallbackToFullCopy(ctx, item, err)
	}

	r, err := e.Src.Read(ctx, item.Path, 0, -1)
	if err != nil {
		return err
	}
	defer r.Close()

	instrCh, errCh := delta.Diff(ctx, r, sums, blockSize, e.Cfg.FingerprintKind)
	instructions := make([]delta.Instruction, 0, len(sums))
	var literalBytes, copiedBytes uint64
	for ins := range instrCh {
		switch ins.Op {
		case delta.OpLiteral:
			literalBytes += uint64(len(ins.Literal))
		case delta.OpCopy:
			copiedBytes += uint64(ins.Length)
		}
		instructions = append(instructions, ins)
	}
	if diffErr := <-errCh; diffErr != nil {
		return e.fallbackToFullCopy(ctx, item, diffErr)
	}

	if err := e.Dst.ApplyDelta(ctx, item.Path, blockSize, instructions); err != nil {
		if syncerr.Is(err, syncerr.KindIntegrity) {
			return e.fallbackToFullCopy(ctx, item, err)
		}
		return err
	}

	if e.Metrics != nil {
		e.Metrics.LiteralBytes.Add(literalBytes)
		e.Metrics.CopiedBytes.Add(copiedBytes)
		e.Metrics.BytesWritten.Add(literalBytes + copiedBytes)
	}

	if e.Cfg.Mode == ModeVerify || e.Cfg.Mode == ModeParanoid {
		return e.verify(ctx, item)
	}
	return nil
}

// fallbackToFullCopy is invoked at most once per item; a second failure is
// recorded as non-retryable rather than looping.
func (e *Executor) fallbackToFullCopy(ctx context.Context, item plan.WorkItem, cause error) error {
	e.Log.Warn("rolling delta failed, falling back to full copy", "path", item.Path, "err", cause.Error())
	if err := e.execFullCopy(ctx, item); err != nil {
		return syncerr.New(syncerr.KindIntegrity, "rolling-delta-fallback", item.Path, err)
	}
	return nil
}

// execLocalBlockCompare handles a large local-to-local update by reflink
// cloning the destination file and applying the block-compare algorithm
// directly against the clone, avoiding the rolling-hash machinery
// entirely. If the two roots don't share a device, or the clone ioctl is
// unsupported, it falls back to a plain local copy.
func (e *Executor) execLocalBlockCompare(ctx context.Context, item plan.WorkItem) error {
	srcLocal, okSrc := e.Src.(*transport.Local)
	dstLocal, okDst := e.Dst.(*transport.Local)
	if !okSrc || !okDst {
		return e.retryable(ctx, item, func() error { return e.execFullCopy(ctx, item) })
	}

	srcPath := srcLocal.AbsPath(item.Path)
	dstPath := dstLocal.AbsPath(item.Path)

	same, err := fsprobe.SameDevice(srcPath, dstPath)
	if err != nil || !same {
		return e.retryable(ctx, item, func() error { return e.execFullCopy(ctx, item) })
	}

	clonePath := dstPath + ".tmp-blockcompare"
	if err := cloneInto(dstPath, clonePath); err != nil {
		os.Remove(clonePath)
		return e.retryable(ctx, item, func() error { return e.execFullCopy(ctx, item) })
	}
	if e.Metrics != nil {
		e.Metrics.ReflinkClones.Add(1)
	}
	defer os.Remove(clonePath)

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return syncerr.New(syncerr.KindPath, "block-compare-open-src", item.Path, err)
	}
	defer srcFile.Close()

	clone, err := os.OpenFile(clonePath, os.O_RDWR, 0o644)
	if err != nil {
		return syncerr.New(syncerr.KindPath, "block-compare-open-clone", item.Path, err)
	}

	blockSize := e.blockSize(item.Src.Size)
	if err := delta.BlockCompareApply(srcFile, clone, blockSize); err != nil {
		clone.Close()
		return syncerr.New(syncerr.KindIntegrity, "block-compare-apply", item.Path, err)
	}
	if err := clone.Sync(); err != nil {
		clone.Close()
		return syncerr.New(syncerr.KindTransport, "block-compare-sync", item.Path, err)
	}
	if err := clone.Close(); err != nil {
		return syncerr.New(syncerr.KindTransport, "block-compare-close", item.Path, err)
	}
	if err := os.Rename(clonePath, dstPath); err != nil {
		return syncerr.New(syncerr.KindPermission, "block-compare-rename", item.Path, err)
	}

	if e.Metrics != nil {
		e.Metrics.BytesWritten.Add(uint64(item.Src.Size))
	}

	if e.Cfg.Mode == ModeVerify || e.Cfg.Mode == ModeParanoid {
		return e.verify(ctx, item)
	}
	return nil
}

// execReflinkClone duplicates a brand-new local-to-local file with a
// reflink when possible, falling back to a plain copy when the two roots
// don't share a device or the platform lacks reflink support (spec §4.3).
func (e *Executor) execReflinkClone(ctx context.Context, item plan.WorkItem) error {
	srcLocal, okSrc := e.Src.(*transport.Local)
	dstLocal, okDst := e.Dst.(*transport.Local)
	if !okSrc || !okDst {
		return e.retryable(ctx, item, func() error { return e.execFullCopy(ctx, item) })
	}

	srcPath := srcLocal.AbsPath(item.Path)
	dstPath := dstLocal.AbsPath(item.Path)

	same, err := fsprobe.SameDevice(srcPath, dstPath)
	if err != nil || !same {
		return e.retryable(ctx, item, func() error { return e.execFullCopy(ctx, item) })
	}

	if err := cloneInto(srcPath, dstPath); err != nil {
		return e.retryable(ctx, item, func() error { return e.execFullCopy(ctx, item) })
	}
	if e.Metrics != nil {
		e.Metrics.ReflinkClones.Add(1)
		e.Metrics.BytesWritten.Add(uint64(item.Src.Size))
	}

	if e.Cfg.Mode == ModeVerify || e.Cfg.Mode == ModeParanoid {
		return e.verify(ctx, item)
	}
	return nil
}

// cloneInto creates dst (which must not already exist, or is replaced) as
// a reflink clone of src via fsprobe.Clone.
func cloneInto(src, dst string) error {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()

	df, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer df.Close()

	return fsprobe.Clone(df.Fd(), sf.Fd())
}

// verify re-reads the destination's fingerprint and compares it against
// the source's, per spec §6.4 verify/paranoid modes.
func (e *Executor) verify(ctx context.Context, item plan.WorkItem) error {
	srcFP, err := e.Src.Fingerprint(ctx, item.Path, e.Cfg.FingerprintKind)
	if err != nil {
		return syncerr.New(syncerr.KindIntegrity, "verify-src-fingerprint", item.Path, err)
	}
	dstFP, err := e.Dst.Fingerprint(ctx, item.Path, e.Cfg.FingerprintKind)
	if err != nil {
		return syncerr.New(syncerr.KindIntegrity, "verify-dst-fingerprint", item.Path, err)
	}
	if string(srcFP) != string(dstFP) {
		return syncerr.New(syncerr.KindIntegrity, "verify-mismatch", item.Path,
			errors.Errorf("executor: fingerprint mismatch after transfer"))
	}
	if e.Cache != nil {
		e.Cache.Put(item.Path, item.Src.Size, item.Src.ModTime, cache.Fingerprint{
			Kind: byte(e.Cfg.FingerprintKind), Bytes: dstFP,
		})
	}
	return nil
}

// applyMetadata carries item.Src's metadata over to the destination,
// restricted to the categories e.Cfg.Preserve enables (spec §6.4's
// "preserve flags"). A category turned off is left at whatever the
// destination already has rather than zeroed, which matters most for
// Mode: an unconditional chmod(0) would leave the file unreadable.
func (e *Executor) applyMetadata(ctx context.Context, item plan.WorkItem) {
	if item.Src == nil || item.Src.Kind == entry.KindSymlink {
		return
	}
	p := e.Cfg.Preserve
	md := transport.Metadata{
		Mode:    item.Src.Mode,
		OwnerID: item.Src.OwnerID,
		GroupID: item.Src.GroupID,
		ModTime: item.Src.ModTime,
		Xattrs:  item.Src.Xattrs,
		ACL:     item.Src.ACL,
	}
	if !p.Mode || !p.Owner || !p.Mtime || !p.Xattrs || !p.ACLs {
		if dst, err := e.Dst.Stat(ctx, item.Path); err == nil {
			if !p.Mode {
				md.Mode = dst.Mode
			}
			if !p.Owner {
				md.OwnerID = dst.OwnerID
				md.GroupID = dst.GroupID
			}
			if !p.Mtime {
				md.ModTime = dst.ModTime
			}
			if !p.Xattrs {
				md.Xattrs = dst.Xattrs
			}
			if !p.ACLs {
				md.ACL = dst.ACL
			}
		}
	}
	if !p.PlatformFlags {
		md.PlatformFlags = 0
	} else {
		md.PlatformFlags = item.Src.PlatformFlags
	}
	if err := e.Dst.SetMetadata(ctx, item.Path, md); err != nil {
		e.Log.Warn("metadata apply failed", "path", item.Path, "err", err.Error())
	}
}

func (e *Executor) recordBytesRead(n int) {
	if e.Metrics != nil {
		e.Metrics.BytesRead.Add(uint64(n))
	}
}

func (e *Executor) blockSize(fileSize int64) int {
	b := delta.BlockSize(fileSize)
	if e.Cfg.MinBlockSize > 0 && b < e.Cfg.MinBlockSize {
		b = e.Cfg.MinBlockSize
	}
	if e.Cfg.MaxBlockSize > 0 && b > e.Cfg.MaxBlockSize {
		b = e.Cfg.MaxBlockSize
	}
	return b
}

// pacedReader wraps a reader, consuming limiter tokens equal to bytes
// produced and blocking when the bucket is empty, per spec §4.10's
// token-bucket rate limiter. A nil limiter makes this a passthrough.
type pacedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	onRead  func(n int)
}

func (p *pacedReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		if p.onRead != nil {
			p.onRead(n)
		}
		if p.limiter != nil {
			if werr := p.limiter.WaitN(p.ctx, n); werr != nil {
				return n, werr
			}
		}
	}
	return n, err
}
