// Package engine wires the core pipeline together end to end: scan both
// roots, hand the merged entry sets to the planner, run the resulting
// work items through the executor, and fold the result into the exit-code
// contract spec §6.3 defines for an enclosing driver. Nothing here speaks
// a flag format or a config file — that parsing, per spec.md and
// SPEC_FULL.md §1, belongs to whatever binary embeds this package.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/c4milo/syncd/cache"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/executor"
	"github.com/c4milo/syncd/filter"
	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/journal"
	"github.com/c4milo/syncd/metrics"
	"github.com/c4milo/syncd/plan"
	"github.com/c4milo/syncd/scanner"
	"github.com/c4milo/syncd/synclog"
	"github.com/c4milo/syncd/syncerr"
	"github.com/c4milo/syncd/transport"
)

// IncludeSymlinks controls how symbolic links on the source side are
// treated, per spec §6.4.
type IncludeSymlinks int

const (
	SymlinksPreserve IncludeSymlinks = iota
	SymlinksFollow
	SymlinksSkip
	// SymlinksIgnoreUnsafe preserves symlinks whose target stays within
	// the source root and drops (with a log warning) any whose target is
	// absolute or escapes the root via "..".
	SymlinksIgnoreUnsafe
)

// ResumeMode models spec §6.4's "resume (bool, default auto)": a plain
// bool can't default to "auto" (attempt resume only if a matching journal
// exists), so this expansion makes the third state explicit.
type ResumeMode int

const (
	ResumeAuto ResumeMode = iota
	ResumeAlways
	ResumeNever
)

// Config is the enumerated configuration surface of spec §6.4, plus the
// size-bound filter knobs §4.5 folds under "filters".
type Config struct {
	Mode executor.Mode

	DeleteEnabled      bool
	DeleteThresholdPct int // 0-100, default 50
	ConfirmBeyondGate  bool

	Workers      int
	BandwidthBps int64

	MtimeTolerance      time.Duration
	DeltaThresholdBytes int64
	MinBlockSize        int
	MaxBlockSize        int

	// Filters are rule groups in precedence order: explicit rules first,
	// then tree ignore files, templates, repo-standard ignore files, per
	// spec §4.5. Pass nil groups you don't use; order is what matters.
	Filters [][]string
	MinSize int64
	MaxSize int64

	IncludeSymlinks IncludeSymlinks
	Preserve        executor.Preserve

	FingerprintCachePath  string
	UseContentFingerprint bool
	FingerprintKind       fingerprint.Kind

	Resume    ResumeMode
	MaxErrors int

	RetryLimit   int
	RetryBackoff time.Duration

	Logger synclog.Logger
}

// DefaultConfig matches spec §6.4's stated defaults.
func DefaultConfig() Config {
	pc := plan.DefaultConfig()
	ec := executor.DefaultConfig()
	return Config{
		Mode:                executor.ModeStandard,
		DeleteThresholdPct:  50,
		Workers:             ec.Workers,
		MtimeTolerance:      pc.MtimeTolerance,
		DeltaThresholdBytes: pc.DeltaThresholdBytes,
		MinBlockSize:        ec.MinBlockSize,
		MaxBlockSize:        ec.MaxBlockSize,
		IncludeSymlinks:     SymlinksPreserve,
		Preserve:            executor.DefaultPreserve(),
		FingerprintKind:     fingerprint.KindFast,
		MaxErrors:           ec.MaxErrors,
		RetryLimit:          ec.RetryLimit,
		RetryBackoff:        ec.RetryBackoff,
	}
}

// validate performs the fail-fast config checks spec §7's ConfigError
// kind calls for: "invalid settings or incompatible flag combination —
// fail fast before mutation."
func (c Config) validate() error {
	if c.DeleteThresholdPct < 0 || c.DeleteThresholdPct > 100 {
		return syncerr.New(syncerr.KindConfig, "validate", "",
			errors.Errorf("engine: delete_threshold_pct %d out of [0,100]", c.DeleteThresholdPct))
	}
	if c.MinBlockSize > 0 && c.MaxBlockSize > 0 && c.MinBlockSize > c.MaxBlockSize {
		return syncerr.New(syncerr.KindConfig, "validate", "",
			errors.Errorf("engine: block_size_bounds min %d exceeds max %d", c.MinBlockSize, c.MaxBlockSize))
	}
	if c.MinSize > 0 && c.MaxSize > 0 && c.MinSize > c.MaxSize {
		return syncerr.New(syncerr.KindConfig, "validate", "",
			errors.Errorf("engine: size bounds min %d exceeds max %d", c.MinSize, c.MaxSize))
	}
	if c.BandwidthBps < 0 {
		return syncerr.New(syncerr.KindConfig, "validate", "", errors.New("engine: bandwidth_bps must be >= 0"))
	}
	return nil
}

// ExitCode mirrors spec §6.3's table for an enclosing driver.
type ExitCode int

const (
	ExitSuccess    ExitCode = 0
	ExitItemErrors ExitCode = 1
	ExitAborted    ExitCode = 2
	ExitCancelled  ExitCode = 3
)

// Report is the outcome of one Run.
type Report struct {
	ExitCode  ExitCode
	Succeeded int
	Skipped   int
	Errors    []executor.ItemError
	Metrics   *metrics.Counters
}

// Engine orchestrates one sync run between two already-constructed
// transports (local or remote; the caller decides, e.g. via
// transport.NewLocal or transport.DialSSH).
type Engine struct {
	Src, Dst transport.Transport

	Cfg Config

	// JournalDir, when non-empty, is where the resume journal and
	// fingerprint cache live (spec §6.2's destination-rooted reserved
	// names). Both are optional; a zero value disables them.
	JournalDir string

	log synclog.Logger
}

// New builds an Engine ready for Run.
func New(src, dst transport.Transport, cfg Config, journalDir string) *Engine {
	log := cfg.Logger
	if log == nil {
		log = synclog.Noop()
	}
	return &Engine{Src: src, Dst: dst, Cfg: cfg, JournalDir: journalDir, log: log}
}

// Run executes one full sync: scan, plan, execute, journal.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if err := e.Cfg.validate(); err != nil {
		return &Report{ExitCode: ExitAborted}, err
	}

	f, err := filter.New(e.Cfg.Filters, filter.WithSizeBounds(e.Cfg.MinSize, e.Cfg.MaxSize))
	if err != nil {
		return &Report{ExitCode: ExitAborted}, syncerr.New(syncerr.KindConfig, "compile-filters", "", err)
	}

	scanMode := e.scanSymlinkMode()
	if local, ok := e.Src.(*transport.Local); ok {
		local.ScanOptions = scanner.Options{Filter: f, SymlinkMode: scanMode, Logger: e.log}
	}
	if local, ok := e.Dst.(*transport.Local); ok {
		local.ScanOptions = scanner.Options{SymlinkMode: scanMode, Logger: e.log}
	}

	m := metrics.New()

	var fpCache *cache.Cache
	if e.Cfg.FingerprintCachePath != "" {
		fpCache, err = cache.Open(e.Cfg.FingerprintCachePath)
		if err != nil {
			return &Report{ExitCode: ExitAborted}, syncerr.New(syncerr.KindConfig, "open-cache", e.Cfg.FingerprintCachePath, err)
		}
		defer fpCache.Close()
	}

	var jrnl *journal.Journal
	var loadResult journal.LoadResult
	_, localBothSides := e.Src.(*transport.Local)
	_, dstLocal := e.Dst.(*transport.Local)
	localBothSides = localBothSides && dstLocal

	if e.JournalDir != "" && e.Cfg.Resume != ResumeNever {
		journalPath := filepath.Join(e.JournalDir, "syncd-state.json")
		header := journal.Header{
			Version:         journal.FormatVersion,
			SourceRoot:      e.rootOf(e.Src),
			DestRoot:        e.rootOf(e.Dst),
			FlagFingerprint: e.flagFingerprint(),
			StartedAtUnix:   time.Now().Unix(),
		}
		jrnl, loadResult, err = journal.Open(journalPath, header, journal.DefaultCheckpointConfig())
		if err != nil {
			return &Report{ExitCode: ExitAborted}, syncerr.New(syncerr.KindConfig, "open-journal", journalPath, err)
		}
		// Closed exactly once below: Finish on a clean run (which also
		// removes the file), plain Close otherwise so a resumable
		// partial journal is left on disk.
	} else if e.JournalDir != "" && e.Cfg.Resume == ResumeNever {
		os.Remove(filepath.Join(e.JournalDir, "syncd-state.json"))
	}

	planCfg := plan.Config{
		DeleteEnabled:         e.Cfg.DeleteEnabled,
		DeleteThresholdPct:    e.Cfg.DeleteThresholdPct,
		ConfirmBeyondGate:     e.Cfg.ConfirmBeyondGate,
		MtimeTolerance:        e.Cfg.MtimeTolerance,
		DeltaThresholdBytes:   e.Cfg.DeltaThresholdBytes,
		UseContentFingerprint: e.Cfg.UseContentFingerprint || e.Cfg.Mode == executor.ModeVerify || e.Cfg.Mode == executor.ModeParanoid,
		FingerprintKind:       e.Cfg.FingerprintKind,
		LocalBothSides:        localBothSides,
	}

	var planCache plan.Cache
	if fpCache != nil {
		planCache = fpCache
	}

	srcResults := toScanResults(e.Src.List(ctx, ""), f, scanMode == scanner.Preserve && e.Cfg.IncludeSymlinks == SymlinksIgnoreUnsafe)
	dstResults := toScanResults(e.Dst.List(ctx, ""), nil, false)

	items, planErrs, _ := plan.Run(ctx, srcResults, dstResults, planCache, planCfg)

	// plan.Run's error channel is only lightly buffered and must be
	// drained concurrently with items, or a planner carrying more than
	// one scan error would block before ever reaching the work-item loop.
	planErrCh := make(chan error, 1)
	go func() {
		planErrCh <- drainFirst(planErrs)
	}()

	if jrnl != nil && loadResult.Resumed {
		items = skipCompleted(items, loadResult.Completed, e.Cfg.Mode)
	}

	execCfg := executor.Config{
		Workers:         e.Cfg.Workers,
		BandwidthBps:    e.Cfg.BandwidthBps,
		MaxErrors:       e.Cfg.MaxErrors,
		Mode:            e.Cfg.Mode,
		Preserve:        e.Cfg.Preserve,
		FingerprintKind: e.Cfg.FingerprintKind,
		MinBlockSize:    e.Cfg.MinBlockSize,
		MaxBlockSize:    e.Cfg.MaxBlockSize,
		RetryLimit:      e.Cfg.RetryLimit,
		RetryBackoff:    e.Cfg.RetryBackoff,
	}
	ex := executor.New(e.Src, e.Dst, fpCache, jrnl, m, e.log, execCfg)

	res, err := ex.Run(ctx, items)
	if err != nil {
		e.closeJournal(jrnl, false)
		return &Report{ExitCode: ExitAborted, Metrics: m}, err
	}

	if planErr := <-planErrCh; planErr != nil {
		e.closeJournal(jrnl, false)
		return &Report{ExitCode: ExitAborted, Metrics: m}, planErr
	}

	report := &Report{
		Succeeded: res.Succeeded,
		Skipped:   res.Skipped,
		Errors:    res.Errors,
		Metrics:   m,
	}

	switch {
	case res.Cancelled:
		report.ExitCode = ExitCancelled
		e.closeJournal(jrnl, false)
	case len(res.Errors) > 0:
		report.ExitCode = ExitItemErrors
		e.closeJournal(jrnl, false)
	default:
		report.ExitCode = ExitSuccess
		e.closeJournal(jrnl, true)
	}

	return report, nil
}

// closeJournal closes jrnl exactly once: finish (which also removes the
// journal file) on a clean run, plain close otherwise so a resumable
// partial journal is left on disk for the next invocation.
func (e *Engine) closeJournal(jrnl *journal.Journal, finish bool) {
	if jrnl == nil {
		return
	}
	var err error
	if finish {
		err = jrnl.Finish()
	} else {
		err = jrnl.Close()
	}
	if err != nil {
		e.log.Warn("engine: journal close failed", "err", err.Error())
	}
}

// rootOf returns a transport's root path for the journal header's
// stale-journal detection, or "" for a Remote whose root lives on the
// far side of the wire and isn't visible here.
func (e *Engine) rootOf(t transport.Transport) string {
	if local, ok := t.(*transport.Local); ok {
		return local.Root
	}
	return ""
}

func (e *Engine) scanSymlinkMode() scanner.SymlinkMode {
	switch e.Cfg.IncludeSymlinks {
	case SymlinksFollow:
		return scanner.Follow
	case SymlinksSkip:
		return scanner.Skip
	default:
		return scanner.Preserve
	}
}

// flagFingerprint summarizes the flags spec §6.2 says the journal header
// must be keyed on (deletion enabled, filter patterns, size bounds, mode),
// so a changed invocation discards a stale journal instead of silently
// reusing it, per spec §4.11 step 2.
func (e *Engine) flagFingerprint() string {
	s := fmt.Sprintf("%v|%d|%v|%d|%d|%v", e.Cfg.DeleteEnabled, e.Cfg.DeleteThresholdPct, e.Cfg.Filters, e.Cfg.MinSize, e.Cfg.MaxSize, e.Cfg.Mode)
	sum := fingerprint.SumBytes(fingerprint.KindFast, []byte(s))
	return fmt.Sprintf("%x", sum)
}

// toScanResults adapts a transport.ListResult stream into scanner.Result,
// applying f as a defensive re-filter: Local already filters during its
// own scanner.Scan walk, but a Remote transport's agent-side List has no
// channel to receive filter configuration over (spec §6.1's LIST opcode
// carries only a root path), so unfiltered entries from a remote source
// are filtered here instead. Idempotent re-filtering of an already
// filtered local stream costs nothing measurable. When dropUnsafe is set,
// symlink entries whose target escapes the scan root are also dropped.
func toScanResults(in <-chan transport.ListResult, f *filter.Filter, dropUnsafe bool) <-chan scanner.Result {
	out := make(chan scanner.Result)
	go func() {
		defer close(out)
		for res := range in {
			if res.Err != nil {
				out <- scanner.Result{Err: res.Err}
				continue
			}
			ent := res.Entry
			if f != nil && !f.Accept(ent.Path, ent.Kind == entry.KindDirectory, ent.Size) {
				continue
			}
			if dropUnsafe && ent.Kind == entry.KindSymlink && unsafeSymlinkTarget(ent.SymlinkTarget) {
				continue
			}
			out <- scanner.Result{Entry: ent}
		}
	}()
	return out
}

func unsafeSymlinkTarget(target string) bool {
	if filepath.IsAbs(target) {
		return true
	}
	clean := filepath.Clean(target)
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// skipCompleted drops work items whose path the journal already recorded
// as completed in a prior run, per spec §4.11 step 2 ("the planner filters
// these out of the work-item stream"); in verify/paranoid mode, a size
// mismatch against the recorded size re-includes the item instead of
// trusting the stale record.
func skipCompleted(in <-chan plan.WorkItem, completed map[string]journal.Record, mode executor.Mode) <-chan plan.WorkItem {
	out := make(chan plan.WorkItem)
	go func() {
		defer close(out)
		for item := range in {
			rec, ok := completed[item.Path]
			if !ok {
				out <- item
				continue
			}
			if (mode == executor.ModeVerify || mode == executor.ModeParanoid) && item.Src != nil && item.Src.Size != rec.Size {
				out <- item
				continue
			}
		}
	}()
	return out
}

func drainFirst(errs <-chan error) error {
	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
	}
	return first
}
