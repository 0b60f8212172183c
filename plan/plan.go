// Package plan implements the per-file decision of {skip, create, update,
// delete} described in spec §4.7: given two scanned entry sets keyed by
// relative path, it emits a stream of work items consumed exactly once by
// the executor.
package plan

import (
	"context"
	"sort"
	"time"

	"github.com/c4milo/syncd/cache"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/scanner"
	"github.com/c4milo/syncd/syncerr"
)

// Action is what the executor should do with a work item.
type Action int

const (
	ActionSkip Action = iota
	ActionCreate
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "skip"
	}
}

// Strategy is how the executor should carry out a Create/Update action.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyFullCopy
	StrategyRollingDelta
	StrategyLocalBlockCompare
	StrategyReflinkClone
	StrategySymlinkReplace
	StrategyDirectoryCreate
)

func (s Strategy) String() string {
	switch s {
	case StrategyFullCopy:
		return "full_copy"
	case StrategyRollingDelta:
		return "rolling_delta"
	case StrategyLocalBlockCompare:
		return "local_block_compare"
	case StrategyReflinkClone:
		return "reflink_clone"
	case StrategySymlinkReplace:
		return "symlink_replace"
	case StrategyDirectoryCreate:
		return "directory_create"
	default:
		return "none"
	}
}

// WorkItem is the unit the planner emits and the executor consumes exactly
// once, per spec §3.
type WorkItem struct {
	Path     string
	Action   Action
	Src      *entry.Entry
	Dst      *entry.Entry
	Strategy Strategy
}

// Config controls planning decisions; it models the relevant subset of
// spec §6.4's configuration surface.
type Config struct {
	DeleteEnabled        bool
	DeleteThresholdPct   int // 0-100, default 50
	ConfirmBeyondGate     bool
	MtimeTolerance        time.Duration
	DeltaThresholdBytes   int64
	UseContentFingerprint bool
	FingerprintKind       fingerprint.Kind

	// LocalBothSides indicates both source and destination are reachable
	// via a local filesystem transport (enables LocalBlockCompare and
	// ReflinkClone consideration).
	LocalBothSides bool
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		DeleteThresholdPct:  50,
		MtimeTolerance:      time.Second,
		DeltaThresholdBytes: 10 << 20,
		FingerprintKind:     fingerprint.KindFast,
	}
}

// Cache is the subset of cache.Cache the planner needs, kept as an
// interface so tests can substitute a fake without standing up bbolt.
type Cache interface {
	Get(path string, size int64, modTime time.Time) (cache.Fingerprint, bool)
	Put(path string, size int64, modTime time.Time, fp cache.Fingerprint)
}

// Run collects src and dst scan results, merges them by path, and streams
// work items on the returned channel. It buffers both entry sets into
// indexes keyed by path (metadata-only, so this stays small relative to
// tree content) so that {Create, Update, Delete, Skip} decisions can
// reference either side freely; downstream consumption of the resulting
// work-item stream remains the O(workers) streaming boundary described in
// spec §5.
//
// If the deletion-ratio safety gate trips (spec §4.7 last paragraph, §8
// "Safety gate"), the gate error is sent on the error channel and the
// work-item channel is closed with no items emitted. The third return
// value always returns nil; the gate is reported only on the error channel.
func Run(ctx context.Context, src, dst <-chan scanner.Result, fp Cache, cfg Config) (<-chan WorkItem, <-chan error, func() error) {
	out := make(chan WorkItem)
	errs := make(chan error, 1)

	srcIdx, srcErrs := indexResults(src)
	dstIdx, dstErrs := indexResults(dst)

	safety := func() error {
		return nil
	}

	go func() {
		defer close(out)
		defer close(errs)

		for _, e := range srcErrs {
			errs <- e
		}
		for _, e := range dstErrs {
			errs <- e
		}

		paths := unionSortedPaths(srcIdx, dstIdx)

		if cfg.DeleteEnabled && !cfg.ConfirmBeyondGate {
			if err := checkSafetyGate(srcIdx, dstIdx, cfg.DeleteThresholdPct); err != nil {
				errs <- err
				return
			}
		}

		// Directories must precede their children (spec §4.10): since
		// paths are sorted and a directory's path is always a strict
		// prefix of its children's, sorted order already satisfies this.
		var deletions []WorkItem
		for _, p := range paths {
			select {
			case <-ctx.Done():
				return
			default:
			}

			s, sOK := srcIdx[p]
			d, dOK := dstIdx[p]

			item, isDelete := decide(p, s, sOK, d, dOK, fp, cfg)
			if isDelete {
				deletions = append(deletions, item)
				continue
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}

		// Deletions run after all Create/Update items (spec §4.10/§5).
		for _, item := range deletions {
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errs, safety
}

func indexResults(ch <-chan scanner.Result) (map[string]*entry.Entry, []error) {
	idx := make(map[string]*entry.Entry)
	var errs []error
	for res := range ch {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		idx[res.Entry.Path] = res.Entry
	}
	return idx, errs
}

func unionSortedPaths(a, b map[string]*entry.Entry) []string {
	seen := make(map[string]bool, len(a)+len(b))
	paths := make([]string, 0, len(a)+len(b))
	for p := range a {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for p := range b {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

func checkSafetyGate(src, dst map[string]*entry.Entry, thresholdPct int) error {
	if len(dst) == 0 {
		return nil
	}
	toDelete := 0
	for p := range dst {
		if _, ok := src[p]; !ok {
			toDelete++
		}
	}
	pct := toDelete * 100 / len(dst)
	if pct > thresholdPct {
		return syncerr.New(syncerr.KindConfig, "safety-gate", "",
			errSafetyGateExceeded(toDelete, len(dst), thresholdPct))
	}
	return nil
}

func decide(path string, s *entry.Entry, sOK bool, d *entry.Entry, dOK bool, fp Cache, cfg Config) (WorkItem, bool) {
	switch {
	case sOK && !dOK:
		return planCreate(path, s, cfg), false
	case !sOK && dOK:
		if cfg.DeleteEnabled {
			return WorkItem{Path: path, Action: ActionDelete, Dst: d}, true
		}
		return WorkItem{Path: path, Action: ActionSkip, Dst: d}, false
	case sOK && dOK:
		return planUpdateOrSkip(path, s, d, fp, cfg), false
	default:
		return WorkItem{Path: path, Action: ActionSkip}, false
	}
}

func planCreate(path string, s *entry.Entry, cfg Config) WorkItem {
	item := WorkItem{Path: path, Action: ActionCreate, Src: s}
	switch s.Kind {
	case entry.KindDirectory:
		item.Strategy = StrategyDirectoryCreate
	case entry.KindSymlink:
		item.Strategy = StrategySymlinkReplace
	default:
		if cfg.LocalBothSides {
			// A brand new regular file with both roots on the same
			// filesystem can be duplicated with a reflink instead of
			// streamed through Read/Write.
			item.Strategy = StrategyReflinkClone
			break
		}
		item.Strategy = StrategyFullCopy
	}
	return item
}

func planUpdateOrSkip(path string, s, d *entry.Entry, fp Cache, cfg Config) WorkItem {
	if !entry.SameKind(s, d) {
		// The destination object must be replaced outright (e.g. a
		// directory now occupies a path that used to be a regular file);
		// the strategy follows the new, incoming kind.
		item := planCreate(path, s, cfg)
		item.Action = ActionUpdate
		item.Dst = d
		return item
	}

	if s.Kind == entry.KindDirectory {
		return WorkItem{Path: path, Action: ActionSkip, Src: s, Dst: d}
	}

	if s.Kind == entry.KindSymlink {
		if s.SymlinkTarget != d.SymlinkTarget {
			return WorkItem{Path: path, Action: ActionUpdate, Src: s, Dst: d, Strategy: StrategySymlinkReplace}
		}
		return WorkItem{Path: path, Action: ActionSkip, Src: s, Dst: d}
	}

	if s.Size != d.Size {
		return chooseUpdateStrategy(path, s, d, cfg)
	}

	if cfg.UseContentFingerprint {
		equal, err := fingerprintsEqual(s, d, fp, cfg)
		if err == nil {
			if equal {
				return WorkItem{Path: path, Action: ActionSkip, Src: s, Dst: d}
			}
			return chooseUpdateStrategy(path, s, d, cfg)
		}
		// Fall through to mtime comparison on fingerprint failure; the
		// error is the caller's problem to observe via scan/transport
		// error channels elsewhere, not a planning-time abort.
	}

	if absDuration(s.ModTime.Sub(d.ModTime)) > cfg.MtimeTolerance {
		return chooseUpdateStrategy(path, s, d, cfg)
	}

	return WorkItem{Path: path, Action: ActionSkip, Src: s, Dst: d}
}

func chooseUpdateStrategy(path string, s, d *entry.Entry, cfg Config) WorkItem {
	item := WorkItem{Path: path, Action: ActionUpdate, Src: s, Dst: d}

	if cfg.LocalBothSides {
		if d.HardLink.Empty() || linkCountSafe(d) <= 1 {
			if s.Size >= cfg.DeltaThresholdBytes {
				// Large local update: block-compare over a reflink clone
				// is asymptotically cheaper than the rolling-hash path.
				item.Strategy = StrategyLocalBlockCompare
				return item
			}
		}
		item.Strategy = StrategyFullCopy
		return item
	}

	if s.Size >= cfg.DeltaThresholdBytes {
		item.Strategy = StrategyRollingDelta
		return item
	}

	item.Strategy = StrategyFullCopy
	return item
}

func linkCountSafe(e *entry.Entry) uint64 {
	// A non-empty HardLinkGroup only tells us this file *participates* in
	// sharing, not how many links it has; any non-empty group is reported
	// as 2 ("possibly shared"), so such a destination is never given
	// LocalBlockCompare. No actual link count is read here or in the
	// executor. Only an entry with no link info at all counts as 1; the
	// unix scanner always fills in device and inode.
	if e.HardLink.Empty() {
		return 1
	}
	return 2
}

func fingerprintsEqual(s, d *entry.Entry, fp Cache, cfg Config) (bool, error) {
	var sfp, dfp []byte
	if fp != nil {
		if v, ok := fp.Get(s.Path, s.Size, s.ModTime); ok {
			sfp = v.Bytes
		}
	}
	if !s.Fingerprint.Empty() {
		sfp = s.Fingerprint.Bytes
	}
	if fp != nil {
		if v, ok := fp.Get(d.Path, d.Size, d.ModTime); ok {
			dfp = v.Bytes
		}
	}
	if !d.Fingerprint.Empty() {
		dfp = d.Fingerprint.Bytes
	}

	if len(sfp) == 0 || len(dfp) == 0 {
		return false, errMissingFingerprint
	}

	return string(sfp) == string(dfp), nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

var errMissingFingerprint = syncerr.New(syncerr.KindScan, "fingerprint-compare", "", errNoFingerprint{})

type errNoFingerprint struct{}

func (errNoFingerprint) Error() string { return "plan: no fingerprint available for comparison" }

func errSafetyGateExceeded(toDelete, total, threshold int) error {
	return safetyGateError{toDelete: toDelete, total: total, threshold: threshold}
}

type safetyGateError struct {
	toDelete, total, threshold int
}

func (e safetyGateError) Error() string {
	return "plan: deletion ratio exceeds safety threshold"
}

// SafetyGateExceeded reports whether err is a tripped safety gate, so
// callers (e.g. the engine's exit-code mapping) can special-case it.
func SafetyGateExceeded(err error) bool {
	type unwrapper interface{ Unwrap() error }
	for u := err; u != nil; {
		if _, ok := u.(safetyGateError); ok {
			return true
		}
		uw, ok := u.(unwrapper)
		if !ok {
			return false
		}
		u = uw.Unwrap()
	}
	return false
}
