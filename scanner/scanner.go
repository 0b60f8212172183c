// Package scanner produces a lazy, finite stream of file entries rooted at a
// path, per spec §4.4. It honors a filter, detects symlink cycles by
// tracking canonical ancestor paths on the current descent, and captures
// sparse-allocation size when the OS exposes it.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/filter"
	"github.com/c4milo/syncd/fsprobe"
	"github.com/c4milo/syncd/syncerr"
	"github.com/c4milo/syncd/synclog"
)

// SymlinkMode controls how the scanner treats symbolic links.
type SymlinkMode int

const (
	// Preserve emits the symlink itself as a KindSymlink entry (default).
	Preserve SymlinkMode = iota
	// Follow dereferences symlinks and emits what they point to.
	Follow
	// Skip omits symlinks from the stream entirely.
	Skip
)

// Result is one item of the scan stream: either a valid entry or a
// per-path scan error (per spec §4.12, scan errors are recorded and
// scanning continues).
type Result struct {
	Entry *entry.Entry
	Err   error
}

// Options configures a scan.
type Options struct {
	Filter         *filter.Filter
	SymlinkMode    SymlinkMode
	Logger         synclog.Logger
	// SizeHint, when > 0, pre-sizes the output buffering for a modest
	// efficiency win, per spec §4.4 ("pre-allocates its output container
	// with a capacity hint when a parent size is known").
	SizeHint int
}

// Scan walks root and streams entries on the returned channel, closing it
// when the walk completes, the context is cancelled, or an unrecoverable
// error occurs. The channel is unbuffered beyond a small pre-allocation
// hint so memory stays O(depth), not O(tree size).
func Scan(ctx context.Context, root string, opts Options) <-chan Result {
	bufSize := 64
	if opts.SizeHint > 0 && opts.SizeHint < 4096 {
		bufSize = opts.SizeHint
	}
	out := make(chan Result, bufSize)

	logger := opts.Logger
	if logger == nil {
		logger = synclog.Noop()
	}

	s := &walker{
		ctx:     ctx,
		root:    root,
		opts:    opts,
		out:     out,
		visited: make(map[string]bool),
		logger:  logger,
	}

	go func() {
		defer close(out)
		canonical, err := filepath.EvalSymlinks(root)
		if err != nil {
			out <- Result{Err: syncerr.New(syncerr.KindScan, "eval-root-symlinks", root, err)}
			return
		}
		s.visited[canonical] = true
		s.walk("", root)
	}()

	return out
}

type walker struct {
	ctx     context.Context
	root    string
	opts    Options
	out     chan<- Result
	visited map[string]bool
	logger  synclog.Logger
}

// walk recurses into dir (absolute path), reporting entries with paths
// relative to the scan root via relPath.
func (s *walker) walk(relPath, absPath string) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	infos, err := readDirSorted(absPath)
	if err != nil {
		s.emit(Result{Err: syncerr.New(syncerr.KindScan, "readdir", absPath, err)})
		return
	}

	for _, de := range infos {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		childRel := joinRel(relPath, de.Name())
		childAbs := filepath.Join(absPath, de.Name())

		e, descend, err := s.buildEntry(childRel, childAbs, de)
		if err != nil {
			s.emit(Result{Err: syncerr.New(syncerr.KindScan, "stat", childAbs, err)})
			continue
		}
		if e == nil {
			// Filtered out, or a skipped symlink.
			continue
		}

		if !s.opts.accept(e) {
			continue
		}

		s.emit(Result{Entry: e})

		if descend {
			s.walk(childRel, childAbs)
		}
	}
}

func (o Options) accept(e *entry.Entry) bool {
	if o.Filter == nil {
		return true
	}
	return o.Filter.Accept(e.Path, e.Kind == entry.KindDirectory, e.Size)
}

// buildEntry stats childAbs and builds its Entry. It returns (nil, false,
// nil) when the entry should simply be omitted (filtered symlink, cycle).
func (s *walker) buildEntry(rel, abs string, de os.DirEntry) (*entry.Entry, bool, error) {
	info, err := de.Info()
	if err != nil {
		return nil, false, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return s.buildSymlinkEntry(rel, abs, info)
	}

	if info.IsDir() {
		canonical, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, false, err
		}
		if s.visited[canonical] {
			s.logger.Warn("scanner: symlink cycle detected, skipping subtree",
				"path", rel, "canonical", canonical)
			return nil, false, nil
		}
		s.visited[canonical] = true

		e := &entry.Entry{
			Path:    rel,
			Kind:    entry.KindDirectory,
			ModTime: info.ModTime(),
			Mode:    uint32(info.Mode().Perm()),
		}
		fillPlatformMetadata(e, info)
		return e, true, nil
	}

	e := &entry.Entry{
		Path:    rel,
		Size:    info.Size(),
		Kind:    entry.KindRegular,
		ModTime: info.ModTime(),
		Mode:    uint32(info.Mode().Perm()),
	}
	fillPlatformMetadata(e, info)
	fillAllocatedSize(e, abs, info)
	return e, false, nil
}

func (s *walker) buildSymlinkEntry(rel, abs string, info os.FileInfo) (*entry.Entry, bool, error) {
	switch s.opts.SymlinkMode {
	case Skip:
		return nil, false, nil
	case Follow:
		target, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, false, err
		}
		targetInfo, err := os.Stat(target)
		if err != nil {
			return nil, false, err
		}
		if targetInfo.IsDir() {
			if s.visited[target] {
				s.logger.Warn("scanner: symlink cycle detected, skipping subtree",
					"path", rel, "canonical", target)
				return nil, false, nil
			}
			s.visited[target] = true
			e := &entry.Entry{
				Path:    rel,
				Kind:    entry.KindDirectory,
				ModTime: targetInfo.ModTime(),
				Mode:    uint32(targetInfo.Mode().Perm()),
			}
			return e, true, nil
		}
		e := &entry.Entry{
			Path:    rel,
			Size:    targetInfo.Size(),
			Kind:    entry.KindRegular,
			ModTime: targetInfo.ModTime(),
			Mode:    uint32(targetInfo.Mode().Perm()),
		}
		return e, false, nil
	default: // Preserve
		linkTarget, err := os.Readlink(abs)
		if err != nil {
			return nil, false, err
		}
		e := &entry.Entry{
			Path:          rel,
			Kind:          entry.KindSymlink,
			SymlinkTarget: linkTarget,
			ModTime:       info.ModTime(),
			Mode:          uint32(info.Mode().Perm()),
		}
		return e, false, nil
	}
}

func (s *walker) emit(r Result) {
	select {
	case s.out <- r:
	case <-s.ctx.Done():
	}
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func readDirSorted(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scanner: readdir %q", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}
