package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/c4milo/syncd/delta"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/scanner"
	"github.com/c4milo/syncd/syncerr"
)

// tmpSuffix marks an in-flight body write, per spec §4.9/§6.2 ("a reserved
// suffix such as .tmp-<random>").
const tmpSuffix = ".tmp-"

// Local implements Transport against a filesystem rooted at Root. All
// paths passed to its methods are relative to Root, matching the entries
// the scanner produces.
type Local struct {
	Root string

	// ScanOptions configures List's underlying scanner.Scan call (filter,
	// symlink handling, logging). The zero value scans everything with
	// scanner's defaults, matching this type's behavior before callers
	// had a way to set it.
	ScanOptions scanner.Options
}

// NewLocal returns a Local transport rooted at root.
func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.Root, path)
}

// AbsPath exposes the rooted path for path, for callers (e.g. the executor's
// reflink-clone and local-block-compare strategies) that need to open both
// sides of a sync with plain os.File calls instead of going through
// Transport's streaming methods.
func (l *Local) AbsPath(path string) string {
	return l.abs(path)
}

// CleanStaleTemps removes orphaned ".tmp-<random>" write siblings left
// behind by a Write that didn't complete (process kill mid-transfer), per
// spec §6.2's crash-recovery requirement. It should be called once at
// startup before a sync begins.
func (l *Local) CleanStaleTemps() error {
	return filepath.Walk(l.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if strings.Contains(filepath.Base(path), tmpSuffix) {
			os.Remove(path)
		}
		return nil
	})
}

func (l *Local) List(ctx context.Context, root string) <-chan ListResult {
	out := make(chan ListResult)
	scanRoot := l.abs(root)
	go func() {
		defer close(out)
		for res := range scanner.Scan(ctx, scanRoot, l.ScanOptions) {
			select {
			case out <- ListResult{Entry: res.Entry, Err: res.Err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (l *Local) Read(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, classifyPathErr("read", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, syncerr.New(syncerr.KindPath, "read-seek", path, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: io.LimitReader(f, length), Closer: f}, nil
}

// Write lands r atomically via a scoped temp sibling: write, fsync, rename.
// The temp file is removed if the operation does not complete.
func (l *Local) Write(ctx context.Context, path string, r io.Reader, size int64, mode uint32) error {
	dst := l.abs(path)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return syncerr.New(syncerr.KindPath, "write-mkdir", path, err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(dst)+tmpSuffix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.FileMode(mode))
	if err != nil {
		return syncerr.New(syncerr.KindPath, "write-create-temp", path, err)
	}

	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return syncerr.New(syncerr.KindTransport, "write-copy", path, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return syncerr.New(syncerr.KindTransport, "write-sync", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return syncerr.New(syncerr.KindTransport, "write-close", path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		// Decision recorded in DESIGN.md: rename-over-busy is classified
		// uniformly as non-retryable, regardless of platform cause.
		return syncerr.New(syncerr.KindPermission, "write-rename", path, err)
	}
	return nil
}

func (l *Local) Stat(ctx context.Context, path string) (*entry.Entry, error) {
	info, err := os.Lstat(l.abs(path))
	if err != nil {
		return nil, classifyPathErr("stat", path, err)
	}

	e := &entry.Entry{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    uint32(info.Mode().Perm()),
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		e.Kind = entry.KindSymlink
		target, err := os.Readlink(l.abs(path))
		if err != nil {
			return nil, syncerr.New(syncerr.KindPath, "stat-readlink", path, err)
		}
		e.SymlinkTarget = target
	case info.IsDir():
		e.Kind = entry.KindDirectory
	case info.Mode().IsRegular():
		e.Kind = entry.KindRegular
	default:
		e.Kind = entry.KindOther
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.OwnerID = st.Uid
		e.GroupID = st.Gid
		e.HardLink = entry.HardLinkGroup{Device: uint64(st.Dev), Inode: uint64(st.Ino)}
	}

	return e, nil
}

func (l *Local) MkdirAll(ctx context.Context, path string, mode uint32) error {
	if err := os.MkdirAll(l.abs(path), os.FileMode(mode)); err != nil {
		return syncerr.New(syncerr.KindPath, "mkdir", path, err)
	}
	return nil
}

func (l *Local) Remove(ctx context.Context, path string) error {
	if err := os.RemoveAll(l.abs(path)); err != nil {
		return syncerr.New(syncerr.KindPath, "remove", path, err)
	}
	return nil
}

func (l *Local) Rename(ctx context.Context, from, to string) error {
	if err := os.Rename(l.abs(from), l.abs(to)); err != nil {
		return syncerr.New(syncerr.KindPermission, "rename", from, err)
	}
	return nil
}

// SetMetadata always applies mode, applies owner when either id is non-zero
// and mtime when it is set, and applies xattrs/platform flags (when
// present) on a platform-specific basis (applyXattrs/
// applyPlatformFlags, build-tag split like fsprobe). md.ACL is deliberately
// not applied: POSIX ACLs need a real ACL library (setfacl-equivalent
// syscalls aren't exposed by golang.org/x/sys/unix as a settable blob, and
// no example repo in the corpus carries an ACL library), so ACL
// preservation is a scoped limitation of the local transport rather than a
// silently-dropped feature — see DESIGN.md.
func (l *Local) SetMetadata(ctx context.Context, path string, md Metadata) error {
	abs := l.abs(path)
	if err := os.Chmod(abs, os.FileMode(md.Mode)); err != nil {
		return syncerr.New(syncerr.KindPermission, "set-metadata-chmod", path, err)
	}
	if md.OwnerID != 0 || md.GroupID != 0 {
		if err := os.Chown(abs, int(md.OwnerID), int(md.GroupID)); err != nil {
			return syncerr.New(syncerr.KindPermission, "set-metadata-chown", path, err)
		}
	}
	if len(md.Xattrs) > 0 {
		if err := applyXattrs(abs, md.Xattrs); err != nil {
			return syncerr.New(syncerr.KindPermission, "set-metadata-xattrs", path, err)
		}
	}
	if md.PlatformFlags != 0 {
		if err := applyPlatformFlags(abs, md.PlatformFlags); err != nil {
			return syncerr.New(syncerr.KindPermission, "set-metadata-platform-flags", path, err)
		}
	}
	if !md.ModTime.IsZero() {
		if err := os.Chtimes(abs, time.Now(), md.ModTime); err != nil {
			return syncerr.New(syncerr.KindPath, "set-metadata-chtimes", path, err)
		}
	}
	return nil
}

func (l *Local) Fingerprint(ctx context.Context, path string, kind fingerprint.Kind) ([]byte, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, classifyPathErr("fingerprint", path, err)
	}
	defer f.Close()
	sum, err := fingerprint.Sum(kind, f)
	if err != nil {
		return nil, syncerr.New(syncerr.KindIntegrity, "fingerprint", path, err)
	}
	return sum, nil
}

// Symlink creates path as a symlink pointing at target, replacing any
// existing entry at path first so the operation is idempotent.
func (l *Local) Symlink(ctx context.Context, path, target string) error {
	abs := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return syncerr.New(syncerr.KindPath, "symlink-mkdir", path, err)
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return syncerr.New(syncerr.KindPath, "symlink-remove-existing", path, err)
	}
	if err := os.Symlink(target, abs); err != nil {
		return syncerr.New(syncerr.KindPath, "symlink", path, err)
	}
	return nil
}

// Checksums computes path's per-block (weak, strong) pairs so a remote
// sender can diff against them without ever reading path's full content.
func (l *Local) Checksums(ctx context.Context, path string, blockSize int, kind fingerprint.Kind) ([]delta.Checksum, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, classifyPathErr("checksums", path, err)
	}
	defer f.Close()
	sums, err := delta.Checksums(f, blockSize, kind)
	if err != nil {
		return nil, syncerr.New(syncerr.KindIntegrity, "checksums", path, err)
	}
	return sums, nil
}

// ApplyDelta reconstructs path from instructions referencing path's own
// pre-delta blocks, landing the result atomically via the same temp-then-
// rename sequence Write uses.
func (l *Local) ApplyDelta(ctx context.Context, path string, blockSize int, instructions []delta.Instruction) error {
	dst := l.abs(path)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return syncerr.New(syncerr.KindPath, "apply-delta-mkdir", path, err)
	}

	old, err := os.Open(dst)
	if err != nil && !os.IsNotExist(err) {
		return syncerr.New(syncerr.KindPath, "apply-delta-open-old", path, err)
	}
	if old != nil {
		defer old.Close()
	} else {
		old, _ = os.Open(os.DevNull)
		defer old.Close()
	}

	tmp := filepath.Join(dir, "."+filepath.Base(dst)+tmpSuffix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return syncerr.New(syncerr.KindPath, "apply-delta-create-temp", path, err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	insc := make(chan delta.Instruction, len(instructions))
	for _, ins := range instructions {
		insc <- ins
	}
	close(insc)
	errc := make(chan error)
	close(errc)

	if err := delta.Apply(old, insc, errc, blockSize, f); err != nil {
		cleanup()
		return syncerr.New(syncerr.KindIntegrity, "apply-delta", path, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return syncerr.New(syncerr.KindTransport, "apply-delta-sync", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return syncerr.New(syncerr.KindTransport, "apply-delta-close", path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return syncerr.New(syncerr.KindPermission, "apply-delta-rename", path, err)
	}
	return nil
}

func (l *Local) Close() error { return nil }

func classifyPathErr(op, path string, err error) error {
	if os.IsNotExist(err) {
		return syncerr.New(syncerr.KindPath, op, path, err)
	}
	if os.IsPermission(err) {
		return syncerr.New(syncerr.KindPermission, op, path, err)
	}
	return syncerr.New(syncerr.KindScan, op, path, err)
}
