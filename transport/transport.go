// Package transport defines the uniform filesystem capability set
// described in spec §4.9: list/read/write/stat/mkdir_p/remove/rename/
// set_metadata/fingerprint. Two implementations exist: a local filesystem
// transport (local.go) and a remote agent transport reached over a
// bidirectional byte stream (remote.go), which speaks the framed protocol
// implemented in transport/agent.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/c4milo/syncd/delta"
	"github.com/c4milo/syncd/entry"
	"github.com/c4milo/syncd/fingerprint"
)

// Metadata is the subset of entry.Entry fields that SetMetadata applies to
// an already-written file, per spec §4.9.
type Metadata struct {
	Mode          uint32
	OwnerID       uint32
	GroupID       uint32
	ModTime       time.Time
	Xattrs        map[string][]byte
	ACL           []byte
	PlatformFlags uint32
}

// ListResult mirrors scanner.Result so both transport implementations can
// stream entries uniformly regardless of whether they come from a local
// walk or a remote LIST response.
type ListResult struct {
	Entry *entry.Entry
	Err   error
}

// Transport is the capability set both the local and remote-agent
// implementations satisfy. All methods accept a context so callers can
// enforce the per-operation timeout described in spec §5.
type Transport interface {
	// List streams every entry under root, relative to root.
	List(ctx context.Context, root string) <-chan ListResult

	// Read returns a reader over [offset, offset+length) of path. length
	// < 0 means "to end of file".
	Read(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Write stores everything read from r, up to EOF, as path's new
	// content, atomically: the body lands on a uniquely named sibling first
	// and is renamed into place only once fully written and fsync'd. size
	// is the expected length; it is not checked against the bytes read.
	Write(ctx context.Context, path string, r io.Reader, size int64, mode uint32) error

	// Stat returns path's entry, or an error satisfying
	// syncerr.Is(err, syncerr.KindPath) if it does not exist.
	Stat(ctx context.Context, path string) (*entry.Entry, error)

	MkdirAll(ctx context.Context, path string, mode uint32) error
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	SetMetadata(ctx context.Context, path string, md Metadata) error

	// Symlink creates (or replaces) path as a symbolic link pointing at
	// target, per spec §4.4's KindSymlink strategy.
	Symlink(ctx context.Context, path, target string) error

	// Fingerprint computes path's content fingerprint without requiring
	// the caller to round-trip the file body — the optional capability
	// spec §4.9 calls out explicitly for content comparison across a
	// transport.
	Fingerprint(ctx context.Context, path string, kind fingerprint.Kind) ([]byte, error)

	// Checksums returns path's per-block (weak, strong) pairs, computed
	// on whichever side holds the current content of path, so the other
	// side can run delta.Diff against them without transferring the file.
	Checksums(ctx context.Context, path string, blockSize int, kind fingerprint.Kind) ([]delta.Checksum, error)

	// ApplyDelta reconstructs path from instructions that reference
	// path's own existing blocks (Copy) or carry fresh bytes (Literal),
	// landing the result atomically the same way Write does.
	ApplyDelta(ctx context.Context, path string, blockSize int, instructions []delta.Instruction) error

	// Close releases any underlying connection (a no-op for the local
	// transport).
	Close() error
}
