// Package entry defines the file-entry data model produced by the scanner
// and consumed by the planner, per spec §3. Entries are immutable once
// constructed.
package entry

import "time"

// Kind classifies what an entry's path refers to.
type Kind byte

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// HardLinkGroup identifies a set of paths sharing one inode, so the
// planner/executor can preserve hard-link topology. On platforms without a
// native device+inode pair, Device and Inode are left zero and every file is
// its own singleton group.
type HardLinkGroup struct {
	Device uint64
	Inode  uint64
}

// Empty reports whether this is the zero group (no link-sharing known).
func (g HardLinkGroup) Empty() bool { return g.Device == 0 && g.Inode == 0 }

// FingerprintRef names a fingerprint value the scanner may have attached (if
// it was cheap to obtain, e.g. from the fingerprint cache) without forcing
// every entry to carry one.
type FingerprintRef struct {
	Kind  byte // fingerprint.Kind, kept untyped here to avoid an import cycle
	Bytes []byte
}

// Empty reports whether no fingerprint was attached.
func (f FingerprintRef) Empty() bool { return len(f.Bytes) == 0 }

// Entry is an immutable record of one filesystem object as observed during a
// scan. Path is always relative to, and normalized against, the scan root:
// no "." or ".." components, and platform-appropriate separators.
type Entry struct {
	Path string
	Size int64

	// ModTime is nanosecond-resolution modification time.
	ModTime time.Time

	Kind Kind

	// SymlinkTarget is set only when Kind == KindSymlink.
	SymlinkTarget string

	// Mode holds POSIX permission bits (the low 12 bits of os.FileMode,
	// i.e. excluding the type bits which are captured by Kind).
	Mode uint32

	// OwnerID and GroupID are opaque platform identifiers (POSIX uid/gid on
	// POSIX systems; left zero where meaningless).
	OwnerID uint32
	GroupID uint32

	HardLink HardLinkGroup

	// Xattrs maps extended-attribute name to raw value.
	Xattrs map[string][]byte

	// ACL holds opaque access-control entries in platform-native encoding.
	// The core never interprets these; it only round-trips them.
	ACL []byte

	// PlatformFlags holds e.g. BSD chflags bits. Zero where not applicable.
	PlatformFlags uint32

	// AllocatedSize is the on-disk allocation in bytes (block count * block
	// size) when the OS exposes it; 0 means "unknown", not "sparse".
	// AllocatedSize < Size signals a sparse file.
	AllocatedSize int64

	Fingerprint FingerprintRef
}

// IsSparse reports whether the entry's allocation is known to be smaller
// than its logical size.
func (e *Entry) IsSparse() bool {
	return e.Kind == KindRegular && e.AllocatedSize > 0 && e.AllocatedSize < e.Size
}

// SameKind reports whether two entries describe the same kind of object
// (used by the planner to detect file<->dir and regular<->symlink swaps).
func SameKind(a, b *Entry) bool {
	return a.Kind == b.Kind
}
