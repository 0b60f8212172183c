//go:build !linux && !darwin

package scanner

import (
	"os"

	"github.com/c4milo/syncd/entry"
)

// fillPlatformMetadata is a no-op on platforms without POSIX uid/gid/inode
// semantics (e.g. Windows); OwnerID/GroupID/HardLink are left zero, meaning
// "unknown" / "not shared" respectively.
func fillPlatformMetadata(e *entry.Entry, info os.FileInfo) {}
