//go:build linux || darwin

package scanner

import (
	"os"
	"syscall"

	"github.com/c4milo/syncd/entry"
)

func fillPlatformMetadata(e *entry.Entry, info os.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	e.OwnerID = st.Uid
	e.GroupID = st.Gid
	e.HardLink = entry.HardLinkGroup{
		Device: uint64(st.Dev),
		Inode:  uint64(st.Ino),
	}
}
