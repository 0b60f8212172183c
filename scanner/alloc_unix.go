//go:build linux || darwin

package scanner

import (
	"os"
	"syscall"

	"github.com/c4milo/syncd/entry"
)

// allocationBlockSize is the traditional 512-byte unit st_blocks counts in,
// regardless of the filesystem's actual block size.
const allocationBlockSize = 512

func fillAllocatedSize(e *entry.Entry, path string, info os.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	e.AllocatedSize = int64(st.Blocks) * allocationBlockSize
}
