// Package fsprobe detects filesystem capabilities relevant to strategy
// selection: whether a path's filesystem supports cheap COW reflink
// cloning, whether two paths share a filesystem, a file's hard-link count,
// and its sparse data-region layout. Per spec §4.3/§9, detection is
// platform-specific and isolated behind this package's functions; none of
// its results are used for correctness checks, only for picking the
// cheapest equivalent strategy.
package fsprobe

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Capabilities describes what a filesystem, identified by a probed path,
// supports. Results are cached per filesystem (keyed by device ID) since a
// single run touches many paths on the same few filesystems.
type Capabilities struct {
	// Device is the filesystem's device identifier.
	Device uint64
	// ReflinkCapable reports whether COW reflink cloning is supported.
	ReflinkCapable bool
	// SparseHoleSeek reports whether SEEK_DATA/SEEK_HOLE are supported.
	SparseHoleSeek bool
}

var (
	cacheMu sync.RWMutex
	cache   = map[uint64]Capabilities{}
)

// Probe returns the capabilities of the filesystem containing path,
// consulting (and populating) the per-filesystem cache.
func Probe(path string) (Capabilities, error) {
	dev, err := deviceID(path)
	if err != nil {
		return Capabilities{}, errors.Wrapf(err, "fsprobe: stat %q", path)
	}

	cacheMu.RLock()
	if c, ok := cache[dev]; ok {
		cacheMu.RUnlock()
		return c, nil
	}
	cacheMu.RUnlock()

	c := Capabilities{
		Device:         dev,
		ReflinkCapable: probeReflink(path),
		SparseHoleSeek: probeHoleSeek(path),
	}

	cacheMu.Lock()
	cache[dev] = c
	cacheMu.Unlock()

	return c, nil
}

// Reset clears the capability cache. Exposed for tests.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[uint64]Capabilities{}
}

// SameDevice reports whether two paths reside on the same filesystem.
func SameDevice(a, b string) (bool, error) {
	da, err := deviceID(a)
	if err != nil {
		return false, errors.Wrapf(err, "fsprobe: stat %q", a)
	}
	db, err := deviceID(b)
	if err != nil {
		return false, errors.Wrapf(err, "fsprobe: stat %q", b)
	}
	return da == db, nil
}

// LinkCount returns the hard-link count of path.
func LinkCount(path string) (uint64, error) {
	n, err := linkCount(path)
	if err != nil {
		return 0, errors.Wrapf(err, "fsprobe: stat %q", path)
	}
	return n, nil
}

// statErrNotExist lets callers distinguish "file absent" (common and
// expected when probing a destination that doesn't exist yet) from real
// I/O failures without importing os in every caller.
func statErrNotExist(err error) bool {
	return os.IsNotExist(err)
}

// IsNotExist reports whether err indicates a missing path.
func IsNotExist(err error) bool { return statErrNotExist(err) }
