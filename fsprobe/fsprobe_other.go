//go:build !linux

package fsprobe

import "os"

// deviceID falls back to a stat-based best effort; without a native device
// identifier we return a constant. This makes SameDevice report "same" for
// any two existing paths, but that's harmless here since probeReflink
// always reports false on this build, so no COW-dependent strategy is ever
// selected on the strength of SameDevice alone.
func deviceID(path string) (uint64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	return 0, nil
}

func linkCount(path string) (uint64, error) {
	// Hard-link preservation is a POSIX-specific concern; on platforms
	// without cheap link-count access we report 1 (no sharing), which is
	// always a safe (if possibly suboptimal) answer.
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	return 1, nil
}

// probeReflink conservatively reports no COW support on platforms where
// detection isn't implemented, per spec §4.3's "unknown filesystems are
// treated as non-COW".
func probeReflink(path string) bool {
	return false
}

func probeHoleSeek(path string) bool {
	return false
}

// Clone is unavailable on this platform; callers must check
// Capabilities.ReflinkCapable before calling it. Kept as a function (rather
// than omitted) so the executor's cloneInto compiles unconditionally.
func Clone(dstFd, srcFd uintptr) error {
	return errUnsupported
}

var errUnsupported = &unsupportedError{}

type unsupportedError struct{}

func (*unsupportedError) Error() string { return "fsprobe: reflink clone unsupported on this platform" }
