//go:build linux

package transport

import "golang.org/x/sys/unix"

// applyXattrs sets each named extended attribute on path, per spec §6.4's
// "preserve: xattrs" flag. It does not remove attributes present on the
// destination but absent from md.Xattrs; the spec's content-equivalence
// guarantee is about the source's recorded attributes being reproduced, not
// about scrubbing ones a prior run left behind.
func applyXattrs(path string, xattrs map[string][]byte) error {
	for name, val := range xattrs {
		if err := unix.Setxattr(path, name, val, 0); err != nil {
			return err
		}
	}
	return nil
}

// applyPlatformFlags is a no-op on Linux: the BSD-style chflags bits spec
// §3 mentions ("platform flags (e.g., BSD flags)") have no Linux analogue,
// so there is nothing to apply here and the scanner never populates
// non-zero PlatformFlags on this platform.
func applyPlatformFlags(path string, flags uint32) error {
	return nil
}
