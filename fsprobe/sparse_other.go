//go:build !linux

package fsprobe

import "os"

func dataRegionsViaHoleSeek(f *os.File, size int64) ([]Region, bool) {
	return nil, false
}
