//go:build linux

package fsprobe

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func dataRegionsViaHoleSeek(f *os.File, size int64) ([]Region, bool) {
	fd := int(f.Fd())
	var regions []Region
	var offset int64

	for offset < size {
		dataStart, err := unix.Seek(fd, offset, unix.SEEK_DATA)
		if err != nil {
			if err == unix.ENXIO {
				// No more data after offset.
				break
			}
			return nil, false
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			if err == unix.ENXIO {
				holeStart = size
			} else {
				return nil, false
			}
		}

		regions = append(regions, Region{Offset: dataStart, Length: holeStart - dataStart})
		offset = holeStart
	}

	// Restore the file offset; SEEK_DATA/SEEK_HOLE mutate it.
	_, _ = f.Seek(0, io.SeekStart)

	return regions, true
}
