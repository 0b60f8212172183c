package fsprobe

import "os"

// Region is a contiguous byte range known to hold data (as opposed to a
// hole). Offsets are relative to the start of the file.
type Region struct {
	Offset, Length int64
}

// DataRegions enumerates the data regions of f using hole-seek primitives
// when the filesystem supports them, falling back to treating the whole
// file as one data region (the safe, always-correct default) otherwise.
// Callers needing true zero-detection on filesystems without hole-seek
// should use ZeroBlockRegions instead.
func DataRegions(f *os.File, size int64) ([]Region, error) {
	if size == 0 {
		return nil, nil
	}

	regions, ok := dataRegionsViaHoleSeek(f, size)
	if ok {
		return regions, nil
	}
	return []Region{{Offset: 0, Length: size}}, nil
}

// ZeroBlockRegions scans r in blockSize chunks and returns the regions that
// are not entirely zero, for filesystems where hole-seek is unsupported.
// This is the §4.8.3 fallback path.
func ZeroBlockRegions(f *os.File, size int64, blockSize int64) ([]Region, error) {
	if blockSize <= 0 {
		blockSize = 64 * 1024
	}

	var regions []Region
	buf := make([]byte, blockSize)
	var offset int64
	var runStart int64 = -1

	flush := func(end int64) {
		if runStart >= 0 {
			regions = append(regions, Region{Offset: runStart, Length: end - runStart})
			runStart = -1
		}
	}

	for offset < size {
		n, err := f.ReadAt(buf, offset)
		if n > 0 {
			if !allZero(buf[:n]) {
				if runStart < 0 {
					runStart = offset
				}
			} else {
				flush(offset)
			}
			offset += int64(n)
		}
		if err != nil {
			break
		}
	}
	flush(offset)

	return regions, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
