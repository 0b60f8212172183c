package delta

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// DefaultCompareBlockSize is the aligned-block size used by
// BlockCompareApply, per spec §4.8.2 ("64 KiB typical").
const DefaultCompareBlockSize = 64 * 1024

// BlockCompareApply implements the local same-filesystem fast path (spec
// §4.8.2): clone must already be a reflink clone of the destination,
// opened for read-write. It reads src and clone in aligned blocks, and for
// every block that differs, overwrites the corresponding region of clone
// with the source bytes. If src is shorter than clone, clone is truncated
// to match. The caller is responsible for fsync'ing and renaming clone
// over the destination afterward (that is a transport-level operation,
// not this package's concern).
func BlockCompareApply(src io.Reader, clone *os.File, blockSize int) error {
	if blockSize <= 0 {
		blockSize = DefaultCompareBlockSize
	}

	srcBuf := make([]byte, blockSize)
	dstBuf := make([]byte, blockSize)
	var offset int64

	for {
		sn, serr := io.ReadFull(src, srcBuf)
		if sn == 0 && (serr == io.EOF) {
			break
		}
		if serr != nil && serr != io.EOF && serr != io.ErrUnexpectedEOF {
			return errors.Wrap(serr, "delta: reading source block")
		}

		dn, derr := clone.ReadAt(dstBuf[:sn], offset)
		if derr != nil && derr != io.EOF && dn != sn {
			return errors.Wrap(derr, "delta: reading clone block")
		}

		if dn != sn || !bytes.Equal(srcBuf[:sn], dstBuf[:dn]) {
			if _, err := clone.WriteAt(srcBuf[:sn], offset); err != nil {
				return errors.Wrap(err, "delta: writing differing block to clone")
			}
		}

		offset += int64(sn)
		if serr == io.EOF || serr == io.ErrUnexpectedEOF {
			break
		}
	}

	if err := clone.Truncate(offset); err != nil {
		return errors.Wrap(err, "delta: truncating clone to source length")
	}
	return nil
}
