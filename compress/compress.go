// Package compress provides two stream compressors for wire traffic: a
// fast, low-ratio compressor for the common case, and a ratio-oriented
// compressor for bandwidth-starved links. It also exposes a cheap
// compressibility probe so a sender can skip compression entirely on data
// that won't benefit from it (already compressed media, encrypted blobs,
// etc). The remote transport is the only caller; it picks Fast or None by
// the probe and never selects Ratio.
package compress

import (
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Algorithm selects which compressor a stream uses.
type Algorithm byte

const (
	// None disables compression entirely.
	None Algorithm = iota
	// Fast is s2 (a Snappy-compatible, ~1-10GB/s extension of it).
	Fast
	// Ratio is zstd at a ratio-favoring level.
	Ratio
)

// defaultZstdLevel favors ratio over speed. It is the level NewWriter uses
// for Ratio; NewWriter takes no option to change it.
const defaultZstdLevel = zstd.SpeedBetterCompression

// NewWriter wraps w with the chosen algorithm's streaming compressor.
// Callers must Close the returned writer to flush trailing data.
func NewWriter(algo Algorithm, w io.Writer) (io.WriteCloser, error) {
	switch algo {
	case None:
		return nopWriteCloser{w}, nil
	case Fast:
		return s2.NewWriter(w), nil
	case Ratio:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(defaultZstdLevel))
	default:
		return nil, errors.Errorf("compress: unknown algorithm %d", algo)
	}
}

// NewReader wraps r with the chosen algorithm's streaming decompressor.
func NewReader(algo Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch algo {
	case None:
		return io.NopCloser(r), nil
	case Fast:
		return io.NopCloser(s2.NewReader(r)), nil
	case Ratio:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "compress: failed creating zstd reader")
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, errors.Errorf("compress: unknown algorithm %d", algo)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// sampleSize is how much of a literal stream's head the probe inspects.
// Large enough to amortize s2's own framing overhead, small enough that the
// probe cost is negligible next to the transfer itself.
const sampleSize = 32 * 1024

// probeCompressibleRatio is the maximum (compressed/original) ratio below
// which a sample is considered worth compressing. Content that only shrinks
// a little (already-compressed media, ciphertext) isn't worth the CPU.
const probeCompressibleRatio = 0.92

// ProbeCompressible reports whether the given sample is likely to benefit
// from compression, by running it through the fast compressor and comparing
// sizes. It never consumes more than sampleSize bytes of the slice.
func ProbeCompressible(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	encoded := s2.Encode(nil, sample)
	ratio := float64(len(encoded)) / float64(len(sample))
	return ratio < probeCompressibleRatio
}
