// Package fingerprint computes content identity hashes used by the planner,
// delta engine, and verifier. Two kinds are exposed: a fast non-cryptographic
// hash suitable for per-block and per-file identity at line-rate, and a
// cryptographic hash for paranoid/verify-mode end-to-end checks.
package fingerprint

import (
	"context"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
	sha256simd "github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Kind identifies which fingerprint algorithm produced a value. It is
// persisted alongside fingerprint bytes (in the cache and in the wire
// protocol) so a consumer never has to guess which algorithm to verify with.
type Kind byte

const (
	// KindFast is the 64-bit non-cryptographic fingerprint (xxh64).
	KindFast Kind = iota + 1
	// KindCryptographic is the 256-bit cryptographic fingerprint (SHA-256).
	KindCryptographic
)

func (k Kind) String() string {
	switch k {
	case KindFast:
		return "fast"
	case KindCryptographic:
		return "cryptographic"
	default:
		return "unknown"
	}
}

// New returns a streaming hash.Hash for the given kind. The fast kind is
// backed by xxh64 (~10GB/s single-core); the cryptographic kind is backed by
// a SIMD-accelerated SHA-256 implementation that also supports the parallel
// tree mode used by Tree.
func New(kind Kind) (hash.Hash, error) {
	switch kind {
	case KindFast:
		return xxhash.New(), nil
	case KindCryptographic:
		return sha256simd.New(), nil
	default:
		return nil, errors.Errorf("fingerprint: unknown kind %d", kind)
	}
}

// Sum streams r through the given fingerprint kind and returns the digest.
func Sum(kind Kind, r io.Reader) ([]byte, error) {
	h, err := New(kind)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, errors.Wrap(err, "fingerprint: failed reading stream")
	}
	return h.Sum(nil), nil
}

// SumBytes is a convenience wrapper around Sum for in-memory data.
func SumBytes(kind Kind, data []byte) []byte {
	h, err := New(kind)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// Tree computes a cryptographic fingerprint over data split into
// independently hashed chunks whose digests are combined, allowing the
// per-chunk hashing to be parallelized across goroutines. It is used for
// whole-file paranoid-mode verification of large files where single-core
// SHA-256 throughput would dominate the transfer time. The combination step
// is deterministic (chunk digests are concatenated in stream order), so Tree
// produces the same result regardless of worker count.
func Tree(r io.Reader, chunkSize int, workers int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = 4 << 20
	}
	if workers <= 0 {
		workers = 1
	}

	var chunks [][]byte
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "fingerprint: tree read failed")
		}
	}

	sums := make([][]byte, len(chunks))
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(workers)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			h := sha256simd.New()
			h.Write(c)
			sums[i] = h.Sum(nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	root := sha256simd.New()
	for _, sum := range sums {
		root.Write(sum)
	}
	return root.Sum(nil), nil
}
