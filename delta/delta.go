// Package delta implements the rolling-hash block-match algorithm described
// in spec §4.8.1: given the destination's block checksums, it computes a
// byte-minimal reconstruction script (a sequence of Copy/Literal
// instructions) from the source, following the classical rsync algorithm
// (https://www.samba.org/~tridge/phd_thesis.pdf) that gsync's
// BlockSignature/BlockOperation/LookUpTable shape is descended from, but
// operating at true byte granularity rather than gsync's simplified
// chunk-at-a-time comparison.
package delta

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/c4milo/syncd/fingerprint"
	"github.com/c4milo/syncd/rollsum"
)

// MinBlockSize and MaxBlockSize bound the block size heuristic, matching
// spec.md's stated typical range.
const (
	MinBlockSize = 1024
	MaxBlockSize = 64 * 1024
)

// BlockSize returns the block size to use for a file of the given length:
// the rounded square root of the file size, clamped to [MinBlockSize,
// MaxBlockSize].
func BlockSize(fileSize int64) int {
	if fileSize <= 0 {
		return MinBlockSize
	}
	b := int(math.Round(math.Sqrt(float64(fileSize))))
	if b < MinBlockSize {
		return MinBlockSize
	}
	if b > MaxBlockSize {
		return MaxBlockSize
	}
	return b
}

// Checksum is the (weak, strong) pair for one destination block, per spec
// §3 "Block checksum pair".
type Checksum struct {
	Index  int
	Weak   uint32
	Strong []byte
	Length int
}

// Checksums partitions r into contiguous blocks of blockSize (the last may
// be shorter) and computes the (weak, strong) pair for each, in order. This
// runs on the receiver (destination) side.
func Checksums(r io.Reader, blockSize int, kind fingerprint.Kind) ([]Checksum, error) {
	if blockSize <= 0 {
		return nil, errors.New("delta: block size must be positive")
	}
	var sums []Checksum
	buf := make([]byte, blockSize)
	index := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			sums = append(sums, Checksum{
				Index:  index,
				Weak:   rollsum.Block(block),
				Strong: fingerprint.SumBytes(kind, block),
				Length: n,
			})
			index++
		}
		if err == io.EOF {
			return sums, nil
		}
		if err == io.ErrUnexpectedEOF {
			return sums, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "delta: reading block for checksum")
		}
	}
}

// Op identifies a delta instruction's kind.
type Op byte

const (
	// OpCopy reuses an existing destination block.
	OpCopy Op = iota
	// OpLiteral inserts fresh bytes.
	OpLiteral
)

// Instruction is one step of a delta: either "copy block BlockIndex
// (Length bytes)" or "insert these Literal bytes", per spec §3.
type Instruction struct {
	Op         Op
	BlockIndex int
	Length     int
	Literal    []byte
}

func buildTable(sums []Checksum) map[uint32][]Checksum {
	table := make(map[uint32][]Checksum, len(sums))
	for _, s := range sums {
		table[s.Weak] = append(table[s.Weak], s)
	}
	return table
}

// maxLiteralBuffer bounds how much unmatched data accumulates before being
// flushed, per spec §4.8.1 "the literal buffer is emitted periodically so
// its growth is bounded".
const maxLiteralBuffer = 256 * 1024

// Diff computes the instruction sequence to reconstruct src given the
// destination's checksums, streaming instructions on the returned channel
// as they are produced so the sender never buffers the whole source in
// memory (working memory is O(blockSize) plus the bounded literal buffer).
func Diff(ctx context.Context, src io.Reader, sums []Checksum, blockSize int, kind fingerprint.Kind) (<-chan Instruction, <-chan error) {
	out := make(chan Instruction)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		table := buildTable(sums)
		br := bufio.NewReaderSize(src, blockSize+1)

		window := make([]byte, 0, blockSize)
		for len(window) < blockSize {
			b, err := br.ReadByte()
			if err == io.EOF {
				break
			}
			if err != nil {
				errc <- errors.Wrap(err, "delta: reading initial window")
				return
			}
			window = append(window, b)
		}

		var rs *rollsum.Hash
		if len(window) > 0 {
			rs = rollsum.New(window)
		}

		var literal []byte
		emit := func(ins Instruction) bool {
			select {
			case out <- ins:
				return true
			case <-ctx.Done():
				errc <- ctx.Err()
				return false
			}
		}
		flushLiteral := func() bool {
			if len(literal) == 0 {
				return true
			}
			ok := emit(Instruction{Op: OpLiteral, Literal: literal})
			literal = nil
			return ok
		}

		for len(window) > 0 {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			weak := rs.Sum()
			var matched *Checksum
			if candidates, ok := table[weak]; ok {
				for i := range candidates {
					c := &candidates[i]
					if c.Length != len(window) {
						continue
					}
					if bytes.Equal(fingerprint.SumBytes(kind, window), c.Strong) {
						matched = c
						break
					}
				}
			}

			if matched != nil {
				if !flushLiteral() {
					return
				}
				if !emit(Instruction{Op: OpCopy, BlockIndex: matched.Index, Length: matched.Length}) {
					return
				}

				next := make([]byte, 0, blockSize)
				for len(next) < blockSize {
					b, err := br.ReadByte()
					if err == io.EOF {
						break
					}
					if err != nil {
						errc <- errors.Wrap(err, "delta: refilling window after match")
						return
					}
					next = append(next, b)
				}
				window = next
				if len(window) > 0 {
					rs = rollsum.New(window)
				}
				continue
			}

			literal = append(literal, window[0])
			if len(literal) >= maxLiteralBuffer {
				if !flushLiteral() {
					return
				}
			}

			b, err := br.ReadByte()
			if err == io.EOF {
				window = window[1:]
				if len(window) > 0 {
					// Tail shrink: recompute from scratch. This only
					// happens within the last block of the file, a
					// bounded amount of extra work, not a per-byte cost
					// over the whole stream.
					rs = rollsum.New(window)
				}
				continue
			}
			if err != nil {
				errc <- errors.Wrap(err, "delta: reading next byte")
				return
			}
			old := window[0]
			window = append(window[1:], b)
			rs.Roll(old, b)
		}

		flushLiteral()
	}()

	return out, errc
}
