// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rollsum implements the classical additive 32-bit rolling checksum
// used by rsync-style delta algorithms, as described in
// https://www.samba.org/~tridge/phd_thesis.pdf. Its output is byte-for-byte
// identical to the algorithm rsync itself uses, so block lists produced by
// one implementation match those expected by the other.
package rollsum

// mod is the modulus from the rsync thesis: the largest prime below 2^16.
// Using it (rather than a power of two) keeps us interoperable with
// destinations whose block lists were produced by an rsync-style tool.
const mod = 65521

// Hash is a rolling checksum. Its entire state is the two accumulators and
// the window length - nothing else. An implementation that keeps a copy of
// the window is O(n) per shift instead of O(1) and is non-conformant.
type Hash struct {
	a, b uint32
	n    uint32
}

// New creates a rolling hash initialized over the given window.
func New(window []byte) *Hash {
	h := &Hash{}
	h.Reset(window)
	return h
}

// Reset re-initializes the hash from scratch over a new window, reusing the
// Hash value. This is the non-incremental "cold" computation; Roll is the
// O(1) incremental update used thereafter.
func (h *Hash) Reset(window []byte) {
	n := uint32(len(window))
	var a, b uint32
	for i, c := range window {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	h.a = a % mod
	h.b = b % mod
	h.n = n
}

// Roll slides the window forward by one byte: old leaves the window at its
// front, new enters at its back. Window length is unchanged. This is the
// hot path and must stay O(1): two modular subtractions, two additions.
func (h *Hash) Roll(old, new byte) {
	n := int64(h.n)
	a := (int64(h.a) - int64(old) + int64(new)) % mod
	if a < 0 {
		a += mod
	}
	b := (int64(h.b) - n*int64(old) + a) % mod
	if b < 0 {
		b += mod
	}
	h.a = uint32(a)
	h.b = uint32(b)
}

// Sum returns the current 32-bit checksum value.
func (h *Hash) Sum() uint32 {
	return h.b<<16 | h.a
}

// Len reports the current window length.
func (h *Hash) Len() uint32 {
	return h.n
}

// Block computes the weak checksum of a byte slice from scratch, with no
// incremental state kept around. Used by the receiver side, which only ever
// hashes fixed, non-overlapping blocks and never rolls.
func Block(window []byte) uint32 {
	h := New(window)
	return h.Sum()
}
