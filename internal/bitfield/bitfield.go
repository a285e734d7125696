// Package bitfield implements the wire form of a piece set: one bit per piece, most
// significant bit of the first byte is piece 0.
package bitfield

import (
	"fmt"
	"math/bits"
)

// Bitfield is a compact representation of which pieces a peer has.
type Bitfield []byte

// New returns an empty bitfield sized for n pieces.
func New(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// FromBytes validates a received bitfield against the torrent's piece count. The byte
// length must match exactly and spare trailing bits must be zero.
func FromBytes(b []byte, numPieces int) (Bitfield, error) {
	if len(b) != (numPieces+7)/8 {
		return nil, fmt.Errorf("bitfield length %d, want %d for %d pieces", len(b), (numPieces+7)/8, numPieces)
	}
	if spare := len(b)*8 - numPieces; spare > 0 {
		if b[len(b)-1]&(1<<spare-1) != 0 {
			return nil, fmt.Errorf("bitfield has spare bits set")
		}
	}
	bf := make(Bitfield, len(b))
	copy(bf, b)
	return bf, nil
}

// Has reports whether the bit for index is set.
func (bf Bitfield) Has(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// Set sets the bit for index. Out-of-range indexes are ignored.
func (bf Bitfield) Set(index int) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - index%8)
}

// Clear clears the bit for index.
func (bf Bitfield) Clear(index int) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] &^= 1 << (7 - index%8)
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return n
}

// Len is the number of addressable bits.
func (bf Bitfield) Len() int {
	return len(bf) * 8
}

// Full reports whether the first n bits are all set.
func (bf Bitfield) Full(n int) bool {
	for i := range n {
		if !bf.Has(i) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (bf Bitfield) Clone() Bitfield {
	c := make(Bitfield, len(bf))
	copy(c, bf)
	return c
}
