// Package bitfield provides a set data structure for tracking pieces of a transfer.
package bitfield

import (
	"encoding/hex"
	"math/bits"
)

// Bitfield tracks a fixed number of bits. The zero value is not usable, use New or NewBytes.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits, all clear.
func New(length uint32) *Bitfield {
	return &Bitfield{
		b:      make([]byte, (length+7)/8),
		length: length,
	}
}

// NewBytes returns a new Bitfield from b.
// Bytes in b are not copied. Unused bits in last byte are cleared.
// Panics if b is not big enough to hold length bits.
func NewBytes(b []byte, length uint32) *Bitfield {
	div, mod := divMod32(length, 8)
	required := div
	if mod != 0 {
		required++
	}
	if uint32(len(b)) < required {
		panic("not enough bytes in slice for specified length")
	}
	if mod != 0 {
		b[required-1] &= ^(0xff >> mod)
	}
	return &Bitfield{b: b[:required], length: length}
}

// Bytes returns the underlying byte slice.
// Modifying the returned slice modifies the bits.
func (b *Bitfield) Bytes() []byte { return b.b }

// Copy returns a deep copy of b.
func (b *Bitfield) Copy() *Bitfield {
	c := New(b.length)
	copy(c.b, b.b)
	return c
}

// Len returns the number of bits as given to New.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns bytes as a hex string. Unused bits in the last byte encode as not set.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] |= 1 << (7 - mod)
}

// SetTo sets bit i to value. Panics if i >= b.Len().
func (b *Bitfield) SetTo(i uint32, value bool) {
	if value {
		b.Set(i)
		return
	}
	b.Clear(i)
}

// Clear bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] &= ^(1 << (7 - mod))
}

// ClearAll clears all bits.
func (b *Bitfield) ClearAll() {
	for i := range b.b {
		b.b[i] = 0
	}
}

// Test returns true if bit i is set. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	return (b.b[div] & (1 << (7 - mod))) > 0
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint32 {
	var total int
	for _, v := range b.b {
		total += bits.OnesCount8(v)
	}
	return uint32(total)
}

// All returns true if all bits are set.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
