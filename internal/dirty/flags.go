// Package dirty tracks which synchronized members of an object changed since
// the last flush. One bit per member index, stored in an unsigned word sized to
// the object's member count.
package dirty

import (
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/exp/constraints"
)

var ErrTooManyMembers = errors.New("dirty: member count exceeds 64")

// Flags is a fixed-width dirty bit set. The zero value has no bits set.
type Flags[T constraints.Unsigned] struct {
	bits T
}

type (
	Flags8  = Flags[uint8]
	Flags16 = Flags[uint16]
	Flags32 = Flags[uint32]
	Flags64 = Flags[uint64]
)

// None returns a flag set with every bit cleared.
func None[T constraints.Unsigned]() Flags[T] {
	return Flags[T]{}
}

// All returns a flag set with every bit set.
func All[T constraints.Unsigned]() Flags[T] {
	return Flags[T]{bits: ^T(0)}
}

// Width is the number of addressable positions.
func (f *Flags[T]) Width() int {
	return bits.Len64(uint64(^T(0)))
}

func (f *Flags[T]) mask(pos int) T {
	if pos < 0 || pos >= f.Width() {
		panic(fmt.Sprintf("dirty: position %d out of range for %d-bit flags", pos, f.Width()))
	}
	return T(1) << uint(pos)
}

func (f *Flags[T]) IsSet(pos int) bool {
	return f.bits&f.mask(pos) != 0
}

func (f *Flags[T]) SetFlag(pos int) {
	f.bits |= f.mask(pos)
}

func (f *Flags[T]) UnsetFlag(pos int) {
	f.bits &^= f.mask(pos)
}

// ValueFlag sets or clears pos according to v.
func (f *Flags[T]) ValueFlag(pos int, v bool) {
	if v {
		f.SetFlag(pos)
		return
	}
	f.UnsetFlag(pos)
}

func (f *Flags[T]) Clear() {
	f.bits = 0
}

func (f *Flags[T]) AnySet() bool {
	return f.bits != 0
}

// Count returns the number of set positions.
func (f *Flags[T]) Count() int {
	return bits.OnesCount64(uint64(f.bits))
}

// Bits returns the raw word widened to 64 bits.
func (f *Flags[T]) Bits() uint64 {
	return uint64(f.bits)
}

// Each calls fn for every set position in ascending order.
func (f *Flags[T]) Each(fn func(pos int)) {
	eachBit(uint64(f.bits), fn)
}

// Take returns the current bits and clears the live set. Writes that land
// after Take are kept for the next flush.
func (f *Flags[T]) Take() uint64 {
	out := uint64(f.bits)
	f.bits = 0
	return out
}

func eachBit(word uint64, fn func(pos int)) {
	for word != 0 {
		pos := bits.TrailingZeros64(word)
		fn(pos)
		word &= word - 1
	}
}

// Positions expands a word returned by Take into ascending positions.
func Positions(word uint64) []int {
	out := make([]int, 0, bits.OnesCount64(word))
	eachBit(word, func(pos int) { out = append(out, pos) })
	return out
}
