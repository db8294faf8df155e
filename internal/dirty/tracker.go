package dirty

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Tracker hides the flag width from callers that only know a member count.
type Tracker interface {
	Width() int
	IsSet(pos int) bool
	SetFlag(pos int)
	UnsetFlag(pos int)
	ValueFlag(pos int, v bool)
	Clear()
	AnySet() bool
	Count() int
	Bits() uint64
	Each(fn func(pos int))
	Take() uint64
}

var (
	_ Tracker = (*Flags8)(nil)
	_ Tracker = (*Flags16)(nil)
	_ Tracker = (*Flags32)(nil)
	_ Tracker = (*Flags64)(nil)
)

// ForMembers returns the narrowest tracker that fits n members.
func ForMembers(n int) (Tracker, error) {
	switch {
	case n < 0:
		return nil, fmt.Errorf("%w: negative count %d", ErrTooManyMembers, n)
	case n <= 8:
		return newTracker[uint8](), nil
	case n <= 16:
		return newTracker[uint16](), nil
	case n <= 32:
		return newTracker[uint32](), nil
	case n <= 64:
		return newTracker[uint64](), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrTooManyMembers, n)
	}
}

func newTracker[T constraints.Unsigned]() Tracker {
	f := None[T]()
	return &f
}
