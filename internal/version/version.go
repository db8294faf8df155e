// Package version holds the monotonic state version counters. The authority
// owns a Clock; each client follows it with a Tracker.
package version

import "sync/atomic"

// Clock is the authority state version. It only moves forward.
type Clock struct {
	v atomic.Uint64
}

func NewClock(start uint64) *Clock {
	c := &Clock{}
	c.v.Store(start)
	return c
}

func (c *Clock) Current() uint64 {
	return c.v.Load()
}

// Advance increments the version by one and returns the new value.
func (c *Clock) Advance() uint64 {
	return c.v.Add(1)
}

// Restore moves the clock to v when v is ahead, as when loading a checkpoint.
// It reports whether the clock moved.
func (c *Clock) Restore(v uint64) bool {
	return maxStore(&c.v, v)
}

// Tracker is a client's view of the authority version.
type Tracker struct {
	v atomic.Uint64
}

func (t *Tracker) Current() uint64 {
	return t.v.Load()
}

// Observe records a version carried by an authority message. Older values are
// ignored.
func (t *Tracker) Observe(v uint64) bool {
	return maxStore(&t.v, v)
}

// Reset adopts the version of a full batch. It never moves backwards.
func (t *Tracker) Reset(v uint64) bool {
	return maxStore(&t.v, v)
}

func maxStore(dst *atomic.Uint64, v uint64) bool {
	for {
		cur := dst.Load()
		if v <= cur {
			return false
		}
		if dst.CompareAndSwap(cur, v) {
			return true
		}
	}
}
