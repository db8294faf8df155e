// Package stream holds the latest high-frequency samples per (user, stream).
// Samples carry no version, no dirty flags and no confirmation; the newest
// arrival replaces the previous one.
package stream

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/puzpuzpuz/xsync/v3"
)

// Key addresses one stream of one user.
type Key struct {
	UserID   protocol.UserID
	StreamID int32
}

func KeyOf(e protocol.StreamEntry) Key {
	return Key{UserID: e.UserID, StreamID: e.StreamID}
}

// Sample is the most recent value received for a key.
type Sample struct {
	Data   []byte
	Serial uint64
}

// Channel is safe for concurrent publishers and readers; stream messages are
// applied from receive goroutines without waiting for the world tick.
type Channel struct {
	latest   *xsync.MapOf[Key, Sample]
	received *xsync.Counter
	// Sequenced discards samples whose leading serial is older than the
	// last applied serial for the same key.
	sequenced bool
}

func NewChannel() *Channel {
	return &Channel{
		latest:   xsync.NewMapOf[Key, Sample](),
		received: xsync.NewCounter(),
	}
}

// NewSequencedChannel expects each entry to start with an 8-byte
// little-endian serial, see Sequenced.
func NewSequencedChannel() *Channel {
	c := NewChannel()
	c.sequenced = true
	return c
}

// Sequenced prefixes data with a caller-owned serial number.
func Sequenced(serial uint64, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(out, serial)
	copy(out[8:], data)
	return out
}

// SplitSequenced returns the serial and payload of a Sequenced entry.
func SplitSequenced(data []byte) (uint64, []byte, bool) {
	if len(data) < 8 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint64(data), data[8:], true
}

// Publish stores the entries of one message and returns how many replaced
// the stored sample.
func (c *Channel) Publish(msg protocol.StreamMessage) int {
	applied := 0
	for _, e := range msg.Entries {
		if c.apply(e) {
			applied++
		}
	}
	return applied
}

func (c *Channel) apply(e protocol.StreamEntry) bool {
	c.received.Inc()
	sample := Sample{Data: bytes.Clone(e.Data)}
	if !c.sequenced {
		c.latest.Store(KeyOf(e), sample)
		return true
	}
	serial, _, ok := SplitSequenced(e.Data)
	if !ok {
		return false
	}
	sample.Serial = serial
	applied := false
	c.latest.Compute(KeyOf(e), func(old Sample, loaded bool) (Sample, bool) {
		if loaded && serial < old.Serial {
			return old, false
		}
		applied = true
		return sample, false
	})
	return applied
}

func (c *Channel) Latest(k Key) (Sample, bool) {
	return c.latest.Load(k)
}

// Forget removes every stream of a departed user.
func (c *Channel) Forget(user protocol.UserID) {
	c.latest.Range(func(k Key, _ Sample) bool {
		if k.UserID == user {
			c.latest.Delete(k)
		}
		return true
	})
}

func (c *Channel) Keys() []Key {
	out := make([]Key, 0, c.latest.Size())
	c.latest.Range(func(k Key, _ Sample) bool {
		out = append(out, k)
		return true
	})
	slices.SortFunc(out, func(a, b Key) int {
		if c := cmp.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return cmp.Compare(a.StreamID, b.StreamID)
	})
	return out
}

// Received counts every entry offered to the channel, applied or not.
func (c *Channel) Received() int64 {
	return c.received.Value()
}

func (c *Channel) Len() int {
	return c.latest.Size()
}

// Snapshot returns the latest samples as a stream message in key order.
func (c *Channel) Snapshot() protocol.StreamMessage {
	keys := c.Keys()
	msg := protocol.StreamMessage{Entries: make([]protocol.StreamEntry, 0, len(keys))}
	for _, k := range keys {
		if s, ok := c.latest.Load(k); ok {
			msg.Entries = append(msg.Entries, protocol.StreamEntry{UserID: k.UserID, StreamID: k.StreamID, Data: s.Data})
		}
	}
	return msg
}
