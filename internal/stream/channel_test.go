package stream

import (
	"sync"
	"testing"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutOfOrderArrivalLastReceivedWins(t *testing.T) {
	testlog.Start(t)
	c := NewChannel()
	key := Key{UserID: 7, StreamID: 2}

	// sent as A then B, delivered as B then A
	c.Publish(protocol.StreamMessage{Entries: []protocol.StreamEntry{{UserID: 7, StreamID: 2, Data: []byte("B")}}})
	c.Publish(protocol.StreamMessage{Entries: []protocol.StreamEntry{{UserID: 7, StreamID: 2, Data: []byte("A")}}})

	s, ok := c.Latest(key)
	require.True(t, ok)
	assert.Equal(t, "A", string(s.Data))
	assert.Equal(t, int64(2), c.Received())
}

func TestSequencedChannelDropsStaleSerials(t *testing.T) {
	testlog.Start(t)
	c := NewSequencedChannel()
	key := Key{UserID: 7, StreamID: 2}

	applied := c.Publish(protocol.StreamMessage{Entries: []protocol.StreamEntry{
		{UserID: 7, StreamID: 2, Data: Sequenced(2, []byte("B"))},
		{UserID: 7, StreamID: 2, Data: Sequenced(1, []byte("A"))},
		{UserID: 7, StreamID: 2, Data: []byte("short")},
	}})
	assert.Equal(t, 1, applied)

	s, ok := c.Latest(key)
	require.True(t, ok)
	serial, payload, ok := SplitSequenced(s.Data)
	require.True(t, ok)
	assert.Equal(t, uint64(2), serial)
	assert.Equal(t, "B", string(payload))
	assert.Equal(t, uint64(2), s.Serial)
}

func TestKeysSnapshotAndForget(t *testing.T) {
	testlog.Start(t)
	c := NewChannel()
	c.Publish(protocol.StreamMessage{Entries: []protocol.StreamEntry{
		{UserID: 2, StreamID: 1, Data: []byte("x")},
		{UserID: 1, StreamID: 5, Data: []byte("y")},
		{UserID: 1, StreamID: 3, Data: []byte("z")},
	}})
	assert.Equal(t, []Key{{1, 3}, {1, 5}, {2, 1}}, c.Keys())

	snap := c.Snapshot()
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "z", string(snap.Entries[0].Data))

	c.Forget(1)
	assert.Equal(t, []Key{{2, 1}}, c.Keys())
}

func TestConcurrentPublishers(t *testing.T) {
	testlog.Start(t)
	c := NewChannel()
	var wg sync.WaitGroup
	for u := 1; u <= 8; u++ {
		wg.Add(1)
		go func(user protocol.UserID) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Publish(protocol.StreamMessage{Entries: []protocol.StreamEntry{{UserID: user, StreamID: 0, Data: []byte{byte(i)}}}})
			}
		}(protocol.UserID(u))
	}
	wg.Wait()
	assert.Equal(t, 8, c.Len())
	assert.Equal(t, int64(800), c.Received())
}
