package replica

import (
	"errors"
	"testing"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullBatchCacheSharesEncoding(t *testing.T) {
	testlog.Start(t)
	cache := NewFullBatchCache(2)
	builds := 0
	build := func() ([]byte, error) {
		builds++
		return Encode(func(dst []byte) ([]byte, error) {
			return protocol.AppendFull(dst, protocol.FullBatch{StateVersion: 100})
		})
	}
	first, hit, err := cache.GetOrBuild(100, build)
	require.NoError(t, err)
	assert.False(t, hit)
	second, hit, err := cache.GetOrBuild(100, build)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, builds)

	decoded, err := protocol.DecodeFull(first)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), decoded.StateVersion)
}

func TestFullBatchCacheBuildErrorNotCached(t *testing.T) {
	testlog.Start(t)
	cache := NewFullBatchCache(0)
	boom := errors.New("boom")
	_, _, err := cache.GetOrBuild(1, func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, cache.Len())
}

func TestEncodeReturnsIndependentCopies(t *testing.T) {
	testlog.Start(t)
	a, err := Encode(func(dst []byte) ([]byte, error) { return append(dst, 1, 2, 3), nil })
	require.NoError(t, err)
	b, err := Encode(func(dst []byte) ([]byte, error) { return append(dst, 9), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, a)
	assert.Equal(t, []byte{9}, b)
}
