package snapshot

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/danmuck/worldsync/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ world.Checkpointer = (*Store)(nil)

func batchAt(v uint64) protocol.FullBatch {
	return protocol.FullBatch{
		StateVersion: v,
		WorldTime:    float64(v) / 10,
		Records: []protocol.DataRecord{
			{TargetID: 1, MemberIndex: 0, Data: []byte("alpha")},
			{TargetID: 2, MemberIndex: 3, Data: []byte{byte(v)}},
		},
	}
}

func openTemp(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLatestOnEmptyStore(t *testing.T) {
	testlog.Start(t)
	s := openTemp(t, DefaultOptions())
	_, ok, err := s.Latest()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveLatestLoad(t *testing.T) {
	testlog.Start(t)
	s := openTemp(t, Options{})
	for _, v := range []uint64{3, 260, 17} {
		require.NoError(t, s.Save(batchAt(v)))
	}

	latest, ok, err := s.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, batchAt(260), latest)

	got, err := s.Load(17)
	require.NoError(t, err)
	assert.Equal(t, batchAt(17), got)

	_, err = s.Load(18)
	assert.ErrorIs(t, err, ErrNotFound)

	versions, err := s.Versions()
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 17, 260}, versions)
}

func TestSavePrunesToKeep(t *testing.T) {
	testlog.Start(t)
	s := openTemp(t, Options{Keep: 2})
	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, s.Save(batchAt(v)))
	}
	versions, err := s.Versions()
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, versions)

	removed, err := s.Prune(1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	versions, err = s.Versions()
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, versions)
}

func TestCorruptCheckpointIsReported(t *testing.T) {
	testlog.Start(t)
	s := openTemp(t, Options{})
	require.NoError(t, s.Save(batchAt(9)))

	value, closer, err := s.db.Get(key(9))
	require.NoError(t, err)
	tampered := append([]byte(nil), value...)
	require.NoError(t, closer.Close())
	tampered[0] ^= 0xff
	require.NoError(t, s.db.Set(key(9), tampered, pebble.Sync))

	_, err = s.Load(9)
	assert.ErrorIs(t, err, ErrCorrupt)
	_, _, err = s.Latest()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReopenKeepsCheckpoints(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	s, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.Save(batchAt(42)))
	require.NoError(t, s.Close())
	_, _, err = s.Latest()
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()
	latest, ok, err := reopened.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), latest.StateVersion)
}

func TestAuthorityRestoresFromStore(t *testing.T) {
	testlog.Start(t)
	s := openTemp(t, DefaultOptions())
	require.NoError(t, s.Save(batchAt(77)))

	cfg := world.DefaultAuthorityConfig()
	cfg.Checkpoints = s
	a, err := world.NewAuthority(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), a.StateVersion())
	assert.Equal(t, 2, a.Store().Len())
	v, err := a.Store().Value(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{77}, v)
}
