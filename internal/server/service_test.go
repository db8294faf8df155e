package server

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/worldsync/internal/config"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/snapshot"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/danmuck/worldsync/internal/transport"
	"github.com/danmuck/worldsync/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceConfig(t *testing.T) ServiceConfig {
	t.Helper()
	dir := t.TempDir()
	worldPath := filepath.Join(dir, "world.toml")
	require.NoError(t, config.WriteTemplate(worldPath, "world", false))

	cfg := DefaultServiceConfig()
	cfg.Name = "plaza"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WebSocketAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.WorldFile = worldPath
	cfg.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Session.TickInterval = 5 * time.Millisecond
	return cfg
}

func startService(t *testing.T, cfg ServiceConfig) (*Service, context.CancelFunc, <-chan error) {
	t.Helper()
	svc, err := NewService(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	t.Cleanup(cancel)
	return svc, cancel, done
}

func runClient(t *testing.T, conn transport.Connection, name, token string) (*world.Client, context.CancelFunc) {
	t.Helper()
	cfg := world.DefaultClientConfig()
	cfg.UserName = name
	cfg.Token = token
	cfg.Session.TickInterval = 5 * time.Millisecond
	c := world.NewClient(cfg)
	require.NoError(t, c.Connect(context.Background(), conn))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, cancel
}

func TestServiceServesTCPAndWebSocketParticipants(t *testing.T) {
	testlog.Start(t)
	cfg := testServiceConfig(t)
	svc, stop, done := startService(t, cfg)
	require.Equal(t, 1, svc.World().Store().Len())

	tcpConn, err := transport.Dial(context.Background(), svc.Addr().String(), cfg.Session, cfg.Limits)
	require.NoError(t, err)
	tcpClient, _ := runClient(t, tcpConn, "tcp-user", "")

	wsConn, err := transport.DialWebSocket(context.Background(), "ws://"+svc.WebSocketAddr().String()+"/ws", cfg.Session, int64(cfg.Limits.MaxPayloadBytes))
	require.NoError(t, err)
	wsClient, _ := runClient(t, wsConn, "ws-user", "")

	require.Eventually(t, func() bool {
		return tcpClient.State() == session.StateRunning && wsClient.State() == session.StateRunning
	}, 5*time.Second, 5*time.Millisecond)

	on, err := tcpClient.Value(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, on)

	quarter := binary.LittleEndian.AppendUint32(nil, math.Float32bits(0.25))
	require.NoError(t, tcpClient.Write(1, 1, quarter))
	require.Eventually(t, func() bool {
		v, err := wsClient.Value(1, 1)
		return err == nil && string(v) == string(quarter)
	}, 5*time.Second, 5*time.Millisecond)
	version := svc.World().StateVersion()
	assert.Equal(t, uint64(1), version)

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}

	store, err := snapshot.Open(cfg.SnapshotDir, snapshot.DefaultOptions())
	require.NoError(t, err)
	defer store.Close()
	latest, ok, err := store.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, version, latest.StateVersion)
}

func TestServiceRejectsUnknownJoinToken(t *testing.T) {
	testlog.Start(t)
	cfg := testServiceConfig(t)
	cfg.WebSocketAddr = ""
	cfg.SnapshotDir = ""
	cfg.JoinTokens = []string{"letmein"}
	svc, _, _ := startService(t, cfg)

	conn, err := transport.Dial(context.Background(), svc.Addr().String(), cfg.Session, cfg.Limits)
	require.NoError(t, err)
	rejected, _ := runClient(t, conn, "intruder", "guess")
	select {
	case <-rejected.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("join with bad token was not refused")
	}
	assert.Equal(t, session.StateDisconnected, rejected.State())

	conn, err = transport.Dial(context.Background(), svc.Addr().String(), cfg.Session, cfg.Limits)
	require.NoError(t, err)
	admitted, _ := runClient(t, conn, "friend", "letmein")
	require.Eventually(t, func() bool { return admitted.State() == session.StateRunning }, 5*time.Second, 5*time.Millisecond)
}

func TestServiceWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := ServiceConfig{}.WithDefaults()
	assert.Equal(t, "world", cfg.Name)
	assert.Equal(t, 16, cfg.SnapshotKeep)
	assert.NotZero(t, cfg.Limits.MaxPayloadBytes)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.TickInterval)
}
