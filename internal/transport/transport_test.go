package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/frame"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/danmuck/worldsync/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDeliveryFor(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, Reliable, DeliveryFor(protocol.MessageDelta))
	assert.Equal(t, Reliable, DeliveryFor(protocol.MessageConfirmation))
	assert.Equal(t, Unreliable, DeliveryFor(protocol.MessageStream))
}

func TestPipeRoundTripAndClose(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	a, b := Pipe()
	require.NotEqual(t, a.ID(), b.ID())

	payload := []byte{1, 2, 3}
	require.NoError(t, a.Send(ctx, Reliable, payload))
	payload[0] = 9
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got, "send copies the payload")

	require.NoError(t, b.Send(ctx, Reliable, []byte("queued")))
	require.NoError(t, a.Close())
	got, err = a.Receive(ctx)
	require.NoError(t, err, "buffered data survives close")
	assert.Equal(t, "queued", string(got))
	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, Reliable, []byte("x")), ErrClosed)
}

func TestPipeUnreliableDropsWhenFull(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	a, _ := PipeBuffered(1)
	require.NoError(t, a.Send(ctx, Unreliable, []byte("first")))
	assert.ErrorIs(t, a.Send(ctx, Unreliable, []byte("second")), ErrDropped)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(short, Reliable, []byte("blocked")), context.DeadlineExceeded)
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	testlog.Start(t)
	_, b := Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func exchange(t *testing.T, ctx context.Context, client, server Connection) {
	t.Helper()
	raw, err := protocol.EncodeDelta(protocol.DeltaBatch{
		SenderStateVersion: 3,
		Records:            []protocol.DataRecord{{TargetID: 42, MemberIndex: 1, Data: []byte{1}}},
	})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, Reliable, raw))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	batch, err := protocol.DecodeDelta(got)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), batch.SenderStateVersion)

	require.NoError(t, server.Send(ctx, Unreliable, []byte{byte(protocol.MessageStream), 0, 0, 0, 0}))
	back, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageStream, protocol.MessageType(back[0]))
}

func TestTCPListenDialRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	cfg := session.DefaultConfig()
	ln, err := Listen("127.0.0.1:0", cfg, frame.DefaultLimits())
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan Connection, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()
	client, err := Dial(ctx, ln.Addr().String(), cfg, frame.DefaultLimits())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	exchange(t, ctx, client, server)

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTCPReceiveCancelled(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	cfg := session.DefaultConfig()
	ln, err := Listen("127.0.0.1:0", cfg, frame.DefaultLimits())
	require.NoError(t, err)
	defer ln.Close()
	go func() { _, _ = ln.Accept(ctx) }()

	client, err := Dial(ctx, ln.Addr().String(), cfg, frame.DefaultLimits())
	require.NoError(t, err)
	defer client.Close()

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = client.Receive(short)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	dir := t.TempDir()
	ca := tlstest.NewCA(t, dir, "worldsync-test-ca")
	serverCert, serverKey := ca.IssueServerCert(t, dir, "authority")
	clientCert, clientKey := ca.IssueClientCert(t, dir, "participant")

	serverCfg := session.DefaultConfig()
	serverCfg.SecurityMode = session.SecurityModeProduction
	serverCfg.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: ca.CAFile()}
	ln, err := Listen("127.0.0.1:0", serverCfg, frame.DefaultLimits())
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan Connection, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	clientCfg := session.DefaultConfig()
	clientCfg.SecurityMode = session.SecurityModeProduction
	clientCfg.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: clientCert, KeyFile: clientKey, CAFile: ca.CAFile()}
	client, err := Dial(ctx, ln.Addr().String(), clientCfg, frame.DefaultLimits())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	exchange(t, ctx, client, server)
}

func TestListenRejectsInsecureProduction(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	_, err := Listen("127.0.0.1:0", cfg, frame.DefaultLimits())
	assert.ErrorIs(t, err, session.ErrTLSRequired)
}

func TestWebSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	cfg := session.DefaultConfig()
	accepted := make(chan Connection, 1)
	srv := httptest.NewServer(UpgradeHandler(cfg, 1<<20, func(c Connection) { accepted <- c }))
	defer srv.Close()

	client, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), cfg, 1<<20)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	exchange(t, ctx, client, server)

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHostPortDefaults(t *testing.T) {
	testlog.Start(t)
	hp, err := hostPort("wss://world.example/ws")
	require.NoError(t, err)
	assert.Equal(t, "world.example:443", hp)
	hp, err = hostPort("ws://127.0.0.1:9000/ws")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", hp)
}
