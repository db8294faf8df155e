package main

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/worldsync/internal/config"
	"github.com/danmuck/worldsync/internal/protocol/schema"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/stream"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/danmuck/worldsync/internal/transport"
	"github.com/danmuck/worldsync/internal/world"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestClientTemplateLoads(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.WriteTemplate(path, "worldclient", false))

	cfg, err := loadClientConfig(path)
	require.NoError(t, err)
	require.Equal(t, "soak-1", cfg.UserName)
	require.Equal(t, "tcp", cfg.Transport)
	require.Equal(t, filepath.Join(dir, "world.toml"), cfg.WorldFile)
	require.EqualValues(t, 1, cfg.SoakTarget)
	require.EqualValues(t, 1, cfg.SoakMember)
	require.Equal(t, 250*time.Millisecond, cfg.SoakInterval)
	require.Equal(t, 5*time.Second, cfg.StatusInterval)
	require.True(t, cfg.AutoResync)
	require.True(t, cfg.Reconnect)
	require.Equal(t, 250*time.Millisecond, cfg.Session.Backoff.InitialDelay)
	require.Equal(t, 5*time.Second, cfg.Session.Backoff.MaxDelay)
	require.Zero(t, cfg.Session.Backoff.MaxAttempts)
}

func TestLoadClientConfigRejectsUnknownTransport(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`transport = "udp"`), 0o644))

	_, err := loadClientConfig(path)
	require.ErrorContains(t, err, "unknown transport")
}

func TestSoakValueStaysInRange(t *testing.T) {
	testlog.Start(t)
	min, max := 0.0, 1.0
	lamp := schema.Type{Name: "lamp", Members: []schema.Member{
		{Name: "on", Kind: schema.KindBool},
		{Name: "brightness", Kind: schema.KindFloat32, Min: &min, Max: &max},
	}}
	for n := uint64(0); n < 250; n++ {
		data, err := soakValue(schema.KindFloat32, n)
		require.NoError(t, err)
		require.NoError(t, lamp.Check(1, data))

		data, err = soakValue(schema.KindBool, n)
		require.NoError(t, err)
		require.NoError(t, lamp.Check(0, data))
	}

	data, err := soakValue("", 7)
	require.NoError(t, err)
	require.Len(t, data, 4)
}

func TestSoakerWritesReachAuthority(t *testing.T) {
	testlog.Start(t)
	wf, err := config.ParseWorld([]byte(mustTemplate(t, "world")))
	require.NoError(t, err)
	reg, err := wf.Registry()
	require.NoError(t, err)

	sess := session.DefaultConfig()
	sess.TickInterval = 5 * time.Millisecond

	acfg := world.DefaultAuthorityConfig()
	acfg.Name = "plaza"
	acfg.Session = sess
	acfg.Types = reg
	acfg.Resolver = wf.Resolver(reg)
	a, err := world.NewAuthority(acfg)
	require.NoError(t, err)
	_, err = wf.Populate(a, reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	serverEnd, clientEnd := transport.PipeBuffered(64)
	require.NoError(t, a.Attach(serverEnd))

	ccfg := world.DefaultClientConfig()
	ccfg.UserName = "soak-test"
	ccfg.Session = sess
	ccfg.Types = reg
	ccfg.Resolver = wf.Resolver(reg)
	c := world.NewClient(ccfg)
	require.NoError(t, c.Connect(ctx, clientEnd))
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.State() == session.StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	cfg := defaultClientConfig()
	cfg.UserName = "soak-test"
	cfg.SoakTarget = 1
	cfg.SoakMember = 1
	cfg.StreamID = 3
	s := &soaker{client: c, cfg: cfg, logger: zerolog.Nop()}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.step())
	}

	require.Eventually(t, func() bool {
		v, err := a.Store().Value(1, 1)
		if err != nil || len(v) != 4 {
			return false
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(v)) == float32(0.1)
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		sample, ok := a.Streams().Latest(stream.Key{UserID: c.Grant().AssignedUserID, StreamID: 3})
		if !ok {
			return false
		}
		serial, _, ok := stream.SplitSequenced(sample.Data)
		return ok && serial == 10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectWithRetryWaitsOutFailedDials(t *testing.T) {
	testlog.Start(t)
	a, err := world.NewAuthority(world.DefaultAuthorityConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	dials := 0
	dialer := func(context.Context, clientConfig) (transport.Connection, error) {
		dials++
		if dials < 3 {
			return nil, errors.New("connection refused")
		}
		serverEnd, clientEnd := transport.Pipe()
		if err := a.Attach(serverEnd); err != nil {
			return nil, err
		}
		return clientEnd, nil
	}
	b := session.NewBackoff(session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond}, nil)
	ccfg := world.DefaultClientConfig()
	ccfg.UserName = "retry"

	c, err := connectWithRetry(ctx, defaultClientConfig(), ccfg, b, dialer, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 3, dials)
	require.Equal(t, 2, b.Attempts())
	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, func() bool {
		return c.State() == session.StateRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectWithRetryStopsAtMaxAttempts(t *testing.T) {
	testlog.Start(t)
	dials := 0
	dialer := func(context.Context, clientConfig) (transport.Connection, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	b := session.NewBackoff(session.BackoffConfig{InitialDelay: time.Millisecond, MaxAttempts: 2}, nil)

	_, err := connectWithRetry(context.Background(), defaultClientConfig(), world.DefaultClientConfig(), b, dialer, zerolog.Nop())
	require.ErrorIs(t, err, session.ErrRetriesExhausted)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 3, dials)
}

func mustTemplate(t *testing.T, kind string) string {
	t.Helper()
	tmpl, err := config.Template(kind)
	require.NoError(t, err)
	return tmpl
}
