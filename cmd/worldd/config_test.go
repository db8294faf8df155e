package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/worldsync/internal/config"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "config.toml")
	content := `
name = "plaza"
listen_addr = "127.0.0.1:9400"
admin_addr = "127.0.0.1:9402"
world_file = "world.toml"
snapshot_dir = "snaps"
checkpoint_interval = "10s"
tick_interval = "20ms"
max_users = 8
join_tokens = ["alpha"]
session_security_mode = "Production"
session_tls_enabled = true
session_tls_mutual = true
session_tls_cert_file = "/etc/worldd/server.crt"
session_tls_key_file = "/etc/worldd/server.key"
session_tls_ca_file = "/etc/worldd/ca.crt"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadServiceConfig(path)
	require.NoError(t, err)
	require.Equal(t, "plaza", cfg.Name)
	require.Equal(t, "127.0.0.1:9400", cfg.ListenAddr)
	require.Equal(t, "127.0.0.1:9402", cfg.AdminAddr)
	require.Equal(t, filepath.Join(dir, "world.toml"), cfg.WorldFile)
	require.Equal(t, filepath.Join(dir, "snaps"), cfg.SnapshotDir)
	require.Equal(t, 10*time.Second, cfg.CheckpointInterval)
	require.Equal(t, 20*time.Millisecond, cfg.Session.TickInterval)
	require.Equal(t, int32(8), cfg.Session.MaxUsers)
	require.Equal(t, []string{"alpha"}, cfg.JoinTokens)
	require.Equal(t, session.SecurityModeProduction, cfg.Session.SecurityMode)
	require.Equal(t, "/etc/worldd/ca.crt", cfg.Session.TLS.CAFile)

	// untouched keys keep their defaults
	require.Equal(t, session.DefaultConfig().HeartbeatInterval, cfg.Session.HeartbeatInterval)
	require.Equal(t, 16, cfg.SnapshotKeep)
}

func TestLoadServiceConfigRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`tick_interval = "soon"`), 0o644))

	_, err := loadServiceConfig(path)
	require.ErrorContains(t, err, "tick_interval")
}

func TestLoadServiceConfigProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`session_security_mode = "production"`), 0o644))

	_, err := loadServiceConfig(path)
	require.Error(t, err)
}

func TestDaemonTemplateLoads(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.WriteTemplate(path, "worldd", false))

	cfg, err := loadServiceConfig(path)
	require.NoError(t, err)
	require.Equal(t, "plaza", cfg.Name)
	require.Equal(t, "127.0.0.1:7401", cfg.WebSocketAddr)
	require.Equal(t, 50*time.Millisecond, cfg.Session.TickInterval)
}
