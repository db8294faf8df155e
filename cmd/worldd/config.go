package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/worldsync/internal/server"
	"github.com/danmuck/worldsync/internal/session"
)

// worldd config.toml key mapping to server runtime settings.
type fileConfig struct {
	Name               string   `toml:"name"`
	ListenAddr         string   `toml:"listen_addr"`
	WebSocketAddr      string   `toml:"websocket_addr"`
	AdminAddr          string   `toml:"admin_addr"`
	CorsOrigins        []string `toml:"cors_origins"`
	WorldFile          string   `toml:"world_file"`
	SnapshotDir        string   `toml:"snapshot_dir"`
	SnapshotKeep       int      `toml:"snapshot_keep"`
	CheckpointInterval string   `toml:"checkpoint_interval"`
	JoinTokens         []string `toml:"join_tokens"`
	MaxPayloadBytes    uint32   `toml:"max_payload_bytes"`

	TickInterval       string `toml:"tick_interval"`
	HeartbeatInterval  string `toml:"heartbeat_interval"`
	SessionDeadAfter   string `toml:"session_dead_after"`
	MaxUsers           int32  `toml:"max_users"`
	AllocationBlock    uint64 `toml:"allocation_block"`
	InboundQueueLimit  int    `toml:"inbound_queue_limit"`
	OutboundQueueLimit int    `toml:"outbound_queue_limit"`

	SessionSecurityMode string `toml:"session_security_mode"`
	SessionTLSEnabled   bool   `toml:"session_tls_enabled"`
	SessionTLSMutual    bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile  string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string `toml:"session_tls_key_file"`
	SessionTLSCAFile    string `toml:"session_tls_ca_file"`
}

// worldd loader for TOML config with default overlay.
func loadServiceConfig(path string) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load worldd config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("websocket_addr") {
		cfg.WebSocketAddr = strings.TrimSpace(raw.WebSocketAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("world_file") {
		cfg.WorldFile = resolvePath(path, raw.WorldFile)
	}
	if meta.IsDefined("snapshot_dir") {
		cfg.SnapshotDir = resolvePath(path, raw.SnapshotDir)
	}
	if meta.IsDefined("snapshot_keep") {
		cfg.SnapshotKeep = raw.SnapshotKeep
	}
	if meta.IsDefined("join_tokens") {
		cfg.JoinTokens = raw.JoinTokens
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("max_users") {
		cfg.Session.MaxUsers = raw.MaxUsers
	}
	if meta.IsDefined("allocation_block") {
		cfg.Session.AllocationBlock = raw.AllocationBlock
	}
	if meta.IsDefined("inbound_queue_limit") {
		cfg.Session.InboundQueueLimit = raw.InboundQueueLimit
	}
	if meta.IsDefined("outbound_queue_limit") {
		cfg.Session.OutboundQueueLimit = raw.OutboundQueueLimit
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"checkpoint_interval", raw.CheckpointInterval, &cfg.CheckpointInterval},
		{"tick_interval", raw.TickInterval, &cfg.Session.TickInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"session_dead_after", raw.SessionDeadAfter, &cfg.Session.SessionDeadAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return server.ServiceConfig{}, fmt.Errorf("load worldd config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Session.TLS.CertFile = resolvePath(path, raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = resolvePath(path, raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = resolvePath(path, raw.SessionTLSCAFile)
	}

	if strings.TrimSpace(cfg.Name) == "" {
		return server.ServiceConfig{}, fmt.Errorf("load worldd config: name is required")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" && strings.TrimSpace(cfg.WebSocketAddr) == "" {
		return server.ServiceConfig{}, fmt.Errorf("load worldd config: listen_addr or websocket_addr is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load worldd config: %w", err)
	}
	return cfg, nil
}

// resolvePath makes p relative to the directory of the config file.
func resolvePath(configPath, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
