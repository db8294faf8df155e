package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/session"
)

// clientConfig is the resolved worldclient configuration.
type clientConfig struct {
	UserName       string
	Addr           string
	Transport      string
	Token          string
	WorldFile      string
	AutoResync     bool
	StatusInterval time.Duration

	// SoakTarget and SoakMember name the member rewritten every
	// SoakInterval. A zero interval disables writes.
	SoakTarget   protocol.TargetID
	SoakMember   protocol.MemberIndex
	SoakInterval time.Duration
	// StreamID, when non-zero, publishes one sequenced sample per soak tick.
	StreamID int32
	// Reconnect rejoins after a lost session. Failed dials are always
	// retried on the Session.Backoff schedule.
	Reconnect bool

	Session session.Config
}

type fileConfig struct {
	UserName       string `toml:"user_name"`
	Addr           string `toml:"addr"`
	Transport      string `toml:"transport"`
	Token          string `toml:"token"`
	WorldFile      string `toml:"world_file"`
	AutoResync     bool   `toml:"auto_resync"`
	TickInterval   string `toml:"tick_interval"`
	StatusInterval string `toml:"status_interval"`
	SoakTarget     uint64 `toml:"soak_target"`
	SoakMember     int32  `toml:"soak_member"`
	SoakInterval   string `toml:"soak_interval"`
	StreamID       int32  `toml:"stream_id"`

	Reconnect             bool   `toml:"reconnect"`
	ReconnectInitialDelay string `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     string `toml:"reconnect_max_delay"`
	MaxConnectAttempts    int    `toml:"max_connect_attempts"`

	SessionSecurityMode  string `toml:"session_security_mode"`
	SessionTLSEnabled    bool   `toml:"session_tls_enabled"`
	SessionTLSMutual     bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile   string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile    string `toml:"session_tls_key_file"`
	SessionTLSCAFile     string `toml:"session_tls_ca_file"`
	SessionTLSServerName string `toml:"session_tls_server_name"`
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		UserName:       "participant",
		Addr:           "127.0.0.1:7400",
		Transport:      "tcp",
		AutoResync:     true,
		Reconnect:      true,
		StatusInterval: 5 * time.Second,
		Session:        session.DefaultConfig(),
	}
}

func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load worldclient config: %w", err)
	}

	if meta.IsDefined("user_name") {
		cfg.UserName = strings.TrimSpace(raw.UserName)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("token") {
		cfg.Token = raw.Token
	}
	if meta.IsDefined("world_file") && strings.TrimSpace(raw.WorldFile) != "" {
		cfg.WorldFile = strings.TrimSpace(raw.WorldFile)
		if !filepath.IsAbs(cfg.WorldFile) {
			cfg.WorldFile = filepath.Join(filepath.Dir(path), cfg.WorldFile)
		}
	}
	if meta.IsDefined("auto_resync") {
		cfg.AutoResync = raw.AutoResync
	}
	if meta.IsDefined("soak_target") {
		cfg.SoakTarget = protocol.TargetID(raw.SoakTarget)
	}
	if meta.IsDefined("soak_member") {
		cfg.SoakMember = protocol.MemberIndex(raw.SoakMember)
	}
	if meta.IsDefined("stream_id") {
		cfg.StreamID = raw.StreamID
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return clientConfig{}, fmt.Errorf("load worldclient config: max_connect_attempts must be >= 0")
		}
		cfg.Session.Backoff.MaxAttempts = raw.MaxConnectAttempts
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"tick_interval", raw.TickInterval, &cfg.Session.TickInterval},
		{"status_interval", raw.StatusInterval, &cfg.StatusInterval},
		{"soak_interval", raw.SoakInterval, &cfg.SoakInterval},
		{"reconnect_initial_delay", raw.ReconnectInitialDelay, &cfg.Session.Backoff.InitialDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &cfg.Session.Backoff.MaxDelay},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
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
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServerName)
	}

	switch cfg.Transport {
	case "tcp", "ws":
	default:
		return clientConfig{}, fmt.Errorf("load worldclient config: unknown transport %q", cfg.Transport)
	}
	if cfg.Addr == "" {
		return clientConfig{}, fmt.Errorf("load worldclient config: addr is required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return clientConfig{}, fmt.Errorf("load worldclient config: %w", err)
	}
	return cfg, nil
}
