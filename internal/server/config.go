package server

import (
	"strings"
	"time"

	"github.com/danmuck/worldsync/internal/protocol/frame"
	"github.com/danmuck/worldsync/internal/session"
)

// ServiceConfig is the resolved runtime configuration of one world host.
type ServiceConfig struct {
	Name string
	// ListenAddr accepts framed TCP (or TLS) participants.
	ListenAddr string
	// WebSocketAddr, when set, accepts participants over WebSocket at /ws.
	WebSocketAddr string
	// AdminAddr, when set, serves the admin HTTP routes.
	AdminAddr   string
	CorsOrigins []string
	// WorldFile declares object types and boot objects.
	WorldFile string
	// SnapshotDir, when set, enables pebble checkpoints.
	SnapshotDir        string
	SnapshotKeep       int
	CheckpointInterval time.Duration
	// JoinTokens, when non-empty, restricts joins to requests carrying one
	// of these tokens.
	JoinTokens []string
	Limits     frame.Limits
	Session    session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:               "world",
		ListenAddr:         "127.0.0.1:7400",
		AdminAddr:          "127.0.0.1:7402",
		SnapshotKeep:       16,
		CheckpointInterval: 30 * time.Second,
		Limits:             frame.DefaultLimits(),
		Session:            session.DefaultConfig(),
	}
}

func (c ServiceConfig) WithDefaults() ServiceConfig {
	d := DefaultServiceConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	if c.SnapshotKeep <= 0 {
		c.SnapshotKeep = d.SnapshotKeep
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	c.Session = c.Session.WithDefaults()
	return c
}
