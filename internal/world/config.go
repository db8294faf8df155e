package world

import (
	"strings"
	"time"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/protocol/schema"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/validation"
	"github.com/rs/zerolog"
)

// Admission decides whether a join request may enter the world. Returning an
// error refuses the connection without any control message.
type Admission func(req session.JoinRequest, remote string) error

// Checkpointer persists full batches of canonical state.
type Checkpointer interface {
	Save(batch protocol.FullBatch) error
	Latest() (protocol.FullBatch, bool, error)
}

// AuthorityConfig configures one hosted world.
type AuthorityConfig struct {
	Name      string
	Session   session.Config
	Types     *schema.Registry
	Resolver  replica.Resolver
	Validator validation.Validator
	Admission Admission
	// Checkpoints, when set, restores state at construction and saves a
	// full batch every CheckpointInterval while the version moves.
	Checkpoints        Checkpointer
	CheckpointInterval time.Duration
	FullBatchCacheSize int
	OnDisconnect       func(Participant)
	Logger             *zerolog.Logger
	Now                func() time.Time
}

func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		Name:               "world",
		Session:            session.DefaultConfig(),
		CheckpointInterval: 30 * time.Second,
		FullBatchCacheSize: 8,
	}
}

func (c AuthorityConfig) withDefaults() AuthorityConfig {
	d := DefaultAuthorityConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	c.Session = c.Session.WithDefaults()
	if c.Validator == nil {
		c.Validator = validation.RuleValidator
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.FullBatchCacheSize <= 0 {
		c.FullBatchCacheSize = d.FullBatchCacheSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ClientConfig configures one participant.
type ClientConfig struct {
	UserName string
	Token    string
	Session  session.Config
	Types    *schema.Registry
	Resolver replica.Resolver
	// AutoResync requests a full batch when a relayed delta references
	// objects this client does not know.
	AutoResync   bool
	OnDisconnect func(reason error)
	Logger       *zerolog.Logger
	Now          func() time.Time
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UserName:   "participant",
		Session:    session.DefaultConfig(),
		AutoResync: true,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	if strings.TrimSpace(c.UserName) == "" {
		c.UserName = DefaultClientConfig().UserName
	}
	c.Session = c.Session.WithDefaults()
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
