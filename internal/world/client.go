package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/worldsync/internal/observability"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/stream"
	"github.com/danmuck/worldsync/internal/transport"
	"github.com/danmuck/worldsync/internal/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected   = errors.New("world: client not connected")
	ErrAlreadyStarted = errors.New("world: client already connected")
	ErrKicked         = errors.New("world: kicked by authority")
	ErrAuthorityLeft  = errors.New("world: authority ended the session")
	ErrSessionTimeout = errors.New("world: session timed out")
)

// Client is one participant's shadow of a world.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	store   *replica.Store
	known   *version.Tracker
	streams *stream.Channel
	machine *session.Machine

	conn   transport.Connection
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stageMu sync.Mutex
	staged  []protocol.Message

	mu            sync.Mutex
	grant         protocol.JoinGrantData
	grantAt       time.Time
	resyncPending bool
	pingSeq       uint64
	lastPingAt    time.Time
	doneErr       error

	lastSeen atomic.Int64
	rtt      atomic.Int64
	tickMu   sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	logger := log.Logger.With().Str("user", cfg.UserName).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("user", cfg.UserName).Logger()
	}
	known := &version.Tracker{}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		known:   known,
		store:   replica.NewStore(replica.Config{Types: cfg.Types, Resolver: cfg.Resolver, Speculative: true, Version: known, Logger: &logger}),
		streams: stream.NewChannel(),
		machine: session.NewMachine(nil),
		done:    make(chan struct{}),
	}
}

// Connect sends the JoinRequest over conn and starts reading. The client is
// Running once JoinStartDelta has been processed by Tick.
func (c *Client) Connect(ctx context.Context, conn transport.Connection) error {
	if err := c.machine.Transition(session.StateAwaitingGrant); err != nil {
		return ErrAlreadyStarted
	}
	msg, err := session.NewJoinRequest(session.JoinRequest{
		UserName:        c.cfg.UserName,
		Token:           c.cfg.Token,
		ProtocolVersion: session.ProtocolVersion,
	})
	if err != nil {
		c.machine.Close()
		return err
	}
	raw, err := protocol.EncodeControl(msg)
	if err != nil {
		c.machine.Close()
		return err
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.lastSeen.Store(c.cfg.Now().UnixNano())

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.Send(sctx, transport.Reliable, raw); err != nil {
		c.disconnect(fmt.Errorf("world: send join request: %w", err))
		return err
	}
	c.wg.Add(1)
	go c.readLoop()
	c.logger.Info().Str("remote", conn.RemoteAddr()).Msg("world: join requested")
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		raw, err := c.conn.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.stageMu.Lock()
				c.staged = append(c.staged, transportClosed{err: err})
				c.stageMu.Unlock()
			}
			return
		}
		c.lastSeen.Store(c.cfg.Now().UnixNano())
		msg, err := protocol.Decode(raw)
		if err != nil {
			c.disconnect(err)
			return
		}
		if sm, ok := msg.(protocol.StreamMessage); ok {
			if c.machine.State() == session.StateRunning {
				c.streams.Publish(sm)
			} else {
				c.logger.Debug().Str("state", c.machine.State().String()).Msg("world: stream before running dropped")
			}
			continue
		}
		c.stageMu.Lock()
		if len(c.staged) >= c.cfg.Session.InboundQueueLimit {
			c.stageMu.Unlock()
			c.disconnect(fmt.Errorf("world: inbound queue full"))
			return
		}
		c.staged = append(c.staged, msg)
		c.stageMu.Unlock()
	}
}

func (c *Client) drainStaged() []protocol.Message {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	out := c.staged
	c.staged = nil
	return out
}

// Tick applies everything received since the last tick, then flushes local
// writes as one delta batch and keeps the session alive.
func (c *Client) Tick(now time.Time) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if c.machine.State() == session.StateDisconnected {
		return
	}
	for _, msg := range c.drainStaged() {
		c.handle(now, msg)
		if c.machine.State() == session.StateDisconnected {
			return
		}
	}
	c.flush(now)
	c.heartbeat(now)
}

func (c *Client) handle(now time.Time, msg protocol.Message) {
	if tc, ok := msg.(transportClosed); ok {
		c.disconnect(tc.err)
		return
	}
	var (
		t   protocol.MessageType
		sub protocol.ControlSubType
	)
	switch m := msg.(type) {
	case protocol.ControlMessage:
		t, sub = protocol.MessageControl, m.SubType
	case protocol.DeltaBatch:
		t = protocol.MessageDelta
	case protocol.FullBatch:
		t = protocol.MessageFull
	case protocol.ConfirmationMessage:
		t = protocol.MessageConfirmation
	default:
		return
	}
	if err := session.ClientPermits(c.machine.State(), t, sub); err != nil {
		c.logger.Warn().Err(err).Msg("world: ordering violation")
		return
	}

	switch m := msg.(type) {
	case protocol.ControlMessage:
		c.handleControl(now, m)
	case protocol.FullBatch:
		report := c.store.ApplyFullBatch(m)
		c.mu.Lock()
		c.resyncPending = false
		c.mu.Unlock()
		c.logger.Info().
			Uint64("version", m.StateVersion).
			Int("created", report.Created).
			Int("removed", report.Removed).
			Msg("world: full batch applied")
	case protocol.DeltaBatch:
		report, err := c.store.ApplyDeltaBatch(m, false)
		if err != nil {
			c.logger.Warn().Err(err).Msg("world: apply delta")
			return
		}
		if report.Dropped > 0 && c.cfg.AutoResync {
			c.requestResync("delta referenced unknown objects")
		}
	case protocol.ConfirmationMessage:
		report := c.store.ApplyConfirmation(m)
		if report.Corrected > 0 {
			c.logger.Debug().Int("corrected", report.Corrected).Msg("world: writes corrected by authority")
		}
	}
}

func (c *Client) handleControl(now time.Time, msg protocol.ControlMessage) {
	switch msg.SubType {
	case protocol.ControlJoinGrant:
		grant, err := session.ParseJoinGrant(msg)
		if err != nil {
			c.disconnect(err)
			return
		}
		c.mu.Lock()
		c.grant = grant
		c.grantAt = now
		c.mu.Unlock()
		if err := c.machine.Transition(session.StateAwaitingFullSync); err != nil {
			c.disconnect(err)
			return
		}
		c.logger.Info().
			Uint64("user_id", uint64(grant.AssignedUserID)).
			Uint64("alloc_start", uint64(grant.AllocationIDStart)).
			Uint64("alloc_end", uint64(grant.AllocationIDEnd)).
			Msg("world: join granted")
	case protocol.ControlJoinStartDelta:
		if err := c.machine.Transition(session.StateRunning); err != nil {
			c.disconnect(err)
			return
		}
		c.logger.Info().Uint64("version", c.known.Current()).Msg("world: running")
	case protocol.ControlPing:
		ping, err := session.ParsePing(msg)
		if err != nil {
			c.disconnect(err)
			return
		}
		c.sendControl(func() (protocol.ControlMessage, error) { return session.NewPong(session.Pong(ping)) })
	case protocol.ControlPong:
		pong, err := session.ParsePong(msg)
		if err != nil {
			c.disconnect(err)
			return
		}
		if rtt := now.Sub(time.Unix(0, pong.SentUnixNano)); pong.SentUnixNano > 0 && rtt >= 0 {
			c.rtt.Store(int64(rtt))
		}
	case protocol.ControlKick:
		kick, _ := session.ParseKick(msg)
		c.disconnect(fmt.Errorf("%w: %s", ErrKicked, kick.Reason))
	case protocol.ControlLeave:
		leave, _ := session.ParseLeave(msg)
		c.disconnect(fmt.Errorf("%w: %s", ErrAuthorityLeft, leave.Reason))
	}
}

// flush sends local writes. Deltas are withheld while a resync is pending
// because the full batch discards them.
func (c *Client) flush(now time.Time) {
	if c.machine.State() != session.StateRunning || !c.store.Dirty() {
		return
	}
	c.mu.Lock()
	pending := c.resyncPending
	c.mu.Unlock()
	if pending {
		return
	}
	batch, ok := c.store.BuildDeltaBatch(c.known.Current(), c.worldTime(now))
	if !ok {
		return
	}
	raw, err := replica.Encode(func(dst []byte) ([]byte, error) { return protocol.AppendDelta(dst, batch) })
	if err != nil {
		c.logger.Error().Err(err).Msg("world: encode delta")
		return
	}
	c.send(transport.Reliable, raw)
}

func (c *Client) heartbeat(now time.Time) {
	if now.Sub(time.Unix(0, c.lastSeen.Load())) > c.cfg.Session.SessionDeadAfter {
		c.disconnect(ErrSessionTimeout)
		return
	}
	if c.machine.State() != session.StateRunning {
		return
	}
	c.mu.Lock()
	due := now.Sub(c.lastPingAt) >= c.cfg.Session.HeartbeatInterval
	if due {
		c.lastPingAt = now
		c.pingSeq++
	}
	seq := c.pingSeq
	c.mu.Unlock()
	if due {
		c.sendControl(func() (protocol.ControlMessage, error) {
			return session.NewPing(session.Ping{Seq: seq, SentUnixNano: now.UnixNano()})
		})
	}
}

func (c *Client) sendControl(build func() (protocol.ControlMessage, error)) {
	msg, err := build()
	if err != nil {
		c.logger.Error().Err(err).Msg("world: build control message")
		return
	}
	raw, err := protocol.EncodeControl(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("world: encode control message")
		return
	}
	c.send(transport.Reliable, raw)
}

func (c *Client) send(d transport.Delivery, raw []byte) {
	if c.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Session.WriteTimeout)
	defer cancel()
	if err := c.conn.Send(ctx, d, raw); err != nil {
		if d == transport.Unreliable && errors.Is(err, transport.ErrDropped) {
			return
		}
		c.disconnect(err)
	}
}

func (c *Client) requestResync(why string) {
	c.mu.Lock()
	if c.resyncPending {
		c.mu.Unlock()
		return
	}
	c.resyncPending = true
	c.mu.Unlock()
	c.logger.Info().Str("reason", why).Msg("world: requesting resync")
	c.sendControl(func() (protocol.ControlMessage, error) { return session.NewResyncRequest(), nil })
}

// RequestResync asks the authority for a full batch.
func (c *Client) RequestResync() error {
	if c.machine.State() != session.StateRunning {
		return ErrNotConnected
	}
	c.requestResync("requested")
	return nil
}

// disconnect ends the session once and reports why through OnDisconnect.
func (c *Client) disconnect(reason error) {
	c.doneOnce.Do(func() {
		c.machine.Close()
		c.mu.Lock()
		c.doneErr = reason
		c.mu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		event := c.logger.Info()
		if reason != nil && !errors.Is(reason, transport.ErrClosed) {
			event = c.logger.Warn()
		}
		event.Err(reason).Msg("world: disconnected")
		close(c.done)
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(reason)
		}
	})
}

// Leave ends the session from the client side.
func (c *Client) Leave(ctx context.Context, reason string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.machine.State() != session.StateDisconnected {
		if msg, err := session.NewLeave(reason); err == nil {
			if raw, err := protocol.EncodeControl(msg); err == nil {
				sctx, cancel := context.WithTimeout(ctx, c.cfg.Session.WriteTimeout)
				_ = c.conn.Send(sctx, transport.Reliable, raw)
				cancel()
			}
		}
	}
	c.disconnect(nil)
	c.wg.Wait()
	return nil
}

// Write changes a local member; it reaches the authority on the next Tick.
func (c *Client) Write(id protocol.TargetID, member protocol.MemberIndex, data []byte) error {
	return c.store.Write(id, member, data)
}

func (c *Client) Value(id protocol.TargetID, member protocol.MemberIndex) ([]byte, error) {
	return c.store.Value(id, member)
}

// PublishStream sends stream samples unreliably. Entries are stamped with the
// granted user id by the authority.
func (c *Client) PublishStream(entries ...protocol.StreamEntry) error {
	if c.machine.State() != session.StateRunning {
		return ErrNotConnected
	}
	raw, err := protocol.EncodeStream(protocol.StreamMessage{Entries: entries})
	if err != nil {
		return err
	}
	c.send(transport.Unreliable, raw)
	return nil
}

func (c *Client) Store() *replica.Store { return c.store }

func (c *Client) Streams() *stream.Channel { return c.streams }

func (c *Client) State() session.State { return c.machine.State() }

// StateVersion is the newest authority version this client has observed.
func (c *Client) StateVersion() uint64 { return c.known.Current() }

func (c *Client) Grant() protocol.JoinGrantData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grant
}

func (c *Client) RTT() time.Duration { return time.Duration(c.rtt.Load()) }

// ResyncPending reports whether a requested full batch has not arrived yet.
func (c *Client) ResyncPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncPending
}

func (c *Client) worldTime(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grant.WorldTime + now.Sub(c.grantAt).Seconds()
}

// Done is closed when the session ends; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneErr
}

// Run ticks the client until ctx ends or the session closes.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Session.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lctx, cancel := context.WithTimeout(context.Background(), c.cfg.Session.WriteTimeout)
			defer cancel()
			return c.Leave(lctx, "shutdown")
		case <-c.done:
			return c.Err()
		case <-ticker.C:
			start := time.Now()
			c.Tick(c.cfg.Now())
			observability.ObserveTick("client", time.Since(start))
		}
	}
}
