package world

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/worldsync/internal/observability"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/stream"
	"github.com/danmuck/worldsync/internal/transport"
	"github.com/danmuck/worldsync/internal/validation"
	"github.com/danmuck/worldsync/internal/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownParticipant = errors.New("world: unknown participant")
	ErrWorldClosed        = errors.New("world: closed")
	ErrWorldFull          = errors.New("world: at capacity")
	ErrNoCheckpoints      = errors.New("world: checkpoints not configured")
)

type inbound struct {
	p   *participant
	msg protocol.Message
}

// Authority owns the canonical state of one world.
type Authority struct {
	cfg    AuthorityConfig
	logger zerolog.Logger

	store     *replica.Store
	clock     *version.Clock
	pipeline  *validation.Pipeline
	streams   *stream.Channel
	fullCache *replica.FullBatchCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu is the coarse lock for the participant registry and outboxes.
	mu       sync.Mutex
	byUser   map[protocol.UserID]*participant
	byConn   map[string]*participant
	nextUser protocol.UserID
	closed   bool

	stageMu sync.Mutex
	staged  []inbound

	// tickMu serializes Tick; fields below are tick-owned.
	tickMu         sync.Mutex
	started        time.Time
	baseWorldTime  float64
	lastCheckpoint time.Time
	checkpointedAt uint64
	ticking        bool
}

// NewAuthority builds the world and restores the latest checkpoint when one
// is configured.
func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	cfg = cfg.withDefaults()
	logger := observability.WorldLogger(log.Logger, cfg.Name)
	if cfg.Logger != nil {
		logger = observability.WorldLogger(*cfg.Logger, cfg.Name)
	}
	store := replica.NewStore(replica.Config{Types: cfg.Types, Resolver: cfg.Resolver, Logger: &logger})
	clock := version.NewClock(0)
	ctx, cancel := context.WithCancel(context.Background())
	a := &Authority{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		clock:     clock,
		pipeline:  validation.NewPipeline(store, clock, cfg.Validator),
		streams:   stream.NewChannel(),
		fullCache: replica.NewFullBatchCache(cfg.FullBatchCacheSize),
		ctx:       ctx,
		cancel:    cancel,
		byUser:    make(map[protocol.UserID]*participant),
		byConn:    make(map[string]*participant),
		nextUser:  protocol.AuthorityUserID + 1,
		started:   cfg.Now(),
	}
	a.lastCheckpoint = a.started
	if cfg.Checkpoints != nil {
		if err := a.restore(); err != nil {
			cancel()
			return nil, err
		}
	}
	return a, nil
}

func (a *Authority) restore() error {
	batch, ok, err := a.cfg.Checkpoints.Latest()
	if err != nil {
		return fmt.Errorf("world: restore checkpoint: %w", err)
	}
	if !ok {
		return nil
	}
	report := a.store.ApplyFullBatch(batch)
	a.clock.Restore(batch.StateVersion)
	a.baseWorldTime = batch.WorldTime
	a.checkpointedAt = batch.StateVersion
	a.logger.Info().
		Uint64("version", batch.StateVersion).
		Int("objects", report.Created).
		Msg("world: restored checkpoint")
	return nil
}

func (a *Authority) Name() string { return a.cfg.Name }

// Store exposes the canonical store for world setup and inspection.
func (a *Authority) Store() *replica.Store { return a.store }

func (a *Authority) Streams() *stream.Channel { return a.streams }

func (a *Authority) StateVersion() uint64 { return a.clock.Current() }

// RegisterValidator installs the validator for one object type.
func (a *Authority) RegisterValidator(typeName string, v validation.Validator) {
	a.pipeline.Register(typeName, v)
}

// Spawn creates a canonical object of a registered type. Objects created
// after participants have joined reach them through their next full batch.
func (a *Authority) Spawn(id protocol.TargetID, typeName string) error {
	if err := a.store.Spawn(id, typeName); err != nil {
		return err
	}
	a.fullCache.Purge()
	return nil
}

// SpawnRaw creates an untyped canonical object with members slots.
func (a *Authority) SpawnRaw(id protocol.TargetID, members int) error {
	if err := a.store.SpawnRaw(id, members); err != nil {
		return err
	}
	a.fullCache.Purge()
	return nil
}

// Destroy removes a canonical object. Cached full batches are dropped since
// they no longer describe the world at their version.
func (a *Authority) Destroy(id protocol.TargetID) bool {
	ok := a.store.Destroy(id)
	if ok {
		a.fullCache.Purge()
	}
	return ok
}

// Write is an authority-side mutation; it is broadcast on the next tick.
func (a *Authority) Write(id protocol.TargetID, member protocol.MemberIndex, data []byte) error {
	return a.store.Write(id, member, data)
}

func (a *Authority) worldTime(now time.Time) float64 {
	return a.baseWorldTime + now.Sub(a.started).Seconds()
}

// Attach admits a connection into the handshake. The participant stays in
// AwaitingGrant until its JoinRequest is processed on a tick.
func (a *Authority) Attach(conn transport.Connection) error {
	machine := session.NewMachine(nil)
	if err := machine.Transition(session.StateAwaitingGrant); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(a.ctx)
	p := &participant{
		conn:     conn,
		machine:  machine,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		readDone: make(chan struct{}),
	}
	p.lastSeen.Store(a.cfg.Now().UnixNano())

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrWorldClosed
	}
	a.byConn[conn.ID()] = p
	a.mu.Unlock()

	a.logger.Info().Str("conn", conn.ID()).Str("remote", conn.RemoteAddr()).Msg("world: connection attached")
	a.wg.Add(2)
	go a.readLoop(p)
	go a.writeLoop(p)
	return nil
}

// Acceptor yields inbound connections, see transport.Listener.
type Acceptor interface {
	Accept(ctx context.Context) (transport.Connection, error)
}

// Serve attaches every accepted connection until ctx ends.
func (a *Authority) Serve(ctx context.Context, ln Acceptor) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn().Err(err).Msg("world: accept failed")
			continue
		}
		if err := a.Attach(conn); err != nil {
			if errors.Is(err, ErrWorldClosed) {
				return nil
			}
			return err
		}
	}
}

// readLoop decodes envelopes and stages them for the tick. Streams are
// relayed immediately.
func (a *Authority) readLoop(p *participant) {
	defer a.wg.Done()
	defer close(p.readDone)
	for {
		raw, err := p.conn.Receive(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				a.stageClosed(p, err)
			}
			return
		}
		p.lastSeen.Store(a.cfg.Now().UnixNano())
		msg, err := protocol.Decode(raw)
		if err != nil {
			observability.RecordFault(a.cfg.Name, observability.FaultProtocol)
			a.drop(p, "protocol error", err)
			return
		}
		t, _ := protocol.PeekType(raw)
		observability.RecordMessage(a.cfg.Name, observability.DirectionIn, t.String())

		if sm, ok := msg.(protocol.StreamMessage); ok {
			a.relayStream(p, sm)
			continue
		}
		if !a.stage(p, msg) {
			observability.RecordFault(a.cfg.Name, observability.FaultQueueFull)
			a.drop(p, "inbound queue full", nil)
			return
		}
	}
}

// stageClosed queues the end of p's session behind everything already staged.
func (a *Authority) stageClosed(p *participant, err error) {
	a.stageMu.Lock()
	a.staged = append(a.staged, inbound{p: p, msg: transportClosed{err: err}})
	a.stageMu.Unlock()
}

func (a *Authority) stage(p *participant, msg protocol.Message) bool {
	a.stageMu.Lock()
	defer a.stageMu.Unlock()
	if p.staged >= a.cfg.Session.InboundQueueLimit {
		return false
	}
	p.staged++
	a.staged = append(a.staged, inbound{p: p, msg: msg})
	return true
}

func (a *Authority) drainStaged() []inbound {
	a.stageMu.Lock()
	defer a.stageMu.Unlock()
	out := a.staged
	a.staged = nil
	for _, in := range out {
		if _, ok := in.msg.(transportClosed); !ok {
			in.p.staged--
		}
	}
	return out
}

// relayStream stores the entries and forwards them to every other running
// participant. Entries are stamped with the sender's user id.
func (a *Authority) relayStream(p *participant, sm protocol.StreamMessage) {
	if err := session.AuthorityPermits(p.machine.State(), protocol.MessageStream, 0); err != nil {
		a.orderingViolation(p, err)
		return
	}
	a.mu.Lock()
	sender := p.userID
	targets := make([]*participant, 0, len(a.byUser))
	for _, other := range a.byUser {
		if other != p && other.machine.State() == session.StateRunning {
			targets = append(targets, other)
		}
	}
	a.mu.Unlock()

	for i := range sm.Entries {
		sm.Entries[i].UserID = sender
	}
	a.streams.Publish(sm)
	raw, err := replica.Encode(func(dst []byte) ([]byte, error) { return protocol.AppendStream(dst, sm) })
	if err != nil {
		a.logger.Warn().Err(err).Msg("world: encode stream relay")
		return
	}
	for _, other := range targets {
		ctx, cancel := context.WithTimeout(other.ctx, a.cfg.Session.WriteTimeout)
		err := other.conn.Send(ctx, transport.Unreliable, raw)
		cancel()
		if err == nil {
			observability.RecordMessage(a.cfg.Name, observability.DirectionOut, protocol.MessageStream.String())
		}
	}
}

// writeLoop sends queued envelopes in order. A failed send ends the session
// through the tick like a read failure: the read loop usually observes the
// same broken connection and stages the close behind the messages it already
// decoded. A reader still blocked after ReadTimeout gets the close staged here.
func (a *Authority) writeLoop(p *participant) {
	defer a.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}
		p.sendMu.Lock()
		a.mu.Lock()
		batch := p.outbox
		p.outbox = nil
		a.mu.Unlock()
		err := a.sendAll(p.ctx, p, batch)
		p.sendMu.Unlock()
		if err != nil {
			a.awaitReader(p, err)
			return
		}
	}
}

// sendAll writes batch in order. Caller holds p.sendMu.
func (a *Authority) sendAll(ctx context.Context, p *participant, batch [][]byte) error {
	for _, raw := range batch {
		sctx, cancel := context.WithTimeout(ctx, a.cfg.Session.WriteTimeout)
		err := p.conn.Send(sctx, transport.Reliable, raw)
		cancel()
		if err != nil {
			return err
		}
		t, _ := protocol.PeekType(raw)
		observability.RecordMessage(a.cfg.Name, observability.DirectionOut, t.String())
	}
	return nil
}

func (a *Authority) awaitReader(p *participant, err error) {
	if p.ctx.Err() != nil {
		return
	}
	a.logger.Debug().Err(err).Str("conn", p.conn.ID()).Msg("world: send failed")
	wait := time.NewTimer(a.cfg.Session.ReadTimeout)
	defer wait.Stop()
	select {
	case <-p.readDone:
	case <-p.ctx.Done():
	case <-wait.C:
		a.stageClosed(p, err)
	}
}

// enqueueLocked appends raw to p's outbox. Caller holds a.mu. It reports
// false when the outbox overflowed and the participant must be dropped.
func (a *Authority) enqueueLocked(p *participant, raw []byte) bool {
	if p.gone || p.closing {
		return true
	}
	if len(p.outbox) >= a.cfg.Session.OutboundQueueLimit {
		return false
	}
	p.outbox = append(p.outbox, raw)
	p.signal()
	return true
}

func (a *Authority) enqueue(p *participant, raw []byte) {
	a.mu.Lock()
	ok := a.enqueueLocked(p, raw)
	a.mu.Unlock()
	if !ok {
		observability.RecordFault(a.cfg.Name, observability.FaultQueueFull)
		a.drop(p, "outbound queue full", nil)
	}
}

// broadcast enqueues raw for every running participant except skip.
func (a *Authority) broadcast(raw []byte, skip *participant) {
	var overflow []*participant
	a.mu.Lock()
	for _, p := range a.byUser {
		if p == skip || p.machine.State() != session.StateRunning {
			continue
		}
		if !a.enqueueLocked(p, raw) {
			overflow = append(overflow, p)
		}
	}
	a.mu.Unlock()
	for _, p := range overflow {
		observability.RecordFault(a.cfg.Name, observability.FaultQueueFull)
		a.drop(p, "outbound queue full", nil)
	}
}

// drop ends a session: the connection closes, queued messages are discarded
// and OnDisconnect fires for joined participants.
func (a *Authority) drop(p *participant, reason string, cause error) {
	a.mu.Lock()
	if p.gone {
		a.mu.Unlock()
		return
	}
	p.gone = true
	p.departure = reason
	p.outbox = nil
	delete(a.byConn, p.conn.ID())
	joined := p.joined
	if joined {
		delete(a.byUser, p.userID)
	}
	a.mu.Unlock()

	p.machine.Close()
	p.cancel()
	_ = p.conn.Close()

	event := a.logger.Info()
	if cause != nil {
		event = a.logger.Warn().Err(cause)
	}
	event.Uint64("user_id", uint64(p.userID)).Str("conn", p.conn.ID()).Str("reason", reason).Msg("world: participant disconnected")

	if joined {
		a.streams.Forget(p.userID)
		if a.cfg.OnDisconnect != nil {
			a.cfg.OnDisconnect(p.info())
		}
	}
}

func (a *Authority) orderingViolation(p *participant, err error) {
	observability.RecordFault(a.cfg.Name, observability.FaultOrdering)
	a.logger.Warn().Err(err).Uint64("user_id", uint64(p.userID)).Str("conn", p.conn.ID()).Msg("world: ordering violation")
}

// Kick sends a Kick control message and closes the participant's session.
func (a *Authority) Kick(ctx context.Context, user protocol.UserID, reason string) error {
	a.mu.Lock()
	p, ok := a.byUser[user]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, user)
	}
	a.sendFinal(ctx, p, func() (protocol.ControlMessage, error) { return session.NewKick(reason) })
	a.drop(p, "kicked: "+reason, nil)
	return nil
}

// sendFinal flushes whatever p already has queued and then writes a
// terminating control message. Nothing enqueued afterwards is sent.
func (a *Authority) sendFinal(ctx context.Context, p *participant, build func() (protocol.ControlMessage, error)) {
	msg, err := build()
	if err != nil {
		return
	}
	raw, err := protocol.EncodeControl(msg)
	if err != nil {
		return
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	a.mu.Lock()
	if p.gone {
		a.mu.Unlock()
		return
	}
	p.closing = true
	batch := append(p.outbox, raw)
	p.outbox = nil
	a.mu.Unlock()
	if err := a.sendAll(ctx, p, batch); err != nil {
		a.logger.Debug().Err(err).Str("conn", p.conn.ID()).Msg("world: final send failed")
	}
}

// Participants lists every connection, joined or not, by user id.
func (a *Authority) Participants() []Participant {
	a.mu.Lock()
	out := make([]Participant, 0, len(a.byConn))
	for _, p := range a.byConn {
		out = append(out, p.info())
	}
	a.mu.Unlock()
	slices.SortFunc(out, func(x, y Participant) int {
		if x.UserID != y.UserID {
			if x.UserID < y.UserID {
				return -1
			}
			return 1
		}
		if x.ConnID < y.ConnID {
			return -1
		}
		if x.ConnID > y.ConnID {
			return 1
		}
		return 0
	})
	return out
}

func (a *Authority) running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.byUser {
		if p.machine.State() == session.StateRunning {
			n++
		}
	}
	return n
}

// Status is the admin view of one world.
type Status struct {
	Name         string        `json:"name"`
	StateVersion uint64        `json:"state_version"`
	WorldTime    float64       `json:"world_time"`
	Objects      int           `json:"objects"`
	Digest       string        `json:"digest"`
	Streams      int           `json:"streams"`
	Participants []Participant `json:"participants"`
	Ticking      bool          `json:"ticking"`
}

func (a *Authority) Status() Status {
	a.mu.Lock()
	ticking := a.ticking
	a.mu.Unlock()
	return Status{
		Name:         a.cfg.Name,
		StateVersion: a.clock.Current(),
		WorldTime:    a.worldTime(a.cfg.Now()),
		Objects:      a.store.Len(),
		Digest:       fmt.Sprintf("%016x", a.store.Digest()),
		Streams:      a.streams.Len(),
		Participants: a.Participants(),
		Ticking:      ticking,
	}
}

// Objects lists canonical objects in id order.
func (a *Authority) Objects() []replica.ObjectInfo {
	return a.store.Objects()
}

// Checkpoint saves the current canonical state immediately.
func (a *Authority) Checkpoint() (uint64, error) {
	if a.cfg.Checkpoints == nil {
		return 0, ErrNoCheckpoints
	}
	a.tickMu.Lock()
	defer a.tickMu.Unlock()
	if err := a.checkpoint(a.cfg.Now()); err != nil {
		return 0, err
	}
	return a.checkpointedAt, nil
}

// Ready reports whether the tick loop is running.
func (a *Authority) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ticking && !a.closed
}

// Run drives Tick on the configured interval until ctx ends, then closes the
// world.
func (a *Authority) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Session.TickInterval)
	defer ticker.Stop()
	a.mu.Lock()
	a.ticking = true
	a.mu.Unlock()
	a.logger.Info().Dur("tick", a.cfg.Session.TickInterval).Msg("world: running")
	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.ticking = false
			a.mu.Unlock()
			closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Session.WriteTimeout)
			defer cancel()
			return a.Close(closeCtx)
		case <-ticker.C:
			a.Tick(a.cfg.Now())
		}
	}
}

// Close says Leave to every participant, ends all sessions and writes a final
// checkpoint.
func (a *Authority) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	all := make([]*participant, 0, len(a.byConn))
	for _, p := range a.byConn {
		all = append(all, p)
	}
	a.mu.Unlock()

	for _, p := range all {
		if p.machine.State() == session.StateRunning {
			a.sendFinal(ctx, p, func() (protocol.ControlMessage, error) { return session.NewLeave("shutdown") })
		}
		a.drop(p, "shutdown", nil)
	}
	a.cancel()
	a.wg.Wait()

	var err error
	a.tickMu.Lock()
	if a.cfg.Checkpoints != nil && a.clock.Current() != a.checkpointedAt {
		err = a.checkpoint(a.cfg.Now())
	}
	a.tickMu.Unlock()
	a.logger.Info().Uint64("version", a.clock.Current()).Msg("world: closed")
	return err
}
