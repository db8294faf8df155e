package world

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/worldsync/internal/observability"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/transport"
	"github.com/danmuck/worldsync/internal/validation"
)

// Tick runs one authority step: flush authority writes, process staged
// messages in arrival order, heartbeat participants and checkpoint.
func (a *Authority) Tick(now time.Time) {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()
	start := time.Now()

	a.flushAuthorityWrites(now)
	for _, in := range a.drainStaged() {
		a.handle(now, in.p, in.msg)
	}
	a.heartbeat(now)

	if a.cfg.Checkpoints != nil && now.Sub(a.lastCheckpoint) >= a.cfg.CheckpointInterval && a.clock.Current() != a.checkpointedAt {
		if err := a.checkpoint(now); err != nil {
			a.logger.Warn().Err(err).Msg("world: checkpoint failed")
		}
	}
	observability.SetWorldState(a.cfg.Name, a.clock.Current(), a.running())
	observability.ObserveTick(a.cfg.Name, time.Since(start))
}

// flushAuthorityWrites broadcasts members changed by the authority itself as
// one delta at a new state version.
func (a *Authority) flushAuthorityWrites(now time.Time) {
	if !a.store.Dirty() {
		return
	}
	next := a.clock.Advance()
	batch, ok := a.store.BuildDeltaBatch(next, a.worldTime(now))
	if !ok {
		return
	}
	raw, err := replica.Encode(func(dst []byte) ([]byte, error) { return protocol.AppendDelta(dst, batch) })
	if err != nil {
		a.logger.Error().Err(err).Msg("world: encode authority delta")
		return
	}
	a.broadcast(raw, nil)
	a.logger.Debug().Uint64("version", next).Int("records", len(batch.Records)).Msg("world: authority delta")
}

func (a *Authority) handle(now time.Time, p *participant, msg protocol.Message) {
	a.mu.Lock()
	gone := p.gone
	a.mu.Unlock()
	if gone {
		return
	}
	if tc, ok := msg.(transportClosed); ok {
		a.drop(p, "transport", tc.err)
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
	if err := session.AuthorityPermits(p.machine.State(), t, sub); err != nil {
		a.orderingViolation(p, err)
		return
	}

	switch m := msg.(type) {
	case protocol.DeltaBatch:
		a.handleDelta(p, m)
	case protocol.ControlMessage:
		a.handleControl(now, p, m)
	}
}

func (a *Authority) handleControl(now time.Time, p *participant, msg protocol.ControlMessage) {
	switch msg.SubType {
	case protocol.ControlJoinRequest:
		a.handleJoin(now, p, msg)
	case protocol.ControlResyncRequest:
		if raw, err := a.fullBatch(now); err == nil {
			a.enqueue(p, raw)
		} else {
			a.logger.Error().Err(err).Msg("world: encode resync full batch")
		}
	case protocol.ControlPing:
		ping, err := session.ParsePing(msg)
		if err != nil {
			a.protocolFault(p, err)
			return
		}
		a.sendControl(p, func() (protocol.ControlMessage, error) {
			return session.NewPong(session.Pong(ping))
		})
	case protocol.ControlPong:
		pong, err := session.ParsePong(msg)
		if err != nil {
			a.protocolFault(p, err)
			return
		}
		if pong.SentUnixNano > 0 {
			rtt := now.Sub(time.Unix(0, pong.SentUnixNano))
			if rtt >= 0 {
				p.rtt.Store(int64(rtt))
				observability.ObserveRTT(a.cfg.Name, rtt)
			}
		}
	case protocol.ControlLeave:
		leave, _ := session.ParseLeave(msg)
		reason := "leave"
		if leave.Reason != "" {
			reason = "leave: " + leave.Reason
		}
		a.drop(p, reason, nil)
	}
}

func (a *Authority) protocolFault(p *participant, err error) {
	observability.RecordFault(a.cfg.Name, observability.FaultProtocol)
	a.drop(p, "protocol error", err)
}

func (a *Authority) sendControl(p *participant, build func() (protocol.ControlMessage, error)) {
	msg, err := build()
	if err != nil {
		a.logger.Error().Err(err).Msg("world: build control message")
		return
	}
	raw, err := protocol.EncodeControl(msg)
	if err != nil {
		a.logger.Error().Err(err).Msg("world: encode control message")
		return
	}
	a.enqueue(p, raw)
}

// handleJoin admits a participant: JoinGrant, exactly one FullBatch and
// JoinStartDelta are queued in that order before it becomes Running. Refused
// joins are closed without any message.
func (a *Authority) handleJoin(now time.Time, p *participant, msg protocol.ControlMessage) {
	req, err := session.ParseJoinRequest(msg)
	if err != nil {
		a.drop(p, "join refused", err)
		return
	}
	if a.cfg.Admission != nil {
		if err := a.cfg.Admission(req, p.conn.RemoteAddr()); err != nil {
			a.drop(p, "join refused", fmt.Errorf("%w: %v", session.ErrAdmissionRefused, err))
			return
		}
	}

	a.mu.Lock()
	if len(a.byUser) >= int(a.cfg.Session.MaxUsers) {
		a.mu.Unlock()
		a.drop(p, "join refused", ErrWorldFull)
		return
	}
	uid := a.nextUser
	a.nextUser++
	block := protocol.TargetID(a.cfg.Session.AllocationBlock)
	grant := protocol.JoinGrantData{
		AssignedUserID:    uid,
		AllocationIDStart: protocol.TargetID(uid) * block,
		AllocationIDEnd:   protocol.TargetID(uid)*block + block - 1,
		MaxUsers:          a.cfg.Session.MaxUsers,
		WorldTime:         a.worldTime(now),
		StateVersion:      a.clock.Current(),
	}
	p.userID = uid
	p.name = req.UserName
	p.grant = grant
	p.joined = true
	p.joinedAt = now
	a.byUser[uid] = p
	a.mu.Unlock()

	grantRaw, err := protocol.EncodeControl(session.NewJoinGrant(grant))
	if err != nil {
		a.drop(p, "encode grant", err)
		return
	}
	fullRaw, err := a.fullBatch(now)
	if err != nil {
		a.drop(p, "encode full batch", err)
		return
	}
	startRaw, err := protocol.EncodeControl(session.NewJoinStartDelta())
	if err != nil {
		a.drop(p, "encode join start", err)
		return
	}
	if err := p.machine.Transition(session.StateAwaitingFullSync); err != nil {
		a.drop(p, "join", err)
		return
	}
	a.enqueue(p, grantRaw)
	a.enqueue(p, fullRaw)
	a.enqueue(p, startRaw)
	if err := p.machine.Transition(session.StateRunning); err != nil {
		a.drop(p, "join", err)
		return
	}
	a.logger.Info().
		Uint64("user_id", uint64(uid)).
		Str("user", req.UserName).
		Uint64("version", grant.StateVersion).
		Msg("world: participant joined")
}

// fullBatch encodes the current canonical state. Encodings are cached by
// state version while no authority write is pending.
func (a *Authority) fullBatch(now time.Time) ([]byte, error) {
	build := func() ([]byte, error) {
		batch := a.store.BuildFullBatch(a.clock.Current(), a.worldTime(now))
		return replica.Encode(func(dst []byte) ([]byte, error) { return protocol.AppendFull(dst, batch) })
	}
	if a.store.Dirty() {
		return build()
	}
	raw, _, err := a.fullCache.GetOrBuild(a.clock.Current(), build)
	return raw, err
}

// handleDelta validates a participant batch, answers the sender with one
// confirmation and relays accepted records to everyone else.
func (a *Authority) handleDelta(p *participant, batch protocol.DeltaBatch) {
	a.mu.Lock()
	origin := validation.Origin{UserID: p.userID, Grant: p.grant}
	a.mu.Unlock()

	res := a.pipeline.Process(origin, batch)
	observability.RecordValidation(a.cfg.Name, res.Accepted, res.Rejected)

	raw, err := replica.Encode(func(dst []byte) ([]byte, error) { return protocol.AppendConfirmation(dst, res.Confirmation) })
	if err != nil {
		a.logger.Error().Err(err).Msg("world: encode confirmation")
		return
	}
	a.enqueue(p, raw)

	if len(res.Broadcast.Records) == 0 {
		return
	}
	out, err := replica.Encode(func(dst []byte) ([]byte, error) { return protocol.AppendDelta(dst, res.Broadcast) })
	if err != nil {
		a.logger.Error().Err(err).Msg("world: encode relay delta")
		return
	}
	a.broadcast(out, p)
}

// heartbeat pings running participants and drops those silent for longer
// than SessionDeadAfter.
func (a *Authority) heartbeat(now time.Time) {
	var dead, ping []*participant
	a.mu.Lock()
	for _, p := range a.byConn {
		if p.gone {
			continue
		}
		if now.Sub(time.Unix(0, p.lastSeen.Load())) > a.cfg.Session.SessionDeadAfter {
			dead = append(dead, p)
			continue
		}
		if p.machine.State() == session.StateRunning && now.Sub(p.lastPingAt) >= a.cfg.Session.HeartbeatInterval {
			p.lastPingAt = now
			p.pingSeq++
			ping = append(ping, p)
		}
	}
	a.mu.Unlock()

	for _, p := range dead {
		a.drop(p, "timeout", nil)
	}
	for _, p := range ping {
		seq := p.pingSeq
		a.sendControl(p, func() (protocol.ControlMessage, error) {
			return session.NewPing(session.Ping{Seq: seq, SentUnixNano: now.UnixNano()})
		})
	}
}

func (a *Authority) checkpoint(now time.Time) error {
	batch := a.store.BuildFullBatch(a.clock.Current(), a.worldTime(now))
	if err := a.cfg.Checkpoints.Save(batch); err != nil {
		return err
	}
	a.lastCheckpoint = now
	a.checkpointedAt = batch.StateVersion
	a.logger.Debug().Uint64("version", batch.StateVersion).Int("records", len(batch.Records)).Msg("world: checkpoint saved")
	return nil
}

// Broadcast sends an authority-originated stream message to every running
// participant.
func (a *Authority) Broadcast(ctx context.Context, msg protocol.StreamMessage) int {
	for i := range msg.Entries {
		msg.Entries[i].UserID = protocol.AuthorityUserID
	}
	a.streams.Publish(msg)
	raw, err := protocol.EncodeStream(msg)
	if err != nil {
		return 0
	}
	a.mu.Lock()
	targets := make([]*participant, 0, len(a.byUser))
	for _, p := range a.byUser {
		if p.machine.State() == session.StateRunning {
			targets = append(targets, p)
		}
	}
	a.mu.Unlock()
	sent := 0
	for _, p := range targets {
		if err := p.conn.Send(ctx, transport.Unreliable, raw); err == nil {
			sent++
		}
	}
	return sent
}
