package world

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/session"
	"github.com/danmuck/worldsync/internal/transport"
)

// Participant is the observable state of one connection on the authority.
type Participant struct {
	UserID    protocol.UserID        `json:"user_id"`
	Name      string                 `json:"name"`
	ConnID    string                 `json:"conn_id"`
	Remote    string                 `json:"remote"`
	State     string                 `json:"state"`
	Grant     protocol.JoinGrantData `json:"grant"`
	JoinedAt  time.Time              `json:"joined_at"`
	RTT       time.Duration          `json:"rtt"`
	Outbound  int                    `json:"outbound"`
	Departure string                 `json:"departure,omitempty"`
}

// participant is owned by the Authority. Fields below mu are guarded by the
// authority registry lock.
type participant struct {
	conn    transport.Connection
	machine *session.Machine
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	// readDone is closed when the read loop exits.
	readDone chan struct{}
	// sendMu serializes the write loop with a final Kick or Leave.
	sendMu sync.Mutex

	lastSeen atomic.Int64
	rtt      atomic.Int64

	// guarded by Authority.mu
	userID     protocol.UserID
	name       string
	grant      protocol.JoinGrantData
	joined     bool
	joinedAt   time.Time
	outbox     [][]byte
	closing    bool
	gone       bool
	departure  string
	pingSeq    uint64
	lastPingAt time.Time

	// guarded by Authority.stageMu
	staged int
}

func (p *participant) info() Participant {
	return Participant{
		UserID:    p.userID,
		Name:      p.name,
		ConnID:    p.conn.ID(),
		Remote:    p.conn.RemoteAddr(),
		State:     p.machine.State().String(),
		Grant:     p.grant,
		JoinedAt:  p.joinedAt,
		RTT:       time.Duration(p.rtt.Load()),
		Outbound:  len(p.outbox),
		Departure: p.departure,
	}
}

// transportClosed is staged behind any messages that arrived before the
// connection failed, so they are still processed in order.
type transportClosed struct {
	err error
}

func (p *participant) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
